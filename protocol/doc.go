// Package protocol defines the shared vocabulary of the Repple decentralized
// learning protocol: peers, epochs, model weights and updates, the experiment
// settings, the update codec and the capabilities the protocol core depends on.
//
// # Architecture and Workflow
//
// Every participant runs a lifecycle manager (see package node) that loops
// through one epoch at a time:
//
//  1. Training: the peer trains its local Model for one epoch on its private
//     data shard and evaluates it.
//
//  2. Publishing: the current weights are encoded with EncodeUpdate and sent
//     to the configured destinations through the chunked transfer protocol
//     (package transfer). Each logical send carries a fresh Nonce that stays
//     the same across retries.
//
//  3. Collecting: updates received from other peers are buffered per sender.
//     Updates for an older epoch are stale and dropped, updates for a newer
//     epoch are parked until the receiver catches up.
//
//  4. Aggregating: once the quorum for the epoch is reached, the configured
//     aggregation strategy (package aggregation) filters the buffered updates
//     and integrates them with the local weights. The epoch then advances.
//
// No global barrier exists: peers may be at different epochs at any time and
// the stale/future rules above keep them consistent.
//
// # Capabilities
//
// The protocol core never trains models, loads datasets or opens sockets on its
// own. It consumes three narrow capabilities:
//
//   - Model: opaque local training, evaluation and weight access.
//   - Dataset: per-peer shards and a shared test set.
//   - Overlay: raw datagram send/receive between peers and task scheduling.
//
// # Wire Format
//
// Model updates are encoded as a one byte envelope code followed by CBOR,
// compressed with snappy. The UpdateInfo header is additionally encoded on its
// own and travels as the transfer's info blob, so receivers can reject stale
// updates without touching the (large) payload.
package protocol
