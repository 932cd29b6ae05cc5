package protocol

import (
	"context"
	"time"
)

// Sample is one labelled example of a data shard.
type Sample struct {
	Input []float64 `json:"input"`
	Label int       `json:"label"`
}

// TrainStats summarizes one local training epoch.
type TrainStats struct {
	Loss    float64
	Samples int
}

// EvalStats summarizes an evaluation pass.
type EvalStats struct {
	Accuracy float64
	Loss     float64
	Samples  int
}

// Model is the local learner of a peer. The protocol core treats it as
// opaque: it only trains, evaluates and moves weights in and out.
type Model interface {
	// TrainOneEpoch runs one pass over the shard.
	TrainOneEpoch(ctx context.Context, shard []Sample) (TrainStats, error)

	// Evaluate computes accuracy and loss over samples without training.
	Evaluate(ctx context.Context, samples []Sample) (EvalStats, error)

	// Weights returns an independent copy of the current parameters.
	Weights() ModelWeights

	// SetWeights replaces the parameters. Weights with a different
	// structure are rejected with ErrShapeMismatch and leave the model
	// unchanged.
	SetWeights(w ModelWeights) error

	// Predict returns the predicted class of a single input.
	Predict(input []float64) int
}

// Dataset provides per-peer shards and the shared test set.
type Dataset interface {
	// PeerShard returns the private training shard of peer.
	PeerShard(peer PeerID, totalPeers int, nonIID bool) ([]Sample, error)

	// TestSet returns the evaluation samples shared by all peers.
	TestSet() []Sample

	NumClasses() int
}

// RawHandler is invoked for each datagram delivered by the overlay.
type RawHandler func(from PeerID, data []byte)

// Overlay is the peer-to-peer substrate: a peer registry, unreliable
// datagram delivery and task scheduling.
type Overlay interface {
	// Self returns the local peer id.
	Self() PeerID

	// Peers returns the currently known remote peers.
	Peers() []PeerID

	// SendRaw sends one datagram. Delivery is not guaranteed.
	SendRaw(ctx context.Context, peer PeerID, data []byte) error

	// OnRawReceive registers the datagram handler, replacing any previous one.
	OnRawReceive(handler RawHandler)

	// Schedule runs fn once after delay under taskID. Registering an id that
	// is already pending fails.
	Schedule(delay time.Duration, taskID string, fn func()) error

	// SchedulePeriodic runs fn every interval under taskID until cancelled.
	SchedulePeriodic(interval time.Duration, taskID string, fn func()) error

	// Cancel removes a pending or periodic task. Unknown ids are ignored.
	Cancel(taskID string)

	// MaxDatagramSize bounds the size of a datagram passed to SendRaw.
	MaxDatagramSize() int
}
