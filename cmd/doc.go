// Package cmd provides the Repple binaries.
//
// # Commands
//
// experiment: Runs a complete simulated experiment in one process. Honest
// and sybil peers share an in-memory network with configurable datagram
// loss and a single task scheduler. Prints a summary once every honest peer
// finished the configured epochs.
//
//	go run ./cmd/experiment --honest=8 --sybils=2 --epochs=20
//	go run ./cmd/experiment --config=experiment.yaml --metrics-addr=:9090
//
// peer: Runs one peer of a multi-process deployment. Datagrams are carried
// over HTTP between the base URLs of a static peer table.
//
//	go run ./cmd/peer --config=peer0.yaml
//
// # Configuration
//
// Both commands read YAML files via the --config flag. Flags passed
// explicitly override config file values.
//
// Every binary serves /livez, /readyz, /drain and /undrain, the status API
// (GET /peers, GET /peers/{id}) and, when metrics_addr is set, Prometheus
// metrics on a separate listener.
//
// Logging is structured (log/slog). --log-json switches to the JSON
// handler and --log-level selects debug, info, warn or error.
package cmd
