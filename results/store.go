// Package results persists the epoch results of an experiment run.
package results

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// Store persists epoch results grouped by run.
type Store interface {
	SaveEpoch(runID string, result protocol.EpochResult) error
	LoadRun(runID string) ([]protocol.EpochResult, error)
	Close() error
}

func NewRunID() string {
	return uuid.NewString()
}

// Recorder forwards epoch results of one run to a store. Its Handle method
// is a node.ResultHandler.
type Recorder struct {
	store Store
	runID string
	log   *slog.Logger
}

func NewRecorder(store Store, runID string, log *slog.Logger) *Recorder {
	return &Recorder{store: store, runID: runID, log: log}
}

func (r *Recorder) RunID() string {
	return r.runID
}

func (r *Recorder) Handle(result protocol.EpochResult) {
	if err := r.store.SaveEpoch(r.runID, result); err != nil {
		r.log.Error("could not save epoch result", "run", r.runID, "peer", result.Peer, "epoch", result.Epoch, "err", err)
	}
}

// InMemoryStore implements Store without a database.
type InMemoryStore struct {
	mu   sync.Mutex
	runs map[string][]protocol.EpochResult
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs: make(map[string][]protocol.EpochResult),
	}
}

func (s *InMemoryStore) SaveEpoch(runID string, result protocol.EpochResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = append(s.runs[runID], result)
	return nil
}

// LoadRun returns the results of a run ordered by epoch, then peer.
func (s *InMemoryStore) LoadRun(runID string) ([]protocol.EpochResult, error) {
	s.mu.Lock()
	out := slices.Clone(s.runs[runID])
	s.mu.Unlock()

	sortResults(out)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func sortResults(results []protocol.EpochResult) {
	slices.SortStableFunc(results, func(a, b protocol.EpochResult) int {
		if c := cmp.Compare(a.Epoch, b.Epoch); c != 0 {
			return c
		}
		return cmp.Compare(a.Peer, b.Peer)
	})
}

// Summary condenses a run to the last successful epoch of every peer.
type Summary struct {
	HonestPeers int `json:"honest_peers"`
	SybilPeers  int `json:"sybil_peers"`
	Epochs      int `json:"epochs"`
	Failures    int `json:"failures"`

	// FinalAccuracy is the mean accuracy of the honest peers.
	FinalAccuracy float64 `json:"final_accuracy"`

	// FinalAttackSuccess is the mean attack success rate of the honest
	// peers. Nil when no attack was evaluated.
	FinalAttackSuccess *float64 `json:"final_attack_success,omitempty"`
}

func Summarize(results []protocol.EpochResult) Summary {
	var s Summary

	last := make(map[protocol.PeerID]protocol.EpochResult)
	sybils := make(map[protocol.PeerID]bool)
	for _, r := range results {
		if r.Sybil {
			sybils[r.Peer] = true
			continue
		}
		if r.Failed() {
			s.Failures++
			continue
		}
		if prev, ok := last[r.Peer]; !ok || prev.Epoch <= r.Epoch {
			last[r.Peer] = r
		}
	}

	s.HonestPeers = len(last)
	s.SybilPeers = len(sybils)
	if len(last) == 0 {
		return s
	}

	var attackSum float64
	attacked := 0
	for _, r := range last {
		s.FinalAccuracy += r.Accuracy
		if int(r.Epoch)+1 > s.Epochs {
			s.Epochs = int(r.Epoch) + 1
		}
		if r.AttackSuccess != nil {
			attackSum += *r.AttackSuccess
			attacked++
		}
	}
	s.FinalAccuracy /= float64(len(last))
	if attacked > 0 {
		rate := attackSum / float64(attacked)
		s.FinalAttackSuccess = &rate
	}

	return s
}
