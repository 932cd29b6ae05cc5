package protocol

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Epoch is a peer's round counter. It starts at 0, advances by exactly one
// per completed round and never decreases.
type Epoch uint64

func (e Epoch) Next() Epoch {
	return e + 1
}

func (e Epoch) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

// LifecycleState is the position of a lifecycle manager within an epoch.
type LifecycleState int

const (
	StateIdle LifecycleState = iota
	StateTraining
	StatePublishing
	StateCollecting
	StateAggregating
	StateClosed
)

func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StatePublishing:
		return "publishing"
	case StateCollecting:
		return "collecting"
	case StateAggregating:
		return "aggregating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EpochResult is reported by a lifecycle manager every time an epoch ends,
// successfully or not.
type EpochResult struct {
	Peer  PeerID `json:"peer"`
	Epoch Epoch  `json:"epoch"`

	// Accuracy and Loss are measured on the test set right after local
	// training of the epoch.
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`

	// AttackSuccess is the fraction of attack evaluation samples classified
	// as the attacker's target label. Only set when an attack is evaluated.
	AttackSuccess *float64 `json:"attack_success,omitempty"`

	// Aggregated is the number of peer updates integrated.
	Aggregated int `json:"aggregated"`

	Sybil    bool          `json:"sybil"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Failed reports whether the epoch ended without aggregation.
func (r EpochResult) Failed() bool {
	return r.Err != ""
}

// EpochCoordinator paces epoch starts for a group of peers.
type EpochCoordinator interface {
	// CurrentEpoch returns the last emitted tick.
	CurrentEpoch() Epoch

	// SubscribeToEpochs receives a notification per tick until ctx is done.
	SubscribeToEpochs(ctx context.Context) <-chan Epoch

	// Start begins ticking.
	Start(ctx context.Context)

	// AdvanceToEpoch manually ticks until the given epoch (for testing).
	AdvanceToEpoch(epoch Epoch)
}

type epochSubscriber struct {
	ctx context.Context
	ch  chan Epoch
}

// LocalEpochCoordinator emits a tick every epochDuration. Peers driven by it
// try to start a new epoch per tick and skip the tick when they are still busy.
type LocalEpochCoordinator struct {
	mu            sync.RWMutex
	currentEpoch  Epoch
	epochDuration time.Duration
	subscribers   []epochSubscriber
	started       *atomic.Bool
}

// NewLocalEpochCoordinator creates a time-based epoch coordinator.
func NewLocalEpochCoordinator(epochDuration time.Duration) *LocalEpochCoordinator {
	return &LocalEpochCoordinator{
		epochDuration: epochDuration,
		subscribers:   make([]epochSubscriber, 0),
		started:       &atomic.Bool{},
	}
}

func (c *LocalEpochCoordinator) CurrentEpoch() Epoch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentEpoch
}

// SubscribeToEpochs receives tick notifications. Slow subscribers miss ticks
// rather than block the coordinator.
func (c *LocalEpochCoordinator) SubscribeToEpochs(ctx context.Context) <-chan Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Epoch, 10)
	c.subscribers = append(c.subscribers, epochSubscriber{ctx, ch})

	return ch
}

// Start begins epoch progression. Calling it again is a no-op.
func (c *LocalEpochCoordinator) Start(ctx context.Context) {
	if c.started.Swap(true) {
		return
	}

	go func() {
		ticker := time.NewTicker(c.epochDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.advanceEpoch()
			}
		}
	}()
}

// AdvanceToEpoch manually advances to a specific epoch.
// Only used in tests.
func (c *LocalEpochCoordinator) AdvanceToEpoch(epoch Epoch) {
	for epoch > c.CurrentEpoch() {
		c.advanceEpoch()
	}
}

func (c *LocalEpochCoordinator) advanceEpoch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentEpoch = c.currentEpoch.Next()
	tick := c.currentEpoch

	toRemove := []int{}
	for i, sub := range c.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			toRemove = append(toRemove, i)
		case sub.ch <- tick:
		default:
			// Skip if channel is full
		}
	}

	slices.Reverse(toRemove)
	for _, i := range toRemove {
		c.subscribers = slices.Delete(c.subscribers, i, i+1)
	}
}
