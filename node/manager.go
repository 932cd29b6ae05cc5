// Package node implements the per-peer lifecycle managers: the honest
// NodeManager, the adversarial SybilManager and the Peer that binds a manager
// to the transfer protocol.
//
// A NodeManager moves through Idle, Training, Publishing, Collecting and
// Aggregating once per epoch. Received updates are classified by epoch: stale
// updates are dropped, current ones are buffered per sender and future ones
// are parked (the latest per sender) until the manager reaches their epoch.
// Only the configured destinations are accepted as senders.
package node

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"go.uber.org/atomic"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/attack"
	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/transfer"
)

// Manager is the lifecycle contract shared by honest and adversarial peers.
type Manager interface {
	// StartNextEpoch runs training and publishing for the current epoch.
	// It fails with protocol.ErrNotIdle unless the manager is idle.
	StartNextEpoch(ctx context.Context) error

	// ReceiveModel handles an update delivered by the transfer protocol.
	ReceiveModel(peer protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error

	Epoch() protocol.Epoch
	Status() Status
	Close()
}

// Publisher sends logical updates with retries. Implemented by
// transfer.RetrySender.
type Publisher interface {
	Send(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) *transfer.PendingSend
}

// ResultHandler receives every EpochResult of a manager.
type ResultHandler func(protocol.EpochResult)

// CraftFunc rewrites the weights a manager publishes. base are the weights
// the epoch started from, trained the weights after local training.
type CraftFunc func(base, trained protocol.ModelWeights) (protocol.ModelWeights, error)

// Status is a point in time snapshot of a manager.
type Status struct {
	Peer         protocol.PeerID         `json:"peer"`
	State        protocol.LifecycleState `json:"-"`
	StateName    string                  `json:"state"`
	Epoch        protocol.Epoch          `json:"epoch"`
	Buffered     int                     `json:"buffered"`
	Future       int                     `json:"future"`
	LastAccuracy float64                 `json:"last_accuracy"`
	Sybil        bool                    `json:"sybil"`
}

// Config holds the lifecycle options of a NodeManager.
type Config struct {
	// Destinations receive the published update each epoch.
	Destinations []protocol.PeerID

	// Quorum is the number of peer updates that completes an epoch. Zero
	// means one update from every destination.
	Quorum int

	// RoundTimeout forces aggregation with the buffered updates once an
	// epoch has been collecting for this long. Zero disables it.
	RoundTimeout time.Duration

	// AutoAdvance schedules the next epoch after each aggregation.
	AutoAdvance  bool
	AdvanceDelay time.Duration

	// MaxEpochs stops auto advancing once the epoch reaches it. Zero means
	// no limit.
	MaxEpochs protocol.Epoch

	// AttackEval, when set, measures the attack success rate of the local
	// model after training.
	AttackEval *attack.LabelFlip

	// Craft, when set, replaces the published weights.
	Craft CraftFunc

	// Sybil marks the manager's results as adversarial.
	Sybil bool
}

// Deps are the collaborators of a NodeManager.
type Deps struct {
	Model     protocol.Model
	Dataset   protocol.Dataset
	Strategy  aggregation.Strategy
	Publisher Publisher
	Overlay   protocol.Overlay

	// Shard overrides the dataset shard of the peer, e.g. with poisoned data.
	Shard []protocol.Sample

	// TrainPool bounds concurrent training across managers. Optional.
	TrainPool *workerpool.WorkerPool

	Metrics  metrics.LifecycleMetrics
	OnResult ResultHandler
	Log      *slog.Logger
}

// NodeManager runs the honest epoch lifecycle of one peer.
type NodeManager struct {
	settings *protocol.Settings
	cfg      Config
	self     protocol.PeerID
	quorum   int

	model      protocol.Model
	shard      []protocol.Sample
	testSet    []protocol.Sample
	attackEval []protocol.Sample
	strategy   aggregation.Strategy
	publisher  Publisher
	overlay    protocol.Overlay
	pool       *workerpool.WorkerPool
	metrics    metrics.LifecycleMetrics
	onResult   ResultHandler
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu         sync.Mutex
	state      protocol.LifecycleState
	epoch      protocol.Epoch
	buffer     map[protocol.PeerID]*protocol.ModelUpdate
	future     map[protocol.PeerID]*protocol.ModelUpdate
	lastEval   protocol.EvalStats
	lastAttack *float64
	startedAt  time.Time
}

func NewNodeManager(settings *protocol.Settings, self protocol.PeerID, cfg Config, deps Deps) (*NodeManager, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Model == nil || deps.Strategy == nil || deps.Publisher == nil || deps.Overlay == nil {
		return nil, errors.New("model, strategy, publisher and overlay are required")
	}
	if slices.Contains(cfg.Destinations, self) {
		return nil, fmt.Errorf("peer %s cannot publish to itself", self)
	}

	quorum := cfg.Quorum
	if quorum == 0 {
		quorum = len(cfg.Destinations)
	}
	if quorum < 0 || quorum > len(cfg.Destinations) {
		return nil, fmt.Errorf("quorum %d outside of [0, %d]", quorum, len(cfg.Destinations))
	}

	shard := deps.Shard
	var testSet []protocol.Sample
	if deps.Dataset != nil {
		if shard == nil {
			var err error
			shard, err = deps.Dataset.PeerShard(self, settings.TotalPeers, settings.NonIID)
			if err != nil {
				return nil, fmt.Errorf("could not load shard of peer %s: %w", self, err)
			}
		}
		testSet = deps.Dataset.TestSet()
	}

	var attackEval []protocol.Sample
	if cfg.AttackEval != nil {
		attackEval = cfg.AttackEval.TransformEvalShard(testSet)
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &NodeManager{
		settings:   settings,
		cfg:        cfg,
		self:       self,
		quorum:     quorum,
		model:      deps.Model,
		shard:      shard,
		testSet:    testSet,
		attackEval: attackEval,
		strategy:   deps.Strategy,
		publisher:  deps.Publisher,
		overlay:    deps.Overlay,
		pool:       deps.TrainPool,
		metrics:    m,
		onResult:   deps.OnResult,
		log:        log.With("peer", self),
		ctx:        ctx,
		cancel:     cancel,
		state:      protocol.StateIdle,
		buffer:     make(map[protocol.PeerID]*protocol.ModelUpdate),
		future:     make(map[protocol.PeerID]*protocol.ModelUpdate),
	}, nil
}

func (m *NodeManager) advanceTaskID() string {
	return "advance_epoch_" + m.self.String()
}

func (m *NodeManager) timeoutTaskID() string {
	return "round_timeout_" + m.self.String()
}

func (m *NodeManager) Epoch() protocol.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *NodeManager) State() protocol.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *NodeManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		Peer:         m.self,
		State:        m.state,
		StateName:    m.state.String(),
		Epoch:        m.epoch,
		Buffered:     len(m.buffer),
		Future:       len(m.future),
		LastAccuracy: m.lastEval.Accuracy,
		Sybil:        m.cfg.Sybil,
	}
}

// StartNextEpoch trains, publishes and moves to collecting. It returns once
// the update has been handed to the publisher, aggregation happens when the
// quorum is reached.
func (m *NodeManager) StartNextEpoch(ctx context.Context) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return protocol.ErrClosed
	}
	if m.state != protocol.StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", protocol.ErrNotIdle, state)
	}
	m.state = protocol.StateTraining
	m.startedAt = time.Now()
	epoch := m.epoch
	m.mu.Unlock()

	base := m.model.Weights()
	eval, attackRate, err := m.train(ctx)
	if err != nil {
		m.abortEpoch()
		return fmt.Errorf("training epoch %s: %w", epoch, err)
	}

	if !m.transition(protocol.StateTraining, protocol.StatePublishing) {
		return protocol.ErrClosed
	}

	m.mu.Lock()
	m.lastEval = eval
	m.lastAttack = attackRate
	m.mu.Unlock()

	if err := m.publish(epoch, base); err != nil {
		m.abortEpoch()
		return fmt.Errorf("publishing epoch %s: %w", epoch, err)
	}

	if !m.transition(protocol.StatePublishing, protocol.StateCollecting) {
		return protocol.ErrClosed
	}

	if m.cfg.RoundTimeout > 0 {
		err := m.overlay.Schedule(m.cfg.RoundTimeout, m.timeoutTaskID(), func() { m.aggregate(epoch, true) })
		if err != nil {
			m.log.Warn("could not schedule round timeout", "epoch", epoch, "err", err)
		}
	}

	m.aggregate(epoch, false)
	return nil
}

func (m *NodeManager) transition(from, to protocol.LifecycleState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		return false
	}
	m.state = to
	return true
}

func (m *NodeManager) abortEpoch() {
	m.mu.Lock()
	if m.state == protocol.StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = protocol.StateIdle
	m.mu.Unlock()
}

func (m *NodeManager) train(ctx context.Context) (protocol.EvalStats, *float64, error) {
	var (
		eval       protocol.EvalStats
		attackRate *float64
		err        error
	)

	run := func() {
		if _, err = m.model.TrainOneEpoch(ctx, m.shard); err != nil {
			return
		}
		if eval, err = m.model.Evaluate(ctx, m.testSet); err != nil {
			return
		}
		if m.attackEval != nil {
			var rate float64
			if rate, err = attack.AttackSuccessRate(ctx, m.model, m.attackEval); err != nil {
				return
			}
			attackRate = &rate
		}
	}

	if m.pool != nil {
		m.pool.SubmitWait(run)
	} else {
		run()
	}

	return eval, attackRate, err
}

func (m *NodeManager) publish(epoch protocol.Epoch, base protocol.ModelWeights) error {
	weights := m.model.Weights()
	if m.cfg.Craft != nil {
		crafted, err := m.cfg.Craft(base, weights)
		if err != nil {
			return err
		}
		weights = crafted
	}

	info := protocol.UpdateInfo{
		Kind:      protocol.KindModel,
		Sender:    m.self,
		Epoch:     epoch,
		Algorithm: m.strategy.Algorithm(),
	}

	payload, err := protocol.EncodeUpdate(info, weights)
	if err != nil {
		return err
	}
	infoBlob, err := protocol.EncodeInfo(info)
	if err != nil {
		return err
	}

	for _, dst := range m.cfg.Destinations {
		ps := m.publisher.Send(m.ctx, dst, infoBlob, payload, protocol.NewNonce())
		go m.watchSend(epoch, ps)
	}

	m.log.Debug("published update", "epoch", epoch, "destinations", len(m.cfg.Destinations), "bytes", len(payload))
	return nil
}

func (m *NodeManager) watchSend(epoch protocol.Epoch, ps *transfer.PendingSend) {
	<-ps.Done()
	outcome := ps.Outcome()
	if outcome.Success() || m.closed.Load() {
		return
	}
	m.log.Warn("could not deliver update", "epoch", epoch, "target", outcome.Target, "nonce", outcome.Nonce, "attempts", outcome.Attempts, "err", outcome.Err)
}

// ReceiveModel classifies an inbound update by epoch. Stale updates are
// dropped without error.
func (m *NodeManager) ReceiveModel(peer protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error {
	if m.closed.Load() {
		return protocol.ErrClosed
	}

	meta, err := protocol.DecodeInfo(info)
	if err != nil {
		m.metrics.CorruptUpdateDropped(peer)
		return err
	}

	if m.isStale(meta.Epoch) {
		m.dropStale(peer, meta.Epoch)
		return nil
	}

	decoded, weights, err := protocol.DecodeUpdate(payload)
	if err != nil {
		m.metrics.CorruptUpdateDropped(peer)
		return err
	}
	if decoded != meta || meta.Sender != peer {
		m.metrics.CorruptUpdateDropped(peer)
		return fmt.Errorf("%w: header %+v does not match payload %+v from peer %s", protocol.ErrCorruptUpdate, meta, decoded, peer)
	}
	if !slices.Contains(m.cfg.Destinations, peer) {
		m.log.Warn("ignoring update from unexpected peer", "from", peer, "update_epoch", meta.Epoch)
		return nil
	}

	return m.enqueue(&protocol.ModelUpdate{Sender: peer, Epoch: meta.Epoch, Weights: weights, Nonce: nonce})
}

func (m *NodeManager) isStale(epoch protocol.Epoch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch < m.epoch
}

func (m *NodeManager) dropStale(peer protocol.PeerID, epoch protocol.Epoch) {
	m.metrics.StaleUpdateDropped(peer)
	m.log.Debug("dropping stale update", "from", peer, "update_epoch", epoch, "epoch", m.Epoch())
}

func (m *NodeManager) enqueue(u *protocol.ModelUpdate) error {
	m.mu.Lock()

	if m.state == protocol.StateClosed {
		m.mu.Unlock()
		return protocol.ErrClosed
	}

	switch {
	case u.Epoch < m.epoch:
		m.mu.Unlock()
		m.dropStale(u.Sender, u.Epoch)
		return nil

	case u.Epoch > m.epoch:
		m.future[u.Sender] = u
		m.mu.Unlock()
		return nil
	}

	m.buffer[u.Sender] = u
	epoch := m.epoch
	m.mu.Unlock()

	m.aggregate(epoch, false)
	return nil
}

// aggregate completes epoch if the manager is collecting it and either the
// quorum is reached or force is set. The buffer is kept until the outcome is
// known: a failed aggregation only evicts the update it blames.
func (m *NodeManager) aggregate(epoch protocol.Epoch, force bool) {
	m.mu.Lock()
	if m.state != protocol.StateCollecting || m.epoch != epoch || (!force && len(m.buffer) < m.quorum) {
		m.mu.Unlock()
		return
	}
	m.state = protocol.StateAggregating

	updates := make([]*protocol.ModelUpdate, 0, len(m.buffer))
	for _, u := range m.buffer {
		updates = append(updates, u)
	}
	slices.SortFunc(updates, func(a, b *protocol.ModelUpdate) int { return cmp.Compare(a.Sender, b.Sender) })

	result := protocol.EpochResult{
		Peer:          m.self,
		Epoch:         epoch,
		Accuracy:      m.lastEval.Accuracy,
		Loss:          m.lastEval.Loss,
		AttackSuccess: m.lastAttack,
		Sybil:         m.cfg.Sybil,
		Duration:      time.Since(m.startedAt),
	}
	m.mu.Unlock()

	m.overlay.Cancel(m.timeoutTaskID())

	selected := m.strategy.PrioritizeOtherModels(updates)
	result.Aggregated = len(selected)

	integrated, err := m.strategy.IntegrateModels(m.model.Weights(), selected)

	m.mu.Lock()
	if m.state != protocol.StateAggregating {
		m.mu.Unlock()
		return
	}
	if err == nil {
		err = m.model.SetWeights(integrated)
	}

	if err != nil {
		result.Err = err.Error()
		m.evict(updates, err)
		m.log.Error("aggregation failed, epoch not advanced", "epoch", epoch, "updates", len(selected), "buffered", len(m.buffer), "err", err)
	} else {
		m.epoch = epoch.Next()
		clear(m.buffer)
		for peer, u := range m.future {
			switch {
			case u.Epoch == m.epoch:
				m.buffer[peer] = u
				delete(m.future, peer)
			case u.Epoch < m.epoch:
				delete(m.future, peer)
			}
		}
	}
	m.state = protocol.StateIdle
	next := m.epoch
	m.mu.Unlock()

	if err == nil {
		m.log.Info("epoch completed", "epoch", epoch, "aggregated", result.Aggregated, "accuracy", result.Accuracy)
	}
	m.report(result)

	if m.cfg.AutoAdvance && (m.cfg.MaxEpochs == 0 || next < m.cfg.MaxEpochs) {
		m.scheduleAdvance()
	}
}

// evict drops the buffered update blamed by a failed aggregation, provided it
// was not replaced meanwhile. Failures naming no sender discard the buffer.
// Must be called with m.mu held.
func (m *NodeManager) evict(aggregated []*protocol.ModelUpdate, err error) {
	var mismatch *protocol.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		clear(m.buffer)
		return
	}
	if u, ok := m.buffer[mismatch.Sender]; ok && slices.Contains(aggregated, u) {
		delete(m.buffer, mismatch.Sender)
	}
}

func (m *NodeManager) report(result protocol.EpochResult) {
	m.metrics.EpochFinished(result)
	if m.onResult != nil {
		m.onResult(result)
	}
}

func (m *NodeManager) scheduleAdvance() {
	if m.closed.Load() {
		return
	}

	err := m.overlay.Schedule(m.cfg.AdvanceDelay, m.advanceTaskID(), func() {
		if err := m.StartNextEpoch(m.ctx); err != nil && !errors.Is(err, protocol.ErrClosed) {
			m.log.Error("could not start epoch", "err", err)
		}
	})
	if err != nil {
		m.log.Warn("could not schedule next epoch", "err", err)
	}
}

// Close cancels pending sends and scheduled tasks and discards all buffered
// updates. No partial aggregation is applied.
func (m *NodeManager) Close() {
	if m.closed.Swap(true) {
		return
	}

	m.cancel()
	m.overlay.Cancel(m.advanceTaskID())
	m.overlay.Cancel(m.timeoutTaskID())

	m.mu.Lock()
	m.state = protocol.StateClosed
	clear(m.buffer)
	clear(m.future)
	m.mu.Unlock()
}
