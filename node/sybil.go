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

	"go.uber.org/atomic"
	"gonum.org/v1/gonum/floats"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/attack"
	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	// SybilInject publishes crafted updates without ever aggregating.
	SybilInject = "inject"
	// SybilBlend runs the honest lifecycle with a crafted publish step.
	SybilBlend = "blend"
)

// SybilConfig describes the behaviour of an adversarial peer.
type SybilConfig struct {
	Mode string `yaml:"mode"`

	// Boost scales the distance between the published update and the
	// estimated aggregate.
	Boost float64 `yaml:"boost"`

	// PoisonData trains on the label flipped shard before crafting.
	PoisonData bool             `yaml:"poison_data"`
	Flip       attack.LabelFlip `yaml:"flip"`

	// Allies are other sybils. Their updates do not count as honest.
	Allies []protocol.PeerID `yaml:"-"`
}

func DefaultSybilConfig() SybilConfig {
	return SybilConfig{
		Mode:       SybilInject,
		Boost:      1,
		PoisonData: true,
		Flip:       attack.DefaultLabelFlip(),
	}
}

func (c SybilConfig) Validate() error {
	if c.Mode != SybilInject && c.Mode != SybilBlend {
		return fmt.Errorf("unknown sybil mode %q", c.Mode)
	}
	if c.Boost <= 0 {
		return fmt.Errorf("sybil boost must be positive, got %v", c.Boost)
	}
	return nil
}

// Boost returns base + boost * (poisoned - base).
func Boost(base, poisoned protocol.ModelWeights, boost float64) (protocol.ModelWeights, error) {
	if !base.SameStructure(poisoned) {
		return nil, fmt.Errorf("%w: crafted weights differ from base", protocol.ErrShapeMismatch)
	}

	out := base.Clone()
	for i := range out {
		diff := make([]float64, len(out[i].Data))
		floats.SubTo(diff, poisoned[i].Data, base[i].Data)
		floats.AddScaled(out[i].Data, boost, diff)
	}
	return out, nil
}

// NewBlendSybil returns a NodeManager that trains on poisoned data when
// configured and boosts every update it publishes.
func NewBlendSybil(settings *protocol.Settings, self protocol.PeerID, cfg Config, sybil SybilConfig, deps Deps) (*NodeManager, error) {
	if err := sybil.Validate(); err != nil {
		return nil, err
	}

	if sybil.PoisonData {
		if deps.Dataset == nil {
			return nil, errors.New("poisoned sybil requires a dataset")
		}
		shard, err := deps.Dataset.PeerShard(self, settings.TotalPeers, settings.NonIID)
		if err != nil {
			return nil, fmt.Errorf("could not load shard of sybil %s: %w", self, err)
		}
		deps.Shard = sybil.Flip.TransformTrainingShard(shard)
	}

	boost := sybil.Boost
	cfg.Craft = func(base, trained protocol.ModelWeights) (protocol.ModelWeights, error) {
		return Boost(base, trained, boost)
	}
	cfg.Sybil = true

	return NewNodeManager(settings, self, cfg, deps)
}

// SybilManager is the inject mode adversary. It follows the epochs of the
// honest updates it receives and publishes one crafted update per epoch.
type SybilManager struct {
	settings *protocol.Settings
	self     protocol.PeerID
	targets  []protocol.PeerID
	sybil    SybilConfig
	allies   map[protocol.PeerID]bool

	model      protocol.Model
	poisoned   []protocol.Sample
	testSet    []protocol.Sample
	attackEval []protocol.Sample
	algorithm  string
	publisher  Publisher
	metrics    metrics.LifecycleMetrics
	onResult   ResultHandler
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// craftMu serializes crafting, which owns the model.
	craftMu sync.Mutex

	mu         sync.Mutex
	state      protocol.LifecycleState
	epoch      protocol.Epoch
	published  bool
	honest     map[protocol.PeerID]*protocol.ModelUpdate
	lastEval   protocol.EvalStats
	lastAttack *float64
}

func NewSybilManager(settings *protocol.Settings, self protocol.PeerID, targets []protocol.PeerID, sybil SybilConfig, deps Deps) (*SybilManager, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := sybil.Validate(); err != nil {
		return nil, err
	}
	if sybil.Mode != SybilInject {
		return nil, fmt.Errorf("sybil manager runs in %q mode, use NewBlendSybil for %q", SybilInject, sybil.Mode)
	}
	if deps.Model == nil || deps.Publisher == nil {
		return nil, errors.New("model and publisher are required")
	}

	var poisoned, testSet, attackEval []protocol.Sample
	if deps.Dataset != nil {
		testSet = deps.Dataset.TestSet()
		attackEval = sybil.Flip.TransformEvalShard(testSet)
	}
	if sybil.PoisonData {
		if deps.Dataset == nil {
			return nil, errors.New("poisoned sybil requires a dataset")
		}
		shard, err := deps.Dataset.PeerShard(self, settings.TotalPeers, settings.NonIID)
		if err != nil {
			return nil, fmt.Errorf("could not load shard of sybil %s: %w", self, err)
		}
		poisoned = sybil.Flip.TransformTrainingShard(shard)
	}

	allies := make(map[protocol.PeerID]bool, len(sybil.Allies))
	for _, id := range sybil.Allies {
		allies[id] = true
	}

	algorithm := settings.Aggregator
	if deps.Strategy != nil {
		algorithm = deps.Strategy.Algorithm()
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

	return &SybilManager{
		settings:   settings,
		self:       self,
		targets:    slices.DeleteFunc(slices.Clone(targets), func(id protocol.PeerID) bool { return id == self }),
		sybil:      sybil,
		allies:     allies,
		model:      deps.Model,
		poisoned:   poisoned,
		testSet:    testSet,
		attackEval: attackEval,
		algorithm:  algorithm,
		publisher:  deps.Publisher,
		metrics:    m,
		onResult:   deps.OnResult,
		log:        log.With("peer", self, "sybil", true),
		ctx:        ctx,
		cancel:     cancel,
		state:      protocol.StateIdle,
		honest:     make(map[protocol.PeerID]*protocol.ModelUpdate),
	}, nil
}

func (s *SybilManager) Epoch() protocol.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *SybilManager) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Peer:         s.self,
		State:        s.state,
		StateName:    s.state.String(),
		Epoch:        s.epoch,
		Buffered:     len(s.honest),
		LastAccuracy: s.lastEval.Accuracy,
		Sybil:        true,
	}
}

// StartNextEpoch publishes a crafted update for the current epoch unless one
// was already published.
func (s *SybilManager) StartNextEpoch(ctx context.Context) error {
	if s.closed.Load() {
		return protocol.ErrClosed
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	return s.publishEpoch(ctx, epoch)
}

// ReceiveModel records honest updates and follows their epoch.
func (s *SybilManager) ReceiveModel(peer protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error {
	if s.closed.Load() {
		return protocol.ErrClosed
	}

	meta, err := protocol.DecodeInfo(info)
	if err != nil {
		s.metrics.CorruptUpdateDropped(peer)
		return err
	}
	if s.allies[peer] || peer == s.self {
		return nil
	}

	decoded, weights, err := protocol.DecodeUpdate(payload)
	if err != nil {
		s.metrics.CorruptUpdateDropped(peer)
		return err
	}
	if decoded != meta || meta.Sender != peer {
		s.metrics.CorruptUpdateDropped(peer)
		return fmt.Errorf("%w: header %+v does not match payload %+v from peer %s", protocol.ErrCorruptUpdate, meta, decoded, peer)
	}

	s.mu.Lock()
	if prev, ok := s.honest[peer]; !ok || prev.Epoch <= meta.Epoch {
		s.honest[peer] = &protocol.ModelUpdate{Sender: peer, Epoch: meta.Epoch, Weights: weights, Nonce: nonce}
	}
	newEpoch := meta.Epoch > s.epoch || (meta.Epoch == s.epoch && !s.published)
	if meta.Epoch > s.epoch {
		s.epoch = meta.Epoch
		s.published = false
	}
	s.mu.Unlock()

	if !newEpoch {
		return nil
	}
	return s.publishEpoch(s.ctx, meta.Epoch)
}

// estimate returns the mean of the last honest updates, or the local model
// when nothing has been received yet.
func (s *SybilManager) estimate() (protocol.ModelWeights, error) {
	s.mu.Lock()
	updates := make([]*protocol.ModelUpdate, 0, len(s.honest))
	for _, u := range s.honest {
		updates = append(updates, u)
	}
	s.mu.Unlock()

	if len(updates) == 0 {
		return s.model.Weights(), nil
	}

	slices.SortFunc(updates, func(a, b *protocol.ModelUpdate) int { return cmp.Compare(a.Sender, b.Sender) })
	return (&aggregation.Average{}).IntegrateModels(updates[0].Weights, updates[1:])
}

func (s *SybilManager) publishEpoch(ctx context.Context, epoch protocol.Epoch) error {
	s.craftMu.Lock()
	defer s.craftMu.Unlock()

	s.mu.Lock()
	if s.epoch != epoch || s.published {
		s.mu.Unlock()
		return nil
	}
	s.published = true
	s.state = protocol.StatePublishing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == protocol.StatePublishing {
			s.state = protocol.StateIdle
		}
		s.mu.Unlock()
	}()

	started := time.Now()
	result := protocol.EpochResult{Peer: s.self, Epoch: epoch, Sybil: true}

	crafted, err := s.craft(ctx)
	if err == nil {
		err = s.send(epoch, crafted)
	}
	result.Duration = time.Since(started)

	if err != nil {
		s.mu.Lock()
		s.published = false
		s.mu.Unlock()

		result.Err = err.Error()
		s.report(result)
		return fmt.Errorf("sybil epoch %s: %w", epoch, err)
	}

	s.mu.Lock()
	result.Accuracy = s.lastEval.Accuracy
	result.Loss = s.lastEval.Loss
	result.AttackSuccess = s.lastAttack
	s.mu.Unlock()

	s.log.Info("published crafted update", "epoch", epoch, "targets", len(s.targets))
	s.report(result)
	return nil
}

func (s *SybilManager) craft(ctx context.Context) (protocol.ModelWeights, error) {
	base, err := s.estimate()
	if err != nil {
		return nil, err
	}

	if s.poisoned != nil {
		if err := s.model.SetWeights(base); err != nil {
			return nil, err
		}
		if _, err := s.model.TrainOneEpoch(ctx, s.poisoned); err != nil {
			return nil, err
		}
	}

	if s.testSet != nil {
		eval, err := s.model.Evaluate(ctx, s.testSet)
		if err != nil {
			return nil, err
		}
		rate, err := attack.AttackSuccessRate(ctx, s.model, s.attackEval)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.lastEval = eval
		s.lastAttack = &rate
		s.mu.Unlock()
	}

	return Boost(base, s.model.Weights(), s.sybil.Boost)
}

func (s *SybilManager) send(epoch protocol.Epoch, weights protocol.ModelWeights) error {
	info := protocol.UpdateInfo{
		Kind:      protocol.KindModel,
		Sender:    s.self,
		Epoch:     epoch,
		Algorithm: s.algorithm,
	}

	payload, err := protocol.EncodeUpdate(info, weights)
	if err != nil {
		return err
	}
	infoBlob, err := protocol.EncodeInfo(info)
	if err != nil {
		return err
	}

	for _, target := range s.targets {
		s.publisher.Send(s.ctx, target, infoBlob, payload, protocol.NewNonce())
	}
	return nil
}

func (s *SybilManager) report(result protocol.EpochResult) {
	s.metrics.EpochFinished(result)
	if s.onResult != nil {
		s.onResult(result)
	}
}

func (s *SybilManager) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.cancel()

	s.mu.Lock()
	s.state = protocol.StateClosed
	clear(s.honest)
	s.mu.Unlock()
}
