// Package experiment deploys a simulated decentralized learning run: honest
// and sybil peers on an in-memory lossy network sharing one task scheduler.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"golang.org/x/sync/errgroup"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/ml"
	"github.com/ThomasWerthenbach/Repple/node"
	"github.com/ThomasWerthenbach/Repple/overlay"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/results"
)

const progressTaskID = "report_progress"

// Metrics is what the orchestrator reports to.
type Metrics interface {
	metrics.TransferMetrics
	metrics.LifecycleMetrics
}

// Orchestrator deploys and runs one experiment.
type Orchestrator struct {
	cfg      *Config
	settings *protocol.Settings
	suite    *ml.Suite
	metrics  Metrics
	recorder *results.Recorder
	store    results.Store
	log      *slog.Logger

	scheduler   *overlay.TaskScheduler
	network     *overlay.MemoryNetwork
	pool        *workerpool.WorkerPool
	coordinator *protocol.LocalEpochCoordinator

	peers  []*node.Peer
	honest []protocol.PeerID
	sybils []protocol.PeerID

	doneOnce sync.Once
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator validates cfg and resolves every tag so that configuration
// faults surface before any peer starts.
func NewOrchestrator(cfg *Config, store results.Store, m Metrics, log *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings := cfg.Settings
	settings.TotalPeers = cfg.TotalPeers()

	if _, err := aggregation.New(settings.Aggregator, cfg.Aggregation); err != nil {
		return nil, err
	}
	suite, err := ml.NewSuite(&settings, cfg.Blobs)
	if err != nil {
		return nil, err
	}

	if m == nil {
		m = metrics.NewNoopCollector()
	}
	if store == nil {
		store = results.NewInMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	runID := results.NewRunID()

	return &Orchestrator{
		cfg:       cfg,
		settings:  &settings,
		suite:     suite,
		metrics:   m,
		recorder:  results.NewRecorder(store, runID, log),
		store:     store,
		log:       log.With("run", runID),
		scheduler: overlay.NewTaskScheduler(log),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (o *Orchestrator) RunID() string {
	return o.recorder.RunID()
}

// Deploy creates the network and assigns every peer its manager. Peers
// 0..Honest-1 are honest, the rest are sybils.
func (o *Orchestrator) Deploy() error {
	o.network = overlay.NewMemoryNetwork(o.cfg.Network, o.scheduler, o.log)
	if o.cfg.TrainWorkers > 0 {
		o.pool = workerpool.New(o.cfg.TrainWorkers)
	}

	total := o.cfg.TotalPeers()
	all := make([]protocol.PeerID, total)
	for i := range all {
		all[i] = protocol.PeerID(i)
	}
	o.honest = all[:o.cfg.Honest]
	o.sybils = all[o.cfg.Honest:]

	for _, id := range all {
		ep, err := o.network.Join(id)
		if err != nil {
			return fmt.Errorf("join peer %s: %w", id, err)
		}

		peer, err := node.NewPeer(ep, o.cfg.Transfer, o.cfg.Retry, o.log, o.metrics)
		if err != nil {
			return fmt.Errorf("create peer %s: %w", id, err)
		}
		o.peers = append(o.peers, peer)

		others := slices.DeleteFunc(slices.Clone(all), func(p protocol.PeerID) bool { return p == id })
		if slices.Contains(o.sybils, id) {
			err = o.assignSybil(peer, others)
		} else {
			err = o.assignNode(peer, others)
		}
		if err != nil {
			return fmt.Errorf("assign peer %s: %w", id, err)
		}
	}

	o.log.Info("deployment complete", "honest", len(o.honest), "sybils", len(o.sybils), "aggregator", o.settings.Aggregator)
	return nil
}

func (o *Orchestrator) nodeConfig(destinations []protocol.PeerID) node.Config {
	return node.Config{
		Destinations: destinations,
		Quorum:       o.cfg.Quorum,
		RoundTimeout: o.cfg.RoundTimeout,
		AutoAdvance:  o.cfg.Pacing == PacingAuto,
		AdvanceDelay: o.cfg.AdvanceDelay,
		MaxEpochs:    o.cfg.Epochs,
	}
}

func (o *Orchestrator) deps(peer *node.Peer) (node.Deps, error) {
	strategy, err := aggregation.New(o.settings.Aggregator, o.cfg.Aggregation)
	if err != nil {
		return node.Deps{}, err
	}

	return node.Deps{
		Model:     o.suite.NewModel(o.cfg.ModelSeed),
		Dataset:   o.suite.Dataset,
		Strategy:  strategy,
		Publisher: peer.Sender(),
		Overlay:   peer.Overlay(),
		TrainPool: o.pool,
		Metrics:   o.metrics,
		OnResult:  o.onResult,
		Log:       o.log,
	}, nil
}

func (o *Orchestrator) assignNode(peer *node.Peer, destinations []protocol.PeerID) error {
	deps, err := o.deps(peer)
	if err != nil {
		return err
	}

	cfg := o.nodeConfig(destinations)
	if o.cfg.EvaluateAttack {
		flip := o.cfg.Sybil.Flip
		cfg.AttackEval = &flip
	}

	m, err := node.NewNodeManager(o.settings, peer.ID(), cfg, deps)
	if err != nil {
		return err
	}
	peer.AssignNode(m)
	return nil
}

func (o *Orchestrator) assignSybil(peer *node.Peer, others []protocol.PeerID) error {
	deps, err := o.deps(peer)
	if err != nil {
		return err
	}

	sybil := o.cfg.Sybil
	sybil.Allies = slices.DeleteFunc(slices.Clone(o.sybils), func(p protocol.PeerID) bool { return p == peer.ID() })

	var m node.Manager
	switch sybil.Mode {
	case node.SybilBlend:
		cfg := o.nodeConfig(others)
		// Blend sybils only wait for honest peers.
		if cfg.Quorum == 0 || cfg.Quorum > len(o.honest) {
			cfg.Quorum = len(o.honest)
		}
		m, err = node.NewBlendSybil(o.settings, peer.ID(), cfg, sybil, deps)
	default:
		m, err = node.NewSybilManager(o.settings, peer.ID(), o.honest, sybil, deps)
	}
	if err != nil {
		return err
	}
	peer.AssignSybil(m)
	return nil
}

func (o *Orchestrator) onResult(r protocol.EpochResult) {
	o.recorder.Handle(r)
	if !r.Sybil && o.finished() {
		o.doneOnce.Do(func() { close(o.done) })
	}
}

// finished reports whether every honest peer completed the configured
// number of epochs.
func (o *Orchestrator) finished() bool {
	return o.minHonestEpoch() >= o.cfg.Epochs
}

func (o *Orchestrator) minHonestEpoch() protocol.Epoch {
	var lowest protocol.Epoch
	for i, id := range o.honest {
		e := o.peers[id].Manager().Epoch()
		if i == 0 || e < lowest {
			lowest = e
		}
	}
	return lowest
}

// Run starts every peer and blocks until all honest peers completed the
// configured epochs or ctx is done. It returns the summary of the run.
func (o *Orchestrator) Run(ctx context.Context) (results.Summary, error) {
	if len(o.peers) == 0 {
		return results.Summary{}, errors.New("nothing deployed")
	}

	started := time.Now()

	if o.cfg.ProgressInterval > 0 {
		err := o.scheduler.SchedulePeriodic(o.cfg.ProgressInterval, progressTaskID, func() {
			o.log.Info("progress", "epoch", o.minHonestEpoch(), "target", o.cfg.Epochs, "elapsed", time.Since(started).Round(time.Second))
		})
		if err != nil {
			return results.Summary{}, err
		}
		defer o.scheduler.Cancel(progressTaskID)
	}

	switch o.cfg.Pacing {
	case PacingTicker:
		o.runTicker()
	default:
		for _, p := range o.peers {
			if err := p.StartLifecycle(0); err != nil {
				return results.Summary{}, err
			}
		}
	}

	select {
	case <-o.done:
	case <-ctx.Done():
		return results.Summary{}, ctx.Err()
	case <-o.ctx.Done():
		return results.Summary{}, protocol.ErrClosed
	}

	o.log.Info("run complete", "epochs", o.cfg.Epochs, "elapsed", time.Since(started))
	return o.Summary()
}

// runTicker starts an epoch on every peer at each coordinator tick. Peers
// still busy with the previous epoch skip the tick.
func (o *Orchestrator) runTicker() {
	o.coordinator = protocol.NewLocalEpochCoordinator(o.cfg.EpochDuration)
	epochs := o.coordinator.SubscribeToEpochs(o.ctx)

	start := func() {
		for _, p := range o.peers {
			m := p.Manager()
			go func() {
				err := m.StartNextEpoch(o.ctx)
				if err != nil && !errors.Is(err, protocol.ErrNotIdle) && !errors.Is(err, protocol.ErrClosed) {
					o.log.Error("could not start epoch", "peer", p.ID(), "err", err)
				}
			}()
		}
	}

	go func() {
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-o.done:
				return
			case <-epochs:
				start()
			}
		}
	}()

	o.coordinator.Start(o.ctx)
	start()
}

// Summary summarizes the results recorded so far.
func (o *Orchestrator) Summary() (results.Summary, error) {
	recorded, err := o.store.LoadRun(o.RunID())
	if err != nil {
		return results.Summary{}, fmt.Errorf("loading run: %w", err)
	}
	return results.Summarize(recorded), nil
}

// Statuses returns a snapshot of every peer.
func (o *Orchestrator) Statuses() []node.Status {
	out := make([]node.Status, 0, len(o.peers))
	for _, p := range o.peers {
		status, _ := p.Status()
		out = append(out, status)
	}
	return out
}

// Status returns the snapshot of one peer.
func (o *Orchestrator) Status(id protocol.PeerID) (node.Status, bool) {
	if int(id) >= len(o.peers) {
		return node.Status{}, false
	}
	return o.peers[id].Status()
}

// Shutdown stops every peer. No partial aggregation is applied.
func (o *Orchestrator) Shutdown() error {
	o.log.Info("shutting down deployment")
	o.cancel()

	var g errgroup.Group
	for _, p := range o.peers {
		g.Go(func() error {
			p.Close()
			return nil
		})
	}
	err := g.Wait()

	if o.network != nil {
		for _, p := range o.peers {
			o.network.Leave(p.ID())
		}
	}
	o.scheduler.Stop()
	if o.pool != nil {
		o.pool.StopWait()
	}

	return err
}
