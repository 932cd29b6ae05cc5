// Command peer runs one Repple peer as its own process. Peers find each
// other through a static table of base URLs and exchange model update
// datagrams over HTTP.
//
// # Configuration File
//
//	id: 0
//	role: honest          # honest or sybil
//	peers:
//	  1: "http://10.0.0.2:8080"
//	  2: "http://10.0.0.3:8080"
//	sybils: [2]
//	epochs: 20
//	settings:
//	  aggregator: median
//	http:
//	  listen_addr: ":8080"
//	  metrics_addr: ":9090"
//
// Every peer of a deployment must share settings, blobs and model_seed so
// that the shards partition one dataset and the models start from the same
// weights.
//
// # Usage
//
//	go run ./cmd/peer --config=peer0.yaml
//	go run ./cmd/peer --config=peer2.yaml --role=sybil --log-json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/api/httpserver"
	"github.com/ThomasWerthenbach/Repple/cmd/common"
	repple "github.com/ThomasWerthenbach/Repple/common"
	"github.com/ThomasWerthenbach/Repple/experiment"
	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/ml"
	"github.com/ThomasWerthenbach/Repple/node"
	"github.com/ThomasWerthenbach/Repple/overlay"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/results"
)

func main() {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "Path to YAML config file (required)")
		addr        = fs.String("addr", ":8080", "HTTP listen address")
		metricsAddr = fs.String("metrics-addr", "", "Prometheus listen address, disabled if empty")
		role        = fs.String("role", "", "Peer role: honest or sybil")
		epochs      = fs.Uint64("epochs", 0, "Stop advancing after this many epochs, 0 runs forever")
		logJSON     = fs.Bool("log-json", false, "Log in JSON format")
		logLevel    = fs.String("log-level", "", "Log level: debug, info, warn, error")
	)
	fs.Parse(os.Args[1:])

	if *configPath == "" {
		fmt.Println("Error: --config is required")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if common.IsFlagSet(fs, "addr") {
		cfg.HTTP.ListenAddr = *addr
	}
	if common.IsFlagSet(fs, "metrics-addr") {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}
	if *role != "" {
		cfg.Role = *role
	}
	if common.IsFlagSet(fs, "epochs") {
		cfg.Epochs = protocol.Epoch(*epochs)
	}
	if *logJSON {
		cfg.Log.JSON = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := common.NewLogger(os.Stdout, cfg.Log, "peer")
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}
	log = log.With("peer", cfg.ID, "role", cfg.Role)

	ctx, cancel := common.SignalContext()
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("peer failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	settings := cfg.ProtocolSettings()

	suite, err := ml.NewSuite(settings, cfg.Blobs)
	if err != nil {
		return err
	}
	strategy, err := aggregation.New(settings.Aggregator, cfg.Aggregation)
	if err != nil {
		return err
	}

	var store results.Store = results.NewInMemoryStore()
	if cfg.Postgres.Host != "" {
		store, err = results.NewPostgresStore(&cfg.Postgres)
		if err != nil {
			return fmt.Errorf("results store: %w", err)
		}
	}
	defer store.Close()
	recorder := results.NewRecorder(store, results.NewRunID(), log)

	metricsSrv, err := metrics.New(repple.PackageName, cfg.HTTP.MetricsAddr)
	if err != nil {
		return err
	}
	collector := metricsSrv.Collector()

	scheduler := overlay.NewTaskScheduler(log)
	defer scheduler.Stop()

	ov := overlay.NewHTTPOverlay(overlay.HTTPOverlayConfig{
		Self:    cfg.ID,
		Peers:   cfg.Peers,
		Timeout: cfg.DatagramTimeout,
	}, scheduler, log)

	peer, err := node.NewPeer(ov, cfg.Transfer, cfg.Retry, log, collector)
	if err != nil {
		return err
	}
	defer peer.Close()

	deps := node.Deps{
		Model:     suite.NewModel(cfg.ModelSeed),
		Dataset:   suite.Dataset,
		Strategy:  strategy,
		Publisher: peer.Sender(),
		Overlay:   ov,
		Metrics:   collector,
		OnResult: func(r protocol.EpochResult) {
			recorder.Handle(r)
			logResult(log, r)
		},
		Log: log,
	}
	if err := assign(peer, cfg, settings, deps); err != nil {
		return err
	}

	serverCfg := cfg.HTTP.ServerConfig(log)
	serverCfg.Metrics = metricsSrv
	srv, err := httpserver.New(serverCfg, ov, experiment.NewStatusHandler(peerStatus{peer}))
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()

	if err := waitForPeers(ctx, cfg, log); err != nil {
		return err
	}
	if err := peer.StartLifecycle(cfg.StartDelay); err != nil {
		return err
	}
	log.Info("lifecycle started", "peers", len(cfg.Peers), "aggregator", settings.Aggregator)

	<-ctx.Done()
	log.Info("shutting down peer")
	return nil
}

func assign(peer *node.Peer, cfg *Config, settings *protocol.Settings, deps node.Deps) error {
	nodeCfg := node.Config{
		Destinations: cfg.Others(),
		Quorum:       cfg.Quorum,
		RoundTimeout: cfg.RoundTimeout,
		AutoAdvance:  true,
		AdvanceDelay: cfg.AdvanceDelay,
		MaxEpochs:    cfg.Epochs,
	}

	if cfg.Role == RoleHonest {
		if cfg.EvaluateAttack {
			flip := cfg.Sybil.Flip
			nodeCfg.AttackEval = &flip
		}
		m, err := node.NewNodeManager(settings, cfg.ID, nodeCfg, deps)
		if err != nil {
			return err
		}
		peer.AssignNode(m)
		return nil
	}

	sybil := cfg.Sybil
	sybil.Allies = cfg.Sybils
	honest := cfg.Honest()

	var (
		m   node.Manager
		err error
	)
	switch sybil.Mode {
	case node.SybilBlend:
		if nodeCfg.Quorum == 0 || nodeCfg.Quorum > len(honest) {
			nodeCfg.Quorum = len(honest)
		}
		m, err = node.NewBlendSybil(settings, cfg.ID, nodeCfg, sybil, deps)
	default:
		m, err = node.NewSybilManager(settings, cfg.ID, honest, sybil, deps)
	}
	if err != nil {
		return err
	}
	peer.AssignSybil(m)
	return nil
}

// waitForPeers polls /readyz of every peer in the table until all of them
// answer or cfg.ReadyTimeout elapses.
func waitForPeers(ctx context.Context, cfg *Config, log *slog.Logger) error {
	client := &http.Client{Timeout: 2 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for id, base := range cfg.Peers {
		g.Go(func() error {
			backoff := retry.NewConstant(500 * time.Millisecond)
			if cfg.ReadyTimeout > 0 {
				backoff = retry.WithMaxDuration(cfg.ReadyTimeout, backoff)
			}

			err := retry.Do(gctx, backoff, func(ctx context.Context) error {
				if err := checkReady(ctx, client, base); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("peer %s not ready: %w", id, err)
			}
			log.Debug("peer ready", "remote", id)
			return nil
		})
	}
	return g.Wait()
}

func checkReady(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/readyz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("readyz returned %d", resp.StatusCode)
	}
	return nil
}

func logResult(log *slog.Logger, r protocol.EpochResult) {
	if r.Failed() {
		log.Warn("epoch failed", "epoch", r.Epoch, "err", r.Err)
		return
	}
	log.Info("epoch finished", "epoch", r.Epoch, "accuracy", r.Accuracy, "loss", r.Loss, "aggregated", r.Aggregated)
}

// peerStatus serves the status API of a single peer.
type peerStatus struct {
	peer *node.Peer
}

func (s peerStatus) Statuses() []node.Status {
	status, _ := s.peer.Status()
	return []node.Status{status}
}

func (s peerStatus) Status(id protocol.PeerID) (node.Status, bool) {
	if id != s.peer.ID() {
		return node.Status{}, false
	}
	return s.peer.Status()
}
