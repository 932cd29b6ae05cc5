// Command experiment runs a simulated decentralized learning experiment:
// honest and sybil peers exchanging model updates over an in-memory lossy
// network.
//
// # Configuration File
//
//	honest: 8
//	sybils: 2
//	epochs: 20
//	settings:
//	  aggregator: trimmedmean
//	  non_iid: true
//	network:
//	  loss: 0.05
//	sybil:
//	  mode: inject
//	  boost: 4
//	evaluate_attack: true
//	http:
//	  listen_addr: ":8090"
//	  metrics_addr: ":9090"
//	postgres:
//	  host: localhost
//	  port: 5432
//	  user: repple
//	  database: repple
//
// Results are kept in memory unless postgres.host is set. The status API
// (GET /peers, GET /peers/{id}) is served while the run is in progress; use
// --linger to keep it up after the run completes.
//
// # Usage
//
//	go run ./cmd/experiment --config=experiment.yaml
//	go run ./cmd/experiment --honest=4 --sybils=1 --epochs=10 --aggregator=median
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ThomasWerthenbach/Repple/api/httpserver"
	"github.com/ThomasWerthenbach/Repple/cmd/common"
	repple "github.com/ThomasWerthenbach/Repple/common"
	"github.com/ThomasWerthenbach/Repple/experiment"
	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/results"
)

// Config is the experiment file: the run itself plus the process surface.
type Config struct {
	experiment.Config `yaml:",inline"`

	HTTP     common.HTTPConfig      `yaml:"http"`
	Log      common.LogConfig       `yaml:"log"`
	Postgres results.PostgresConfig `yaml:"postgres"`

	// Linger keeps the status API up after the run until interrupted.
	Linger bool `yaml:"linger"`
}

func DefaultConfig() *Config {
	return &Config{
		Config: *experiment.DefaultConfig(),
		HTTP:   common.HTTPConfig{ListenAddr: ":8090"},
		Log:    common.LogConfig{Level: "info"},
	}
}

func main() {
	fs := flag.NewFlagSet("experiment", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "Path to YAML config file")
		addr        = fs.String("addr", ":8090", "HTTP listen address for the status API")
		metricsAddr = fs.String("metrics-addr", "", "Prometheus listen address, disabled if empty")
		honest      = fs.Int("honest", 0, "Number of honest peers")
		sybils      = fs.Int("sybils", 0, "Number of sybil peers")
		epochs      = fs.Uint64("epochs", 0, "Epochs every honest peer completes")
		aggregator  = fs.String("aggregator", "", "Aggregation strategy tag")
		loss        = fs.Float64("loss", 0, "Datagram loss probability of the simulated network")
		linger      = fs.Bool("linger", false, "Keep serving the status API after the run")
		logJSON     = fs.Bool("log-json", false, "Log in JSON format")
		logLevel    = fs.String("log-level", "", "Log level: debug, info, warn, error")
	)
	fs.Parse(os.Args[1:])

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	set := func(name string) bool { return common.IsFlagSet(fs, name) }
	if set("addr") || cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = *addr
	}
	if set("metrics-addr") {
		cfg.HTTP.MetricsAddr = *metricsAddr
	}
	if set("honest") {
		cfg.Honest = *honest
	}
	if set("sybils") {
		cfg.Sybils = *sybils
	}
	if set("epochs") {
		cfg.Epochs = protocol.Epoch(*epochs)
	}
	if *aggregator != "" {
		cfg.Settings.Aggregator = *aggregator
	}
	if set("loss") {
		cfg.Network.Loss = *loss
	}
	if *linger {
		cfg.Linger = true
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

	log, err := common.NewLogger(os.Stdout, cfg.Log, "experiment")
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := common.SignalContext()
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("experiment failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *Config) (results.Store, error) {
	if cfg.Postgres.Host == "" {
		return results.NewInMemoryStore(), nil
	}
	return results.NewPostgresStore(&cfg.Postgres)
}

func run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("results store: %w", err)
	}
	defer store.Close()

	metricsSrv, err := metrics.New(repple.PackageName, cfg.HTTP.MetricsAddr)
	if err != nil {
		return err
	}

	orch, err := experiment.NewOrchestrator(&cfg.Config, store, metricsSrv.Collector(), log)
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	serverCfg := cfg.HTTP.ServerConfig(log)
	serverCfg.Metrics = metricsSrv
	srv, err := httpserver.New(serverCfg, experiment.NewStatusHandler(orch))
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()

	if err := orch.Deploy(); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	logSummary(log, orch.RunID(), summary)

	if cfg.Linger {
		log.Info("run finished, serving status until interrupted", "addr", cfg.HTTP.ListenAddr)
		<-ctx.Done()
	}
	return nil
}

func logSummary(log *slog.Logger, runID string, s results.Summary) {
	attrs := []any{
		"run", runID,
		"honest", s.HonestPeers,
		"sybils", s.SybilPeers,
		"epochs", s.Epochs,
		"failures", s.Failures,
		"accuracy", fmt.Sprintf("%.4f", s.FinalAccuracy),
	}
	if s.FinalAttackSuccess != nil {
		attrs = append(attrs, "attackSuccess", fmt.Sprintf("%.4f", *s.FinalAttackSuccess))
	}
	log.Info("experiment summary", attrs...)
}
