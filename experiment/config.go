package experiment

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/ml"
	"github.com/ThomasWerthenbach/Repple/node"
	"github.com/ThomasWerthenbach/Repple/overlay"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/transfer"
)

const (
	// PacingAuto lets every peer schedule its next epoch after aggregating.
	PacingAuto = "auto"
	// PacingTicker starts epochs on a shared wall clock tick.
	PacingTicker = "ticker"
)

// Config describes one simulated experiment run.
type Config struct {
	Settings protocol.Settings `yaml:"settings"`

	Honest int            `yaml:"honest"`
	Sybils int            `yaml:"sybils"`
	Epochs protocol.Epoch `yaml:"epochs"`

	// Quorum is the number of peer updates an honest peer waits for. Zero
	// waits for every other peer.
	Quorum       int           `yaml:"quorum"`
	RoundTimeout time.Duration `yaml:"round_timeout"`

	Pacing        string        `yaml:"pacing"`
	EpochDuration time.Duration `yaml:"epoch_duration"`
	AdvanceDelay  time.Duration `yaml:"advance_delay"`

	// TrainWorkers bounds concurrent local training across peers. Zero
	// trains without a pool.
	TrainWorkers int `yaml:"train_workers"`

	// EvaluateAttack measures the attack success rate on honest peers.
	EvaluateAttack bool `yaml:"evaluate_attack"`

	ModelSeed        int64         `yaml:"model_seed"`
	ProgressInterval time.Duration `yaml:"progress_interval"`

	Network     overlay.MemoryNetworkConfig `yaml:"network"`
	Transfer    transfer.Config             `yaml:"transfer"`
	Retry       transfer.RetryPolicy        `yaml:"retry"`
	Sybil       node.SybilConfig            `yaml:"sybil"`
	Blobs       ml.BlobsConfig              `yaml:"blobs"`
	Aggregation aggregation.Options         `yaml:"aggregation"`
}

func DefaultConfig() *Config {
	return &Config{
		Settings:         *protocol.DefaultSettings(),
		Honest:           4,
		Sybils:           0,
		Epochs:           5,
		Pacing:           PacingAuto,
		EpochDuration:    10 * time.Second,
		TrainWorkers:     4,
		ProgressInterval: 5 * time.Second,
		Network:          overlay.MemoryNetworkConfig{MaxDatagramSize: overlay.DefaultMaxDatagramSize},
		Transfer:         transfer.DefaultConfig(),
		Retry:            transfer.DefaultRetryPolicy(),
		Sybil:            node.DefaultSybilConfig(),
		Blobs:            ml.DefaultBlobsConfig(),
		Aggregation:      aggregation.DefaultOptions(),
	}
}

// TotalPeers is the number of honest and adversarial peers.
func (c *Config) TotalPeers() int {
	return c.Honest + c.Sybils
}

// Validate checks the run layout. Settings are validated after TotalPeers
// has been derived from the peer counts.
func (c *Config) Validate() error {
	if c.Honest < 1 {
		return errors.New("at least one honest peer is required")
	}
	if c.Sybils < 0 {
		return fmt.Errorf("sybil count must not be negative, got %d", c.Sybils)
	}
	if c.TotalPeers() < 2 {
		return errors.New("at least two peers are required")
	}
	if c.Epochs < 1 {
		return errors.New("epochs must be positive")
	}
	if c.Quorum < 0 || c.Quorum > c.TotalPeers()-1 {
		return fmt.Errorf("quorum %d outside of [0, %d]", c.Quorum, c.TotalPeers()-1)
	}
	if c.Network.Loss < 0 || c.Network.Loss >= 1 {
		return fmt.Errorf("network loss must be in [0, 1), got %v", c.Network.Loss)
	}
	if c.TrainWorkers < 0 {
		return fmt.Errorf("train workers must not be negative, got %d", c.TrainWorkers)
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress interval must not be negative, got %s", c.ProgressInterval)
	}

	switch c.Pacing {
	case PacingAuto:
	case PacingTicker:
		if c.EpochDuration <= 0 {
			return errors.New("ticker pacing requires a positive epoch_duration")
		}
	default:
		return fmt.Errorf("unknown pacing %q", c.Pacing)
	}

	if c.Sybils > 0 {
		if err := c.Sybil.Validate(); err != nil {
			return err
		}
		if err := c.Sybil.Flip.Validate(c.Blobs.Classes); err != nil {
			return err
		}
	}
	if c.EvaluateAttack {
		if err := c.Sybil.Flip.Validate(c.Blobs.Classes); err != nil {
			return err
		}
	}

	settings := c.Settings
	settings.TotalPeers = c.TotalPeers()
	return settings.Validate()
}

// LoadConfig reads a YAML experiment on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
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
