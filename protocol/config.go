package protocol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLearningRate = 0.01
	DefaultMomentum     = 0.5
	DefaultModel        = "softmax"
	DefaultAggregator   = "average"
)

// Settings is the immutable per-experiment configuration shared read-only by
// all lifecycle managers. It must be validated once at startup and never
// mutated afterwards.
type Settings struct {
	// TotalPeers is the number of participants in the experiment.
	TotalPeers int `json:"total_peers" yaml:"total_peers"`

	// LearningRate is the local optimizer step size.
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`

	// Momentum is the local optimizer momentum.
	Momentum float64 `json:"momentum" yaml:"momentum"`

	// Model selects the Model and Dataset implementation.
	Model string `json:"model" yaml:"model"`

	// Aggregator selects the aggregation strategy.
	Aggregator string `json:"aggregator" yaml:"aggregator"`

	// NonIID skews the per-peer data shards by label.
	NonIID bool `json:"non_iid" yaml:"non_iid"`
}

// DefaultSettings returns settings with every optional field populated.
// TotalPeers has no default and must be set by the caller.
func DefaultSettings() *Settings {
	return &Settings{
		LearningRate: DefaultLearningRate,
		Momentum:     DefaultMomentum,
		Model:        DefaultModel,
		Aggregator:   DefaultAggregator,
	}
}

// Validate checks the settings. Tags are only checked for presence here, the
// registries resolving them fail fast on unknown values.
func (s *Settings) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil settings", ErrInvalidSettings)
	}
	if s.TotalPeers <= 0 {
		return fmt.Errorf("%w: total_peers must be positive, got %d", ErrInvalidSettings, s.TotalPeers)
	}
	if s.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %v", ErrInvalidSettings, s.LearningRate)
	}
	if s.Momentum < 0 {
		return fmt.Errorf("%w: momentum must be non-negative, got %v", ErrInvalidSettings, s.Momentum)
	}
	if s.Model == "" {
		return fmt.Errorf("%w: model tag is required", ErrInvalidSettings)
	}
	if s.Aggregator == "" {
		return fmt.Errorf("%w: aggregator tag is required", ErrInvalidSettings)
	}
	return nil
}

// LoadSettings reads YAML settings from path on top of DefaultSettings and
// validates the result.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}
