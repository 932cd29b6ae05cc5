package testutil

import (
	"math/rand"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/ml"
	"github.com/ThomasWerthenbach/Repple/protocol"
)

// =====================================
// Settings Generators
// =====================================

// SettingsOption is a function that modifies Settings
type SettingsOption func(*protocol.Settings)

// WithTotalPeers sets the number of participants
func WithTotalPeers(n int) SettingsOption {
	return func(s *protocol.Settings) {
		s.TotalPeers = n
	}
}

// WithAggregator sets the aggregation strategy tag
func WithAggregator(tag string) SettingsOption {
	return func(s *protocol.Settings) {
		s.Aggregator = tag
	}
}

// WithModel sets the model tag
func WithModel(tag string) SettingsOption {
	return func(s *protocol.Settings) {
		s.Model = tag
	}
}

// WithNonIID skews the data shards by label
func WithNonIID() SettingsOption {
	return func(s *protocol.Settings) {
		s.NonIID = true
	}
}

// WithLearningRate sets the optimizer step size
func WithLearningRate(lr float64) SettingsOption {
	return func(s *protocol.Settings) {
		s.LearningRate = lr
	}
}

// NewTestSettings creates valid settings for four peers that can be
// customized using options
func NewTestSettings(options ...SettingsOption) *protocol.Settings {
	s := protocol.DefaultSettings()
	s.TotalPeers = 4
	s.Aggregator = aggregation.AverageAlgorithm

	for _, option := range options {
		option(s)
	}

	return s
}

// NewTestBlobsConfig returns a dataset small enough for unit tests
func NewTestBlobsConfig() ml.BlobsConfig {
	cfg := ml.DefaultBlobsConfig()
	cfg.Classes = 3
	cfg.Dims = 4
	cfg.TrainPerClass = 40
	cfg.TestPerClass = 10
	cfg.Spread = 0.5
	return cfg
}

// =====================================
// Weight Generators
// =====================================

// GenerateTestVector creates single tensor weights holding values
func GenerateTestVector(values ...float64) protocol.ModelWeights {
	return protocol.ModelWeights{{Shape: []int{len(values)}, Data: append([]float64(nil), values...)}}
}

// GenerateTestWeights creates weights with one tensor per shape filled with
// values drawn from a source seeded by seed
func GenerateTestWeights(seed int64, shapes ...[]int) protocol.ModelWeights {
	rng := rand.New(rand.NewSource(seed))

	w := make(protocol.ModelWeights, len(shapes))
	for i, shape := range shapes {
		w[i] = protocol.NewTensor(shape...)
		for j := range w[i].Data {
			w[i].Data[j] = rng.NormFloat64()
		}
	}
	return w
}

// UpdateOption is a function that modifies a ModelUpdate
type UpdateOption func(*protocol.ModelUpdate)

// WithSender sets the update sender
func WithSender(sender protocol.PeerID) UpdateOption {
	return func(u *protocol.ModelUpdate) {
		u.Sender = sender
	}
}

// WithEpoch sets the update epoch
func WithEpoch(epoch protocol.Epoch) UpdateOption {
	return func(u *protocol.ModelUpdate) {
		u.Epoch = epoch
	}
}

// GenerateTestUpdate creates an update from peer 1 for epoch 0 carrying
// weights
func GenerateTestUpdate(weights protocol.ModelWeights, options ...UpdateOption) *protocol.ModelUpdate {
	u := &protocol.ModelUpdate{
		Sender:  1,
		Weights: weights,
		Nonce:   protocol.NewNonce(),
	}

	for _, option := range options {
		option(u)
	}

	return u
}

// EncodeTestUpdate encodes u the way a publishing peer does
func EncodeTestUpdate(u *protocol.ModelUpdate) (info []byte, payload []byte, err error) {
	meta := protocol.UpdateInfo{
		Kind:      protocol.KindModel,
		Sender:    u.Sender,
		Epoch:     u.Epoch,
		Algorithm: aggregation.AverageAlgorithm,
	}

	payload, err = protocol.EncodeUpdate(meta, u.Weights)
	if err != nil {
		return nil, nil, err
	}
	info, err = protocol.EncodeInfo(meta)
	if err != nil {
		return nil, nil, err
	}
	return info, payload, nil
}

// =====================================
// Data Generators
// =====================================

// GenerateTestShard creates n samples of the given width with labels
// cycling through classes
func GenerateTestShard(n, dims, classes int) []protocol.Sample {
	shard := make([]protocol.Sample, n)
	for i := range shard {
		input := make([]float64, dims)
		for d := range input {
			input[d] = float64(i + d)
		}
		shard[i] = protocol.Sample{Input: input, Label: i % classes}
	}
	return shard
}
