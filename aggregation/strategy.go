// Package aggregation implements the pluggable strategies that combine a
// peer's own weights with the updates received from other peers.
//
// Strategies first filter the received updates (PrioritizeOtherModels) and
// then integrate the retained subset with the local weights
// (IntegrateModels). Neither step modifies its inputs.
package aggregation

import (
	"fmt"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	AverageAlgorithm     = "average"
	MedianAlgorithm      = "median"
	TrimmedMeanAlgorithm = "trimmedmean"
)

const DefaultTrimFraction = 0.2

// Strategy combines model updates.
type Strategy interface {
	// Algorithm returns the registry tag of the strategy.
	Algorithm() string

	// PrioritizeOtherModels selects the updates worth integrating.
	PrioritizeOtherModels(updates []*protocol.ModelUpdate) []*protocol.ModelUpdate

	// IntegrateModels produces new weights from own and the selected
	// updates. All weights must share the same structure, otherwise
	// protocol.ErrShapeMismatch is returned.
	IntegrateModels(own protocol.ModelWeights, updates []*protocol.ModelUpdate) (protocol.ModelWeights, error)
}

// Options carries strategy specific parameters.
type Options struct {
	// TrimFraction is the share of received updates dropped by the
	// trimmed mean. Must be in [0, 1).
	TrimFraction float64 `yaml:"trim_fraction"`
}

func DefaultOptions() Options {
	return Options{TrimFraction: DefaultTrimFraction}
}

// New resolves an algorithm tag. Unknown tags fail with
// protocol.ErrUnknownAlgorithm.
func New(algorithm string, opts Options) (Strategy, error) {
	switch algorithm {
	case AverageAlgorithm:
		return &Average{}, nil
	case MedianAlgorithm:
		return &Median{}, nil
	case TrimmedMeanAlgorithm:
		if opts.TrimFraction < 0 || opts.TrimFraction >= 1 {
			return nil, fmt.Errorf("trim fraction must be in [0, 1), got %v", opts.TrimFraction)
		}
		return &TrimmedMean{TrimFraction: opts.TrimFraction}, nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownAlgorithm, algorithm)
	}
}

// Algorithms lists the registered tags.
func Algorithms() []string {
	return []string{AverageAlgorithm, MedianAlgorithm, TrimmedMeanAlgorithm}
}

// collect returns own followed by the weights of every update after checking
// that they all share own's structure. The first offending update is named in
// a *protocol.ShapeMismatchError.
func collect(own protocol.ModelWeights, updates []*protocol.ModelUpdate) ([]protocol.ModelWeights, error) {
	all := make([]protocol.ModelWeights, 0, len(updates)+1)
	all = append(all, own)

	for _, u := range updates {
		if !own.SameStructure(u.Weights) {
			return nil, &protocol.ShapeMismatchError{Sender: u.Sender, Epoch: u.Epoch}
		}
		all = append(all, u.Weights)
	}

	return all, nil
}

// column gathers coordinate j of tensor i across all weights into dst.
func column(dst []float64, all []protocol.ModelWeights, i, j int) []float64 {
	dst = dst[:0]
	for _, w := range all {
		dst = append(dst, w[i].Data[j])
	}
	return dst
}
