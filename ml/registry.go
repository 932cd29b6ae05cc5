package ml

import (
	"fmt"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const SoftmaxTag = "softmax"

// Suite bundles the dataset and model constructor selected by a model tag.
type Suite struct {
	Dataset  protocol.Dataset
	newModel func(seed int64) protocol.Model
}

// NewModel creates a freshly initialized model. Peers seeded identically
// start from the same weights.
func (s *Suite) NewModel(seed int64) protocol.Model {
	return s.newModel(seed)
}

// NewSuite resolves settings.Model. Unknown tags fail with
// protocol.ErrUnknownModelTag.
func NewSuite(settings *protocol.Settings, blobs BlobsConfig) (*Suite, error) {
	switch settings.Model {
	case SoftmaxTag:
		ds, err := NewBlobs(blobs)
		if err != nil {
			return nil, err
		}
		return &Suite{
			Dataset: ds,
			newModel: func(seed int64) protocol.Model {
				return NewSoftmax(ds.Dims(), ds.NumClasses(), settings.LearningRate, settings.Momentum, seed)
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownModelTag, settings.Model)
	}
}
