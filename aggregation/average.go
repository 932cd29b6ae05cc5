package aggregation

import (
	"gonum.org/v1/gonum/floats"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// Average is plain model averaging: every update is kept and the result is
// the equal-weight elementwise mean of own and all updates.
type Average struct{}

func (a *Average) Algorithm() string {
	return AverageAlgorithm
}

func (a *Average) PrioritizeOtherModels(updates []*protocol.ModelUpdate) []*protocol.ModelUpdate {
	return updates
}

func (a *Average) IntegrateModels(own protocol.ModelWeights, updates []*protocol.ModelUpdate) (protocol.ModelWeights, error) {
	all, err := collect(own, updates)
	if err != nil {
		return nil, err
	}
	return mean(all), nil
}

func mean(all []protocol.ModelWeights) protocol.ModelWeights {
	out := all[0].Clone()
	for i := range out {
		for _, w := range all[1:] {
			floats.Add(out[i].Data, w[i].Data)
		}
		floats.Scale(1/float64(len(all)), out[i].Data)
	}
	return out
}
