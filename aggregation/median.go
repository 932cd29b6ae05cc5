package aggregation

import (
	"slices"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// Median takes the coordinate-wise median of own and all updates.
type Median struct{}

func (m *Median) Algorithm() string {
	return MedianAlgorithm
}

func (m *Median) PrioritizeOtherModels(updates []*protocol.ModelUpdate) []*protocol.ModelUpdate {
	return updates
}

func (m *Median) IntegrateModels(own protocol.ModelWeights, updates []*protocol.ModelUpdate) (protocol.ModelWeights, error) {
	all, err := collect(own, updates)
	if err != nil {
		return nil, err
	}
	return coordinateMedian(all), nil
}

func coordinateMedian(all []protocol.ModelWeights) protocol.ModelWeights {
	out := all[0].Clone()
	buf := make([]float64, 0, len(all))

	for i := range out {
		for j := range out[i].Data {
			buf = column(buf, all, i, j)
			out[i].Data[j] = median(buf)
		}
	}
	return out
}

// median sorts values in place.
func median(values []float64) float64 {
	slices.Sort(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
