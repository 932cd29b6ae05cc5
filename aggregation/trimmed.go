package aggregation

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// TrimmedMean drops the received updates that lie farthest from the
// coordinate-wise median of all received updates and averages the rest with
// the local weights.
type TrimmedMean struct {
	TrimFraction float64
}

func (t *TrimmedMean) Algorithm() string {
	return TrimmedMeanAlgorithm
}

// PrioritizeOtherModels keeps the updates closest in L2 distance to the
// coordinate-wise median. Updates whose structure differs from the majority
// are kept so IntegrateModels can reject them.
func (t *TrimmedMean) PrioritizeOtherModels(updates []*protocol.ModelUpdate) []*protocol.ModelUpdate {
	drop := int(math.Floor(t.TrimFraction * float64(len(updates))))
	if drop == 0 {
		return updates
	}

	weights := make([]protocol.ModelWeights, 0, len(updates))
	for _, u := range updates {
		if !updates[0].Weights.SameStructure(u.Weights) {
			return updates
		}
		weights = append(weights, u.Weights)
	}
	center := coordinateMedian(weights)

	type scored struct {
		update   *protocol.ModelUpdate
		distance float64
	}
	ranked := make([]scored, len(updates))
	for i, u := range updates {
		ranked[i] = scored{u, distance(center, u.Weights)}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		default:
			return 0
		}
	})

	kept := make([]*protocol.ModelUpdate, 0, len(updates)-drop)
	for _, r := range ranked[:len(updates)-drop] {
		kept = append(kept, r.update)
	}
	return kept
}

func (t *TrimmedMean) IntegrateModels(own protocol.ModelWeights, updates []*protocol.ModelUpdate) (protocol.ModelWeights, error) {
	all, err := collect(own, updates)
	if err != nil {
		return nil, err
	}
	return mean(all), nil
}

func distance(a, b protocol.ModelWeights) float64 {
	var sum float64
	for i := range a {
		d := floats.Distance(a[i].Data, b[i].Data, 2)
		sum += d * d
	}
	return math.Sqrt(sum)
}
