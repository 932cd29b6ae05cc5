package attack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

func shard(labels ...int) []protocol.Sample {
	out := make([]protocol.Sample, len(labels))
	for i, l := range labels {
		out[i] = protocol.Sample{Input: []float64{float64(i)}, Label: l}
	}
	return out
}

func countLabel(samples []protocol.Sample, label int) int {
	n := 0
	for _, s := range samples {
		if s.Label == label {
			n++
		}
	}
	return n
}

func TestTransformTrainingShard(t *testing.T) {
	in := shard(0, 1, 2, 0, 3, 0)
	flip := DefaultLabelFlip()

	out := flip.TransformTrainingShard(in)
	require.Len(t, out, len(in)+3)
	require.Zero(t, countLabel(out, 0))
	require.Equal(t, 1+2*3, countLabel(out, 1))
	require.Equal(t, 1, countLabel(out, 2))

	// Same seed, same input, same output.
	require.Equal(t, out, flip.TransformTrainingShard(in))

	// Input untouched.
	require.Equal(t, shard(0, 1, 2, 0, 3, 0), in)
}

func TestTransformTrainingShardSeedChangesOrder(t *testing.T) {
	in := shard(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0)
	a := LabelFlip{From: 0, To: 1, Seed: 1}.TransformTrainingShard(in)
	b := LabelFlip{From: 0, To: 1, Seed: 2}.TransformTrainingShard(in)
	require.ElementsMatch(t, a, b)
	require.NotEqual(t, a, b)
}

func TestTransformEvalShard(t *testing.T) {
	out := DefaultLabelFlip().TransformEvalShard(shard(0, 1, 0, 2))
	require.Len(t, out, 2)
	for _, s := range out {
		require.Equal(t, 1, s.Label)
	}
	require.Equal(t, []float64{0}, out[0].Input)
	require.Equal(t, []float64{2}, out[1].Input)

	require.Empty(t, DefaultLabelFlip().TransformEvalShard(shard(2, 3)))
}

func TestLabelFlipValidate(t *testing.T) {
	require.NoError(t, DefaultLabelFlip().Validate(10))
	require.Error(t, LabelFlip{From: 1, To: 1}.Validate(10))
	require.Error(t, LabelFlip{From: 0, To: 10}.Validate(10))
}

// thresholdModel predicts 1 for inputs >= 2 and 0 otherwise.
type thresholdModel struct{}

func (thresholdModel) TrainOneEpoch(context.Context, []protocol.Sample) (protocol.TrainStats, error) {
	return protocol.TrainStats{}, nil
}

func (m thresholdModel) Evaluate(_ context.Context, samples []protocol.Sample) (protocol.EvalStats, error) {
	correct := 0
	for _, s := range samples {
		if m.Predict(s.Input) == s.Label {
			correct++
		}
	}
	return protocol.EvalStats{Accuracy: float64(correct) / float64(len(samples)), Samples: len(samples)}, nil
}

func (thresholdModel) Weights() protocol.ModelWeights         { return nil }
func (thresholdModel) SetWeights(protocol.ModelWeights) error { return nil }
func (thresholdModel) Predict(input []float64) int {
	if input[0] >= 2 {
		return 1
	}
	return 0
}

func TestAttackSuccessRate(t *testing.T) {
	eval := DefaultLabelFlip().TransformEvalShard(shard(0, 0, 0, 0, 1))
	require.Len(t, eval, 4)

	rate, err := AttackSuccessRate(context.Background(), thresholdModel{}, eval)
	require.NoError(t, err)
	require.Equal(t, 0.5, rate)

	rate, err = AttackSuccessRate(context.Background(), thresholdModel{}, nil)
	require.NoError(t, err)
	require.Zero(t, rate)
}
