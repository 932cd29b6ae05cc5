// Package attack implements the data poisoning transforms used by adversarial
// peers and the measurements that quantify their effect.
package attack

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// LabelFlip relabels samples of class From as class To.
type LabelFlip struct {
	From int   `yaml:"from"`
	To   int   `yaml:"to"`
	Seed int64 `yaml:"seed"`
}

func DefaultLabelFlip() LabelFlip {
	return LabelFlip{From: 0, To: 1, Seed: 42}
}

func (l LabelFlip) Validate(numClasses int) error {
	if l.From < 0 || l.From >= numClasses || l.To < 0 || l.To >= numClasses {
		return fmt.Errorf("label flip %d->%d outside of %d classes", l.From, l.To, numClasses)
	}
	if l.From == l.To {
		return fmt.Errorf("label flip source and target are both %d", l.From)
	}
	return nil
}

// TransformTrainingShard relabels every From sample as To, appends one more
// relabelled copy of each of them and shuffles the result with a source
// seeded by Seed. The output has len(shard) + count(label == From) samples
// and is identical for identical inputs. The input is not modified.
func (l LabelFlip) TransformTrainingShard(shard []protocol.Sample) []protocol.Sample {
	out := make([]protocol.Sample, 0, len(shard))
	var copies []protocol.Sample

	for _, s := range shard {
		if s.Label == l.From {
			flipped := protocol.Sample{Input: s.Input, Label: l.To}
			out = append(out, flipped)
			copies = append(copies, flipped)
			continue
		}
		out = append(out, s)
	}
	out = append(out, copies...)

	rng := rand.New(rand.NewSource(l.Seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})

	return out
}

// TransformEvalShard keeps only the samples originally labelled From and
// relabels them as To.
func (l LabelFlip) TransformEvalShard(shard []protocol.Sample) []protocol.Sample {
	out := make([]protocol.Sample, 0)
	for _, s := range shard {
		if s.Label == l.From {
			out = append(out, protocol.Sample{Input: s.Input, Label: l.To})
		}
	}
	return out
}

// AttackSuccessRate is the fraction of evalShard that model classifies as
// the attack target. evalShard is expected to come from TransformEvalShard,
// so this equals the model's accuracy on it.
func AttackSuccessRate(ctx context.Context, model protocol.Model, evalShard []protocol.Sample) (float64, error) {
	if len(evalShard) == 0 {
		return 0, nil
	}

	stats, err := model.Evaluate(ctx, evalShard)
	if err != nil {
		return 0, fmt.Errorf("could not evaluate attack shard: %w", err)
	}
	return stats.Accuracy, nil
}
