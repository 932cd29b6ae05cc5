// Package ml provides the reference learner used by simulations: a softmax
// regression classifier trained with minibatch SGD and momentum, a synthetic
// gaussian blob dataset, and the tag registry resolving both.
package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const defaultBatchSize = 16

// Softmax is a multinomial logistic regression model. Its weights are a
// classes x inputs matrix followed by a bias vector.
type Softmax struct {
	mu sync.Mutex

	inputs    int
	classes   int
	lr        float64
	momentum  float64
	batchSize int
	rng       *rand.Rand

	weights  protocol.ModelWeights
	velocity protocol.ModelWeights
}

func NewSoftmax(inputs, classes int, lr, momentum float64, seed int64) *Softmax {
	rng := rand.New(rand.NewSource(seed))

	w := protocol.NewTensor(classes, inputs)
	scale := 1 / math.Sqrt(float64(inputs))
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * scale * 0.1
	}

	weights := protocol.ModelWeights{w, protocol.NewTensor(classes)}

	return &Softmax{
		inputs:    inputs,
		classes:   classes,
		lr:        lr,
		momentum:  momentum,
		batchSize: defaultBatchSize,
		rng:       rng,
		weights:   weights,
		velocity:  protocol.ModelWeights{protocol.NewTensor(classes, inputs), protocol.NewTensor(classes)},
	}
}

// probabilities writes the class probabilities of x into p and returns it.
func (m *Softmax) probabilities(p *mat.VecDense, x []float64) *mat.VecDense {
	W := mat.NewDense(m.classes, m.inputs, m.weights[0].Data)
	p.MulVec(W, mat.NewVecDense(m.inputs, x))
	p.AddVec(p, mat.NewVecDense(m.classes, m.weights[1].Data))

	raw := p.RawVector().Data
	maxLogit := floats.Max(raw)
	floats.AddConst(-maxLogit, raw)
	for i := range raw {
		raw[i] = math.Exp(raw[i])
	}
	floats.Scale(1/floats.Sum(raw), raw)

	return p
}

func (m *Softmax) checkSample(s protocol.Sample) error {
	if len(s.Input) != m.inputs {
		return fmt.Errorf("sample has %d features, model expects %d", len(s.Input), m.inputs)
	}
	if s.Label < 0 || s.Label >= m.classes {
		return fmt.Errorf("label %d outside of %d classes", s.Label, m.classes)
	}
	return nil
}

func (m *Softmax) TrainOneEpoch(ctx context.Context, shard []protocol.Sample) (protocol.TrainStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := m.rng.Perm(len(shard))

	gradW := mat.NewDense(m.classes, m.inputs, nil)
	gradB := mat.NewVecDense(m.classes, nil)
	p := mat.NewVecDense(m.classes, nil)
	velW := mat.NewDense(m.classes, m.inputs, m.velocity[0].Data)
	velB := mat.NewVecDense(m.classes, m.velocity[1].Data)
	W := mat.NewDense(m.classes, m.inputs, m.weights[0].Data)
	B := mat.NewVecDense(m.classes, m.weights[1].Data)

	var totalLoss float64
	for start := 0; start < len(order); start += m.batchSize {
		if err := ctx.Err(); err != nil {
			return protocol.TrainStats{}, err
		}

		end := min(start+m.batchSize, len(order))
		gradW.Zero()
		gradB.Zero()

		for _, idx := range order[start:end] {
			s := shard[idx]
			if err := m.checkSample(s); err != nil {
				return protocol.TrainStats{}, err
			}

			m.probabilities(p, s.Input)
			totalLoss -= math.Log(math.Max(p.AtVec(s.Label), 1e-12))

			p.SetVec(s.Label, p.AtVec(s.Label)-1)
			gradW.RankOne(gradW, 1, p, mat.NewVecDense(m.inputs, s.Input))
			gradB.AddVec(gradB, p)
		}

		n := float64(end - start)
		velW.Scale(m.momentum, velW)
		velW.Add(velW, scaled(gradW, 1/n))
		velB.AddScaledVec(scaledVec(velB, m.momentum), 1/n, gradB)

		W.Sub(W, scaled(velW, m.lr))
		B.AddScaledVec(B, -m.lr, velB)
	}

	stats := protocol.TrainStats{Samples: len(shard)}
	if len(shard) > 0 {
		stats.Loss = totalLoss / float64(len(shard))
	}
	return stats, nil
}

func scaled(a *mat.Dense, f float64) *mat.Dense {
	var out mat.Dense
	out.Scale(f, a)
	return &out
}

func scaledVec(a *mat.VecDense, f float64) *mat.VecDense {
	var out mat.VecDense
	out.ScaleVec(f, a)
	return &out
}

func (m *Softmax) Evaluate(ctx context.Context, samples []protocol.Sample) (protocol.EvalStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := protocol.EvalStats{Samples: len(samples)}
	if len(samples) == 0 {
		return stats, nil
	}

	p := mat.NewVecDense(m.classes, nil)
	correct := 0
	for i, s := range samples {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return protocol.EvalStats{}, err
			}
		}
		if err := m.checkSample(s); err != nil {
			return protocol.EvalStats{}, err
		}

		m.probabilities(p, s.Input)
		stats.Loss -= math.Log(math.Max(p.AtVec(s.Label), 1e-12))
		if floats.MaxIdx(p.RawVector().Data) == s.Label {
			correct++
		}
	}

	stats.Loss /= float64(len(samples))
	stats.Accuracy = float64(correct) / float64(len(samples))
	return stats, nil
}

func (m *Softmax) Weights() protocol.ModelWeights {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights.Clone()
}

func (m *Softmax) SetWeights(w protocol.ModelWeights) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrShapeMismatch, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.weights.SameStructure(w) {
		return fmt.Errorf("%w: model expects %d tensors of shapes %v", protocol.ErrShapeMismatch, len(m.weights), shapes(m.weights))
	}
	m.weights = w.Clone()
	return nil
}

func (m *Softmax) Predict(input []float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := mat.NewVecDense(m.classes, nil)
	m.probabilities(p, input)
	return floats.MaxIdx(p.RawVector().Data)
}

func shapes(w protocol.ModelWeights) [][]int {
	out := make([][]int, len(w))
	for i := range w {
		out[i] = w[i].Shape
	}
	return out
}
