package ml

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// BlobsConfig describes a synthetic classification dataset of isotropic
// gaussian clusters, one per class.
type BlobsConfig struct {
	Classes       int     `yaml:"classes"`
	Dims          int     `yaml:"dims"`
	TrainPerClass int     `yaml:"train_per_class"`
	TestPerClass  int     `yaml:"test_per_class"`
	Spread        float64 `yaml:"spread"`
	Seed          int64   `yaml:"seed"`
}

func DefaultBlobsConfig() BlobsConfig {
	return BlobsConfig{
		Classes:       10,
		Dims:          16,
		TrainPerClass: 200,
		TestPerClass:  50,
		Spread:        1.0,
		Seed:          1,
	}
}

// Blobs implements protocol.Dataset.
type Blobs struct {
	cfg   BlobsConfig
	train []protocol.Sample
	test  []protocol.Sample
}

func NewBlobs(cfg BlobsConfig) (*Blobs, error) {
	if cfg.Classes < 2 || cfg.Dims < 1 || cfg.TrainPerClass < 1 || cfg.TestPerClass < 0 || cfg.Spread < 0 {
		return nil, fmt.Errorf("invalid blobs config %+v", cfg)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	centers := make([][]float64, cfg.Classes)
	for c := range centers {
		centers[c] = make([]float64, cfg.Dims)
		for d := range centers[c] {
			centers[c][d] = rng.Float64()*8 - 4
		}
	}

	sample := func(class int) protocol.Sample {
		x := make([]float64, cfg.Dims)
		for d := range x {
			x[d] = centers[class][d] + rng.NormFloat64()*cfg.Spread
		}
		return protocol.Sample{Input: x, Label: class}
	}

	b := &Blobs{cfg: cfg}
	for c := 0; c < cfg.Classes; c++ {
		for i := 0; i < cfg.TrainPerClass; i++ {
			b.train = append(b.train, sample(c))
		}
		for i := 0; i < cfg.TestPerClass; i++ {
			b.test = append(b.test, sample(c))
		}
	}
	rng.Shuffle(len(b.train), func(i, j int) { b.train[i], b.train[j] = b.train[j], b.train[i] })

	return b, nil
}

// PeerShard partitions the training set. IID shards take every totalPeers-th
// sample, non-IID shards are contiguous slices of the label-sorted set so each
// peer sees only a few classes. Shards are disjoint and cover the whole set.
func (b *Blobs) PeerShard(peer protocol.PeerID, totalPeers int, nonIID bool) ([]protocol.Sample, error) {
	if totalPeers <= 0 || int(peer) >= totalPeers {
		return nil, fmt.Errorf("peer %s outside of %d peers", peer, totalPeers)
	}

	if !nonIID {
		shard := make([]protocol.Sample, 0, len(b.train)/totalPeers+1)
		for i := int(peer); i < len(b.train); i += totalPeers {
			shard = append(shard, b.train[i])
		}
		return shard, nil
	}

	sorted := slices.Clone(b.train)
	slices.SortStableFunc(sorted, func(x, y protocol.Sample) int { return x.Label - y.Label })

	start := int(peer) * len(sorted) / totalPeers
	end := (int(peer) + 1) * len(sorted) / totalPeers
	return sorted[start:end], nil
}

func (b *Blobs) TestSet() []protocol.Sample {
	return b.test
}

func (b *Blobs) NumClasses() int {
	return b.cfg.Classes
}

func (b *Blobs) Dims() int {
	return b.cfg.Dims
}
