package ml

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

func testBlobs(t *testing.T) *Blobs {
	t.Helper()
	cfg := DefaultBlobsConfig()
	cfg.Classes = 4
	cfg.Dims = 4
	cfg.TrainPerClass = 50
	cfg.TestPerClass = 20
	cfg.Spread = 0.5
	b, err := NewBlobs(cfg)
	require.NoError(t, err)
	return b
}

func TestSoftmaxLearns(t *testing.T) {
	b := testBlobs(t)
	m := NewSoftmax(4, 4, 0.1, 0.5, 1)

	before, err := m.Evaluate(context.Background(), b.TestSet())
	require.NoError(t, err)

	shard, err := b.PeerShard(0, 1, false)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		stats, err := m.TrainOneEpoch(context.Background(), shard)
		require.NoError(t, err)
		require.Equal(t, len(shard), stats.Samples)
	}

	after, err := m.Evaluate(context.Background(), b.TestSet())
	require.NoError(t, err)
	require.Greater(t, after.Accuracy, 0.8)
	require.Less(t, after.Loss, before.Loss)
}

func TestSoftmaxDeterministicInit(t *testing.T) {
	require.Equal(t, NewSoftmax(4, 3, 0.01, 0.5, 7).Weights(), NewSoftmax(4, 3, 0.01, 0.5, 7).Weights())
}

func TestSoftmaxSetWeights(t *testing.T) {
	m := NewSoftmax(4, 3, 0.01, 0.5, 1)
	w := m.Weights()

	w[1].Data[0] = 3
	require.NoError(t, m.SetWeights(w))
	require.Equal(t, 3.0, m.Weights()[1].Data[0])

	// The model keeps its own copy.
	w[1].Data[0] = 9
	require.Equal(t, 3.0, m.Weights()[1].Data[0])

	before := m.Weights()
	err := m.SetWeights(protocol.ModelWeights{protocol.NewTensor(3, 5), protocol.NewTensor(3)})
	require.ErrorIs(t, err, protocol.ErrShapeMismatch)
	require.Equal(t, before, m.Weights())
}

func TestSoftmaxRejectsBadSamples(t *testing.T) {
	m := NewSoftmax(2, 2, 0.01, 0.5, 1)
	_, err := m.TrainOneEpoch(context.Background(), []protocol.Sample{{Input: []float64{1}, Label: 0}})
	require.Error(t, err)

	_, err = m.Evaluate(context.Background(), []protocol.Sample{{Input: []float64{1, 2}, Label: 5}})
	require.Error(t, err)
}

func TestSoftmaxHonorsContext(t *testing.T) {
	b := testBlobs(t)
	m := NewSoftmax(4, 4, 0.1, 0.5, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	shard, _ := b.PeerShard(0, 1, false)
	_, err := m.TrainOneEpoch(ctx, shard)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPeerShardPartitions(t *testing.T) {
	b := testBlobs(t)

	for _, nonIID := range []bool{false, true} {
		total := 0
		for peer := protocol.PeerID(0); peer < 3; peer++ {
			shard, err := b.PeerShard(peer, 3, nonIID)
			require.NoError(t, err)
			total += len(shard)
		}
		require.Equal(t, 200, total)
	}

	_, err := b.PeerShard(3, 3, false)
	require.Error(t, err)
}

func TestNonIIDShardsAreSkewed(t *testing.T) {
	b := testBlobs(t)

	shard, err := b.PeerShard(0, 4, true)
	require.NoError(t, err)
	for _, s := range shard {
		require.Equal(t, 0, s.Label)
	}

	iid, err := b.PeerShard(0, 4, false)
	require.NoError(t, err)
	labels := map[int]bool{}
	for _, s := range iid {
		labels[s.Label] = true
	}
	require.Len(t, labels, 4)
}

func TestNewSuite(t *testing.T) {
	settings := protocol.DefaultSettings()
	settings.TotalPeers = 2

	suite, err := NewSuite(settings, DefaultBlobsConfig())
	require.NoError(t, err)
	require.Equal(t, 10, suite.Dataset.NumClasses())
	require.Equal(t, suite.NewModel(1).Weights(), suite.NewModel(1).Weights())

	settings.Model = "MNIST"
	_, err = NewSuite(settings, DefaultBlobsConfig())
	require.ErrorIs(t, err, protocol.ErrUnknownModelTag)
}
