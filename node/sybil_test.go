package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/ml"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/testutil"
)

func TestBoost(t *testing.T) {
	out, err := Boost(vec(1, 1), vec(3, 5), 2)
	require.NoError(t, err)
	require.Equal(t, vec(5, 9), out)

	out, err = Boost(vec(1, 1), vec(3, 5), 1)
	require.NoError(t, err)
	require.Equal(t, vec(3, 5), out)

	_, err = Boost(vec(1, 1), vec(3), 1)
	require.ErrorIs(t, err, protocol.ErrShapeMismatch)
}

func TestSybilConfigValidate(t *testing.T) {
	require.NoError(t, DefaultSybilConfig().Validate())

	cfg := DefaultSybilConfig()
	cfg.Mode = "lurk"
	require.Error(t, cfg.Validate())

	cfg = DefaultSybilConfig()
	cfg.Boost = 0
	require.Error(t, cfg.Validate())
}

func setupTestSybil(t *testing.T, env *testEnv, model protocol.Model, boost float64, allies ...protocol.PeerID) *SybilManager {
	t.Helper()

	cfg := DefaultSybilConfig()
	cfg.PoisonData = false
	cfg.Boost = boost
	cfg.Allies = allies

	s, err := NewSybilManager(testutil.NewTestSettings(), 1, []protocol.PeerID{1, 2, 3}, cfg, Deps{
		Model:     model,
		Publisher: env.publisher,
		OnResult:  env.results.add,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSybilInjectFollowsHonestEpochs(t *testing.T) {
	env := setupTestEnv(t)
	s := setupTestSybil(t, env, newFakeModel(1, 1, 1), 2, 4)

	// Ally updates are ignored.
	receive(t, s, 4, 0, vec(9, 9))
	require.Zero(t, env.transfer.count())

	// First honest update of epoch 0 triggers one publish to every target
	// but itself.
	receive(t, s, 2, 0, vec(3, 3))
	require.Eventually(t, func() bool { return env.transfer.count() == 2 }, time.Second, 5*time.Millisecond)

	receive(t, s, 3, 0, vec(5, 5))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, env.transfer.count())

	// StartNextEpoch does not publish twice for the same epoch.
	require.NoError(t, s.StartNextEpoch(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, env.transfer.count())

	receive(t, s, 2, 2, vec(1, 1))
	require.Eventually(t, func() bool { return env.transfer.count() == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.Epoch(2), s.Epoch())

	// base is the mean of [1,1] and [5,5], the local model is [1,1]:
	// 3 + 2 * (1 - 3) = -1.
	info, weights, err := protocol.DecodeUpdate(env.transfer.last().payload)
	require.NoError(t, err)
	require.Equal(t, protocol.Epoch(2), info.Epoch)
	require.Equal(t, protocol.PeerID(1), info.Sender)
	require.Equal(t, vec(-1, -1), weights)

	// Stale honest updates neither move the epoch back nor publish.
	receive(t, s, 3, 1, vec(0, 0))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 4, env.transfer.count())
	require.Equal(t, protocol.Epoch(2), s.Epoch())

	results := env.results.all()
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Sybil)
		require.False(t, r.Failed())
	}
}

func TestSybilStartNextEpochPublishesCurrentEpoch(t *testing.T) {
	env := setupTestEnv(t)
	s := setupTestSybil(t, env, newFakeModel(0, 4), 1)

	require.NoError(t, s.StartNextEpoch(context.Background()))
	require.Eventually(t, func() bool { return env.transfer.count() == 2 }, time.Second, 5*time.Millisecond)

	// Nothing received yet, the crafted update is the local model.
	_, weights, err := protocol.DecodeUpdate(env.transfer.last().payload)
	require.NoError(t, err)
	require.Equal(t, vec(4), weights)

	s.Close()
	require.ErrorIs(t, s.StartNextEpoch(context.Background()), protocol.ErrClosed)
	require.Equal(t, protocol.StateClosed, s.Status().State)
}

func TestSybilPoisonsWithLabelFlip(t *testing.T) {
	env := setupTestEnv(t)

	blobs, err := ml.NewBlobs(testutil.NewTestBlobsConfig())
	require.NoError(t, err)

	settings := testutil.NewTestSettings(testutil.WithTotalPeers(2))

	s, err := NewSybilManager(settings, 1, []protocol.PeerID{0}, DefaultSybilConfig(), Deps{
		Model:     ml.NewSoftmax(4, 3, 0.1, 0.5, 1),
		Dataset:   blobs,
		Publisher: env.publisher,
		OnResult:  env.results.add,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.StartNextEpoch(context.Background()))
	require.Eventually(t, func() bool { return env.transfer.count() == 1 }, time.Second, 5*time.Millisecond)

	results := env.results.all()
	require.Len(t, results, 1)
	require.NotNil(t, results[0].AttackSuccess)
	require.True(t, results[0].Sybil)
}

func TestNewSybilManagerRejectsBlendMode(t *testing.T) {
	env := setupTestEnv(t)
	cfg := DefaultSybilConfig()
	cfg.Mode = SybilBlend
	cfg.PoisonData = false

	_, err := NewSybilManager(testutil.NewTestSettings(), 1, nil, cfg, Deps{Model: newFakeModel(0, 0), Publisher: env.publisher})
	require.Error(t, err)
}

func TestBlendSybilBoostsPublishedUpdate(t *testing.T) {
	env := setupTestEnv(t)
	model := newFakeModel(1, 1)

	cfg := DefaultSybilConfig()
	cfg.Mode = SybilBlend
	cfg.PoisonData = false
	cfg.Boost = 3

	m, err := NewBlendSybil(testutil.NewTestSettings(), 1, Config{Destinations: []protocol.PeerID{2}}, cfg, Deps{
		Model:     model,
		Strategy:  &aggregation.Average{},
		Publisher: env.publisher,
		Overlay:   env.endpoint,
		OnResult:  env.results.add,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	require.NoError(t, m.StartNextEpoch(context.Background()))
	require.Eventually(t, func() bool { return env.transfer.count() == 1 }, time.Second, 5*time.Millisecond)

	// Trained from [1] to [2], published 1 + 3 * (2 - 1).
	_, weights, err := protocol.DecodeUpdate(env.transfer.last().payload)
	require.NoError(t, err)
	require.Equal(t, vec(4), weights)

	// It still aggregates like an honest peer, from its unboosted weights.
	receive(t, m, 2, 0, vec(4))
	require.Equal(t, protocol.Epoch(1), m.Epoch())
	require.Equal(t, vec(3), model.Weights())

	results := env.results.all()
	require.Len(t, results, 1)
	require.True(t, results[0].Sybil)
	require.True(t, m.Status().Sybil)
}
