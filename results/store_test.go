package results

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

func rate(v float64) *float64 { return &v }

func TestInMemoryStoreOrdersRun(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewRecorder(store, NewRunID(), slog.Default())

	rec.Handle(protocol.EpochResult{Peer: 2, Epoch: 1})
	rec.Handle(protocol.EpochResult{Peer: 1, Epoch: 1})
	rec.Handle(protocol.EpochResult{Peer: 2, Epoch: 0})
	require.NoError(t, store.SaveEpoch("other", protocol.EpochResult{Peer: 9}))

	got, err := store.LoadRun(rec.RunID())
	require.NoError(t, err)
	require.Equal(t, []protocol.EpochResult{
		{Peer: 2, Epoch: 0},
		{Peer: 1, Epoch: 1},
		{Peer: 2, Epoch: 1},
	}, got)

	empty, err := store.LoadRun("missing")
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, store.Close())
}

func TestNewRunIDIsUnique(t *testing.T) {
	require.NotEqual(t, NewRunID(), NewRunID())
}

type failingStore struct{ InMemoryStore }

func (*failingStore) SaveEpoch(string, protocol.EpochResult) error { return errors.New("disk full") }

func TestRecorderLogsSaveErrors(t *testing.T) {
	rec := NewRecorder(&failingStore{}, "run", slog.Default())
	require.NotPanics(t, func() { rec.Handle(protocol.EpochResult{Peer: 1}) })
}

func TestSummarize(t *testing.T) {
	s := Summarize([]protocol.EpochResult{
		{Peer: 0, Epoch: 0, Accuracy: 0.2, AttackSuccess: rate(0.1)},
		{Peer: 0, Epoch: 1, Accuracy: 0.6, AttackSuccess: rate(0.3)},
		{Peer: 1, Epoch: 1, Accuracy: 0.8, AttackSuccess: rate(0.5)},
		{Peer: 1, Epoch: 2, Err: "shape mismatch"},
		{Peer: 5, Epoch: 1, Accuracy: 0.1, Sybil: true},
	})

	require.Equal(t, 2, s.HonestPeers)
	require.Equal(t, 1, s.SybilPeers)
	require.Equal(t, 2, s.Epochs)
	require.Equal(t, 1, s.Failures)
	require.InDelta(t, 0.7, s.FinalAccuracy, 1e-9)
	require.NotNil(t, s.FinalAttackSuccess)
	require.InDelta(t, 0.4, *s.FinalAttackSuccess, 1e-9)

	require.Equal(t, Summary{}, Summarize(nil))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("REPPLE_TEST_POSTGRES_HOST")
	if testing.Short() || dsn == "" {
		t.Skip("REPPLE_TEST_POSTGRES_HOST not set")
	}

	store, err := NewPostgresStore(&PostgresConfig{
		Host:     dsn,
		Port:     5432,
		User:     "postgres",
		Password: os.Getenv("REPPLE_TEST_POSTGRES_PASSWORD"),
		Database: "postgres",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runID := NewRunID()
	require.NoError(t, store.SaveEpoch(runID, protocol.EpochResult{Peer: 1, Epoch: 0, Accuracy: 0.5, AttackSuccess: rate(0.25), Aggregated: 3}))
	require.NoError(t, store.SaveEpoch(runID, protocol.EpochResult{Peer: 0, Epoch: 0, Sybil: true}))

	got, err := store.LoadRun(runID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, protocol.PeerID(0), got[0].Peer)
	require.Equal(t, 0.25, *got[1].AttackSuccess)
	require.Equal(t, 3, got[1].Aggregated)
}
