package protocol

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalEpochCoordinator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewLocalEpochCoordinator(time.Hour)
	ch := c.SubscribeToEpochs(ctx)

	c.AdvanceToEpoch(3)
	require.Equal(t, Epoch(3), c.CurrentEpoch())

	for want := Epoch(1); want <= 3; want++ {
		select {
		case got := <-ch:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("no tick for epoch %d", want)
		}
	}

	// Going backwards is a no-op.
	c.AdvanceToEpoch(1)
	require.Equal(t, Epoch(3), c.CurrentEpoch())
}

func TestLocalEpochCoordinatorTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewLocalEpochCoordinator(10 * time.Millisecond)
	ch := c.SubscribeToEpochs(ctx)
	c.Start(ctx)
	c.Start(ctx)

	require.Eventually(t, func() bool {
		select {
		case e := <-ch:
			return e >= 2
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalEpochCoordinatorDropsCancelledSubscribers(t *testing.T) {
	c := NewLocalEpochCoordinator(time.Hour)

	subCtx, subCancel := context.WithCancel(context.Background())
	ch := c.SubscribeToEpochs(subCtx)
	subCancel()

	// Fill the buffer so the only ready case is the cancelled context.
	c.AdvanceToEpoch(20)

	drained := 0
	for range ch {
		drained++
	}
	require.LessOrEqual(t, drained, 10)
	require.Empty(t, c.subscribers)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.ErrorIs(t, s.Validate(), ErrInvalidSettings)

	s.TotalPeers = 4
	require.NoError(t, s.Validate())

	bad := *s
	bad.LearningRate = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidSettings)

	bad = *s
	bad.Aggregator = ""
	require.ErrorIs(t, bad.Validate(), ErrInvalidSettings)

	var nilSettings *Settings
	require.ErrorIs(t, nilSettings.Validate(), ErrInvalidSettings)
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("total_peers: 5\naggregator: median\nnon_iid: true\n"), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, 5, s.TotalPeers)
	require.Equal(t, "median", s.Aggregator)
	require.True(t, s.NonIID)
	require.Equal(t, DefaultLearningRate, s.LearningRate)
	require.Equal(t, DefaultMomentum, s.Momentum)
	require.Equal(t, DefaultModel, s.Model)
}
