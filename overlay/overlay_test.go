package overlay

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

var _ protocol.Overlay = (*MemoryEndpoint)(nil)
var _ protocol.Overlay = (*HTTPOverlay)(nil)

func setupTestScheduler(t *testing.T) *TaskScheduler {
	t.Helper()
	s := NewTaskScheduler(slog.Default())
	t.Cleanup(s.Stop)
	return s
}

type collected struct {
	mu   sync.Mutex
	msgs []string
	from []protocol.PeerID
}

func (c *collected) handle(from protocol.PeerID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(data))
	c.from = append(c.from, from)
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestSchedulerRejectsDuplicateTask(t *testing.T) {
	s := setupTestScheduler(t)

	require.NoError(t, s.Schedule(time.Hour, "start_lifecycle_1", func() {}))
	require.ErrorIs(t, s.Schedule(time.Hour, "start_lifecycle_1", func() {}), ErrTaskExists)
	require.ErrorIs(t, s.SchedulePeriodic(time.Second, "start_lifecycle_1", func() {}), ErrTaskExists)
	require.NoError(t, s.Schedule(time.Hour, "start_lifecycle_2", func() {}))

	s.Cancel("start_lifecycle_1")
	require.False(t, s.Pending("start_lifecycle_1"))
	require.NoError(t, s.Schedule(time.Hour, "start_lifecycle_1", func() {}))
}

func TestSchedulerRunsOnceAndReleasesID(t *testing.T) {
	s := setupTestScheduler(t)

	var runs atomic.Int32
	var reschedule func()
	reschedule = func() {
		if runs.Add(1) < 3 {
			if err := s.Schedule(time.Millisecond, "advance_epoch_1", reschedule); err != nil {
				t.Error(err)
			}
		}
	}
	require.NoError(t, s.Schedule(time.Millisecond, "advance_epoch_1", reschedule))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	require.False(t, s.Pending("advance_epoch_1"))
}

func TestSchedulerCancelPreventsRun(t *testing.T) {
	s := setupTestScheduler(t)

	var ran atomic.Bool
	require.NoError(t, s.Schedule(20*time.Millisecond, "task", func() { ran.Store(true) }))
	s.Cancel("task")
	s.Cancel("unknown")

	time.Sleep(50 * time.Millisecond)
	require.False(t, ran.Load())
}

func TestSchedulerPeriodic(t *testing.T) {
	if testing.Short() {
		t.Skip("periodic tasks have one second resolution")
	}

	s := setupTestScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.SchedulePeriodic(time.Second, "report_progress", func() { runs.Add(1) }))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)

	s.Cancel("report_progress")
	n := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, n, runs.Load())
}

func TestMemoryNetworkDelivery(t *testing.T) {
	net := NewMemoryNetwork(MemoryNetworkConfig{}, setupTestScheduler(t), slog.Default())

	a, err := net.Join(1)
	require.NoError(t, err)
	b, err := net.Join(2)
	require.NoError(t, err)
	_, err = net.Join(2)
	require.Error(t, err)

	require.Equal(t, []protocol.PeerID{2}, a.Peers())

	got := &collected{}
	b.OnRawReceive(got.handle)

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, a.SendRaw(context.Background(), 2, []byte(m)))
	}

	require.Eventually(t, func() bool { return got.len() == 3 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"one", "two", "three"}, got.msgs)
	require.Equal(t, protocol.PeerID(1), got.from[0])

	require.ErrorIs(t, a.SendRaw(context.Background(), 9, []byte("x")), ErrPeerUnreachable)
	require.ErrorIs(t, a.SendRaw(context.Background(), 2, make([]byte, a.MaxDatagramSize()+1)), ErrDatagramTooLarge)

	net.Leave(2)
	require.ErrorIs(t, a.SendRaw(context.Background(), 2, []byte("x")), ErrPeerUnreachable)
}

func TestMemoryNetworkLoss(t *testing.T) {
	net := NewMemoryNetwork(MemoryNetworkConfig{Loss: 0.5, Seed: 1}, setupTestScheduler(t), slog.Default())
	a, _ := net.Join(1)
	b, _ := net.Join(2)

	got := &collected{}
	b.OnRawReceive(got.handle)

	for i := 0; i < 200; i++ {
		require.NoError(t, a.SendRaw(context.Background(), 2, []byte{byte(i)}))
	}

	time.Sleep(50 * time.Millisecond)
	n := got.len()
	require.Greater(t, n, 50)
	require.Less(t, n, 150)
}

func TestMemoryNetworkDropFilter(t *testing.T) {
	net := NewMemoryNetwork(MemoryNetworkConfig{}, setupTestScheduler(t), slog.Default())
	a, _ := net.Join(1)
	b, _ := net.Join(2)

	got := &collected{}
	b.OnRawReceive(got.handle)

	net.SetDropFilter(func(from, to protocol.PeerID, data []byte) bool { return string(data) == "drop" })
	require.NoError(t, a.SendRaw(context.Background(), 2, []byte("drop")))
	require.NoError(t, a.SendRaw(context.Background(), 2, []byte("keep")))

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"keep"}, got.msgs)
}

func TestHTTPOverlay(t *testing.T) {
	scheduler := setupTestScheduler(t)

	receiver := NewHTTPOverlay(HTTPOverlayConfig{
		Self:  2,
		Peers: map[protocol.PeerID]string{1: "http://unused"},
	}, scheduler, slog.Default())

	router := chi.NewRouter()
	receiver.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	sender := NewHTTPOverlay(HTTPOverlayConfig{
		Self:  1,
		Peers: map[protocol.PeerID]string{2: srv.URL},
	}, scheduler, slog.Default())

	got := &collected{}
	receiver.OnRawReceive(got.handle)

	require.Equal(t, []protocol.PeerID{2}, sender.Peers())
	require.NoError(t, sender.SendRaw(context.Background(), 2, []byte("hello")))
	require.Equal(t, []string{"hello"}, got.msgs)
	require.Equal(t, []protocol.PeerID{1}, got.from)

	require.ErrorIs(t, sender.SendRaw(context.Background(), 3, []byte("x")), ErrPeerUnreachable)

	// Peers outside the static table are refused.
	stranger := NewHTTPOverlay(HTTPOverlayConfig{
		Self:  7,
		Peers: map[protocol.PeerID]string{2: srv.URL},
	}, scheduler, slog.Default())
	require.Error(t, stranger.SendRaw(context.Background(), 2, []byte("x")))
	require.Equal(t, 1, got.len())
}
