package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
)

// flakySender fails the first `failures` attempts with err.
type flakySender struct {
	mu       sync.Mutex
	failures int
	err      error
	nonces   []protocol.Nonce
	payloads [][]byte
}

func (s *flakySender) Send(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces = append(s.nonces, nonce)
	s.payloads = append(s.payloads, payload)
	if s.failures < 0 || len(s.nonces) <= s.failures {
		return s.err
	}
	return nil
}

func (s *flakySender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

func setupTestRetrySender(t *testing.T, transfer Sender, policy RetryPolicy) *RetrySender {
	t.Helper()
	r, err := NewRetrySender(transfer, policy, slog.Default(), metrics.NewNoopCollector())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

var transferErr = fmt.Errorf("%w: no ack", protocol.ErrTransferFailure)

func TestRetryUntilSuccessReusesNonce(t *testing.T) {
	fake := &flakySender{failures: 2, err: transferErr}
	r := setupTestRetrySender(t, fake, RetryPolicy{Backoff: time.Millisecond, MaxAttempts: 20})

	nonce := protocol.NewNonce()
	outcome := r.SendAndWait(context.Background(), 2, []byte("info"), []byte("payload"), nonce)

	require.True(t, outcome.Success())
	require.Equal(t, 3, outcome.Attempts)
	require.Equal(t, nonce, outcome.Nonce)
	require.Equal(t, []protocol.Nonce{nonce, nonce, nonce}, fake.nonces)
	for _, p := range fake.payloads {
		require.Equal(t, []byte("payload"), p)
	}
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestRetryBoundedAttempts(t *testing.T) {
	fake := &flakySender{failures: -1, err: transferErr}
	r := setupTestRetrySender(t, fake, RetryPolicy{Backoff: time.Millisecond, MaxAttempts: 4})

	outcome := r.SendAndWait(context.Background(), 2, nil, nil, protocol.NewNonce())
	require.False(t, outcome.Success())
	require.ErrorIs(t, outcome.Err, protocol.ErrTransferFailure)
	require.Equal(t, 4, outcome.Attempts)
	require.Equal(t, 4, fake.calls())
}

func TestRetryOnlyTransferFailures(t *testing.T) {
	fake := &flakySender{failures: -1, err: errors.New("encoding failed")}
	r := setupTestRetrySender(t, fake, RetryPolicy{Backoff: time.Millisecond, MaxAttempts: 0})

	outcome := r.SendAndWait(context.Background(), 2, nil, nil, protocol.NewNonce())
	require.ErrorIs(t, outcome.Err, protocol.ErrTransferFailure)
	require.Equal(t, 1, outcome.Attempts)
}

func TestRetryUnboundedStopsOnCancel(t *testing.T) {
	fake := &flakySender{failures: -1, err: transferErr}
	r := setupTestRetrySender(t, fake, RetryPolicy{Backoff: 5 * time.Millisecond, MaxAttempts: 0})

	ctx, cancel := context.WithCancel(context.Background())
	ps := r.Send(ctx, 2, nil, nil, protocol.NewNonce())

	require.Eventually(t, func() bool { return fake.calls() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-ps.Done():
	case <-time.After(time.Second):
		t.Fatal("retries did not stop")
	}
	require.ErrorIs(t, ps.Outcome().Err, protocol.ErrTransferFailure)
	require.ErrorIs(t, ps.Outcome().Err, context.Canceled)
	require.True(t, ps.NextAttempt().IsZero())

	calls := fake.calls()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, fake.calls())
}

func TestRetryCancelByNonce(t *testing.T) {
	fake := &flakySender{failures: -1, err: transferErr}
	r := setupTestRetrySender(t, fake, RetryPolicy{Backoff: time.Hour, MaxAttempts: 0})

	nonce := protocol.NewNonce()
	ps := r.Send(context.Background(), 2, nil, nil, nonce)
	require.Eventually(t, func() bool { return !ps.NextAttempt().IsZero() }, time.Second, time.Millisecond)
	require.Equal(t, 1, r.Pending())

	r.Cancel(nonce)
	<-ps.Done()
	require.Equal(t, 1, ps.Outcome().Attempts)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestRetryCloseStopsAll(t *testing.T) {
	fake := &flakySender{failures: -1, err: transferErr}
	r, err := NewRetrySender(fake, RetryPolicy{Backoff: time.Hour}, slog.Default(), metrics.NewNoopCollector())
	require.NoError(t, err)

	sends := []*PendingSend{
		r.Send(context.Background(), 2, nil, nil, protocol.NewNonce()),
		r.Send(context.Background(), 3, nil, nil, protocol.NewNonce()),
	}

	r.Close()
	for _, ps := range sends {
		<-ps.Done()
		require.ErrorIs(t, ps.Outcome().Err, protocol.ErrTransferFailure)
	}
	require.Zero(t, r.Pending())

	late := r.Send(context.Background(), 2, nil, nil, protocol.NewNonce())
	<-late.Done()
	require.ErrorIs(t, late.Outcome().Err, protocol.ErrClosed)
	require.Zero(t, late.Outcome().Attempts)
}

func TestRetryPolicyValidation(t *testing.T) {
	_, err := NewRetrySender(&flakySender{}, RetryPolicy{}, slog.Default(), metrics.NewNoopCollector())
	require.Error(t, err)

	_, err = NewRetrySender(&flakySender{}, RetryPolicy{Backoff: time.Second, MaxAttempts: -1}, slog.Default(), metrics.NewNoopCollector())
	require.Error(t, err)

	require.Equal(t, 20, DefaultRetryPolicy().MaxAttempts)
}
