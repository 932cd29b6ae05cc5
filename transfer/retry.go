package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"

	"github.com/ThomasWerthenbach/Repple/metrics"
	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	DefaultRetryBackoff     = time.Second
	DefaultRetryMaxAttempts = 20
)

// Sender is a single-attempt transfer, implemented by Protocol.
type Sender interface {
	Send(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) error
}

// RetryPolicy controls how failed sends are repeated.
type RetryPolicy struct {
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration `yaml:"backoff"`

	// MaxAttempts bounds the number of attempts. Zero retries until the
	// send succeeds or is cancelled.
	MaxAttempts int `yaml:"max_attempts"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:     DefaultRetryBackoff,
		MaxAttempts: DefaultRetryMaxAttempts,
	}
}

// Outcome is the final result of a logical send. Err is nil on success and
// wraps protocol.ErrTransferFailure otherwise.
type Outcome struct {
	Nonce    protocol.Nonce
	Target   protocol.PeerID
	Attempts int
	Err      error
}

func (o Outcome) Success() bool {
	return o.Err == nil
}

// PendingSend tracks one logical send across its attempts.
type PendingSend struct {
	Nonce  protocol.Nonce
	Target protocol.PeerID

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	attempts    int
	nextAttempt time.Time
	outcome     Outcome
}

// Done is closed once the send succeeded, failed for good or was cancelled.
func (s *PendingSend) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the final outcome. It is only meaningful after Done.
func (s *PendingSend) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *PendingSend) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// NextAttempt is the time the next retry is due, zero while an attempt is
// running or after the send finished.
func (s *PendingSend) NextAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAttempt
}

// Cancel stops further attempts.
func (s *PendingSend) Cancel() {
	s.cancel()
}

func (s *PendingSend) beginAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.nextAttempt = time.Time{}
	return s.attempts
}

func (s *PendingSend) scheduleRetry(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAttempt = at
}

func (s *PendingSend) finish(err error) {
	s.mu.Lock()
	s.nextAttempt = time.Time{}
	s.outcome = Outcome{Nonce: s.Nonce, Target: s.Target, Attempts: s.attempts, Err: err}
	s.mu.Unlock()
	close(s.done)
}

// RetrySender repeats failed transfers of the same logical send, reusing its
// nonce, info and payload, after a fixed backoff.
type RetrySender struct {
	transfer Sender
	policy   RetryPolicy
	log      *slog.Logger
	metrics  metrics.TransferMetrics

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[protocol.Nonce]*PendingSend
}

func NewRetrySender(transfer Sender, policy RetryPolicy, log *slog.Logger, m metrics.TransferMetrics) (*RetrySender, error) {
	if policy.Backoff <= 0 {
		return nil, fmt.Errorf("retry backoff must be positive, got %s", policy.Backoff)
	}
	if policy.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry max attempts must not be negative, got %d", policy.MaxAttempts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RetrySender{
		transfer: transfer,
		policy:   policy,
		log:      log,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[protocol.Nonce]*PendingSend),
	}, nil
}

// Send starts a logical send in the background. Cancelling ctx, calling
// Cancel on the returned PendingSend or closing the sender stops retries.
func (r *RetrySender) Send(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) *PendingSend {
	sendCtx, cancel := context.WithCancel(ctx)
	ps := &PendingSend{
		Nonce:  nonce,
		Target: target,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		cancel()
		ps.finish(fmt.Errorf("%w: %w", protocol.ErrTransferFailure, protocol.ErrClosed))
		return ps
	}
	r.pending[nonce] = ps
	r.wg.Add(1)
	r.mu.Unlock()

	stop := context.AfterFunc(r.ctx, cancel)

	go func() {
		defer r.wg.Done()
		defer stop()
		defer cancel()

		ps.finish(r.run(sendCtx, ps, info, payload))

		r.mu.Lock()
		delete(r.pending, nonce)
		r.mu.Unlock()
	}()

	return ps
}

// SendAndWait runs a logical send to completion.
func (r *RetrySender) SendAndWait(ctx context.Context, target protocol.PeerID, info, payload []byte, nonce protocol.Nonce) Outcome {
	ps := r.Send(ctx, target, info, payload, nonce)
	<-ps.Done()
	return ps.Outcome()
}

func (r *RetrySender) run(ctx context.Context, ps *PendingSend, info, payload []byte) error {
	backoff := retry.NewConstant(r.policy.Backoff)
	if r.policy.MaxAttempts > 0 {
		backoff = retry.WithMaxRetries(uint64(r.policy.MaxAttempts-1), backoff)
	}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt := ps.beginAttempt()
		if attempt > 1 {
			r.metrics.TransferRetried()
		}

		err := r.transfer.Send(ctx, ps.Target, info, payload, ps.Nonce)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, protocol.ErrTransferFailure) {
			return err
		}

		ps.scheduleRetry(time.Now().Add(r.policy.Backoff))
		r.log.Debug("transfer failed, retrying", "target", ps.Target, "nonce", ps.Nonce, "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})

	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrTransferFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", protocol.ErrTransferFailure, err)
}

// Cancel stops the logical send with the given nonce, if it is pending.
func (r *RetrySender) Cancel(nonce protocol.Nonce) {
	r.mu.Lock()
	ps, exists := r.pending[nonce]
	r.mu.Unlock()

	if exists {
		ps.Cancel()
	}
}

// Pending returns the number of unfinished logical sends.
func (r *RetrySender) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close cancels all pending sends and waits for them to finish.
func (r *RetrySender) Close() {
	r.mu.Lock()
	wasClosed := r.closed.Swap(true)
	r.mu.Unlock()
	if wasClosed {
		return
	}
	r.cancel()
	r.wg.Wait()
}
