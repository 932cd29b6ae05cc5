// Package overlay implements the peer-to-peer substrate consumed by the
// protocol core: an in-memory simulated network for single-process runs, an
// HTTP datagram overlay for multi-process deployments, and the task scheduler
// both share.
package overlay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrTaskExists is returned when a task id is registered twice.
	ErrTaskExists = errors.New("task already exists")

	// ErrPeerUnreachable is returned when a datagram cannot be handed to the
	// target peer at all.
	ErrPeerUnreachable = errors.New("peer unreachable")

	ErrDatagramTooLarge = errors.New("datagram too large")
)

type task struct {
	timer *time.Timer
	entry cron.EntryID
}

// TaskScheduler runs one-shot and periodic tasks keyed by a unique id. A
// single scheduler is usually shared by every peer in a process, so ids must
// be peer-unique.
type TaskScheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
	cron  *cron.Cron
	log   *slog.Logger
}

func NewTaskScheduler(log *slog.Logger) *TaskScheduler {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Start()

	return &TaskScheduler{
		tasks: make(map[string]*task),
		cron:  c,
		log:   log,
	}
}

// Schedule runs fn once after delay. The id is released right before fn runs,
// so fn may reschedule itself under the same id.
func (s *TaskScheduler) Schedule(delay time.Duration, taskID string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}

	t := &task{}
	t.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.tasks[taskID] != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, taskID)
		s.mu.Unlock()

		fn()
	})
	s.tasks[taskID] = t

	return nil
}

// SchedulePeriodic runs fn every interval until the task is cancelled. Runs
// that would overlap a still running invocation are skipped. The cron
// resolution is one second.
func (s *TaskScheduler) SchedulePeriodic(interval time.Duration, taskID string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}

	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), fn)
	if err != nil {
		return fmt.Errorf("invalid interval %s for task %s: %w", interval, taskID, err)
	}
	s.tasks[taskID] = &task{entry: entry}

	return nil
}

// Cancel removes a pending task. Unknown ids are ignored.
func (s *TaskScheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(taskID)
}

func (s *TaskScheduler) cancelLocked(taskID string) {
	t, exists := s.tasks[taskID]
	if !exists {
		return
	}
	delete(s.tasks, taskID)

	if t.timer != nil {
		t.timer.Stop()
	} else {
		s.cron.Remove(t.entry)
	}
}

// Pending reports whether a task with the id is registered.
func (s *TaskScheduler) Pending(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.tasks[taskID]
	return exists
}

// Stop cancels all tasks and waits for running periodic jobs to finish.
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	for id := range s.tasks {
		s.cancelLocked(id)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Debug("task scheduler stopped")
}
