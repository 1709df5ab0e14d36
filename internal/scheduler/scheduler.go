// Package scheduler runs named background polling tasks.
//
// A task sleeps for its interval, invokes its action, and repeats until the
// action reports done, the attempt budget is spent, or the task is stopped.
// Stopping cancels the task's context and waits for the task to return.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dwarf-go/internal/dwarf"
)

var tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "dwarf",
	Name:      "scheduler_tasks_running",
	Help:      "Background tasks currently registered with the scheduler.",
})

type task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler implements dwarf.Scheduler with one goroutine per task.
type Scheduler struct {
	clock  dwarf.Clock
	logger dwarf.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates an empty Scheduler. A nil clock uses the system clock.
func New(clock dwarf.Clock, logger dwarf.Logger) *Scheduler {
	if clock == nil {
		clock = dwarf.RealClock{}
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.With("component", "scheduler"),
		tasks:  make(map[string]*task),
	}
}

var _ dwarf.Scheduler = (*Scheduler)(nil)

// Start registers a task under id and returns immediately. A task already
// registered under id is stopped first.
func (s *Scheduler) Start(id string, interval time.Duration, maxAttempts int, action dwarf.Action) {
	s.logger.Info("start task", "id", id, "interval", interval, "attempts", maxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{id: id, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.tasks[id]; ok {
		s.logger.Warn("replacing running task", "id", id)
		prev.cancel()
	}
	s.tasks[id] = t
	s.mu.Unlock()
	tasksRunning.Inc()

	go s.run(ctx, t, interval, maxAttempts, action)
}

func (s *Scheduler) run(ctx context.Context, t *task, interval time.Duration, maxAttempts int, action dwarf.Action) {
	defer func() {
		t.cancel()
		s.mu.Lock()
		if s.tasks[t.id] == t {
			delete(s.tasks, t.id)
		}
		s.mu.Unlock()
		tasksRunning.Dec()
		close(t.done)
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.logger.Info("task stopped", "id", t.id, "attempt", attempt)
			return
		case <-s.clock.After(interval):
		}
		if ctx.Err() != nil {
			s.logger.Info("task stopped", "id", t.id, "attempt", attempt)
			return
		}

		done, err := action(ctx)
		if err != nil {
			s.logger.Warn("task attempt failed", "id", t.id, "attempt", attempt, "error", err)
		}
		if done {
			s.logger.Info("task finished", "id", t.id, "attempt", attempt)
			return
		}
	}
	s.logger.Warn("task gave up", "id", t.id, "attempts", maxAttempts)
}

// Stop cancels the task registered under id and blocks until its goroutine
// has returned, so an action in flight cannot outlast the call. Unknown ids
// are ignored. Stop must not be called from inside the task's own action.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("stop task", "id", id)
	t.cancel()
	<-t.done
}

// StopAll cancels every task. With wait set it blocks until all of them have
// returned.
func (s *Scheduler) StopAll(wait bool) {
	s.mu.Lock()
	pending := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.cancel()
		pending = append(pending, t)
	}
	s.mu.Unlock()

	s.logger.Info("stop all tasks", "count", len(pending), "wait", wait)
	if !wait {
		return
	}
	for _, t := range pending {
		<-t.done
	}
}

// Running reports whether a task is registered under id.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
