package testutil

import (
	"context"
	"sync"
	"time"

	"dwarf-go/internal/dwarf"
)

// ManualScheduler records started tasks and runs them only when asked.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks map[string]*ManualTask
}

// ManualTask is a task registered with a ManualScheduler.
type ManualTask struct {
	Interval    time.Duration
	MaxAttempts int
	Action      dwarf.Action
	Stopped     bool
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[string]*ManualTask)}
}

var _ dwarf.Scheduler = (*ManualScheduler)(nil)

func (s *ManualScheduler) Start(id string, interval time.Duration, maxAttempts int, action dwarf.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = &ManualTask{Interval: interval, MaxAttempts: maxAttempts, Action: action}
}

func (s *ManualScheduler) Stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Stopped = true
	}
}

func (s *ManualScheduler) StopAll(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.Stopped = true
	}
}

// Task returns the task registered under id.
func (s *ManualScheduler) Task(id string) (*ManualTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// RunOnce runs one attempt of the task registered under id.
func (s *ManualScheduler) RunOnce(ctx context.Context, id string) (bool, error) {
	t, ok := s.Task(id)
	if !ok || t.Stopped {
		return false, nil
	}
	done, err := t.Action(ctx)
	if done {
		s.Stop(id)
	}
	return done, err
}

// RecordingRegistry remembers which servers are registered for metadata.
type RecordingRegistry struct {
	mu      sync.Mutex
	servers map[string]string // id -> ip
	Fail    error
}

func NewRecordingRegistry() *RecordingRegistry {
	return &RecordingRegistry{servers: make(map[string]string)}
}

var _ dwarf.MetadataRegistry = (*RecordingRegistry)(nil)

func (r *RecordingRegistry) AddServer(_ context.Context, server dwarf.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.servers[server.ID] = server.IP
	return nil
}

func (r *RecordingRegistry) DeleteServer(_ context.Context, server dwarf.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, server.ID)
	return nil
}

// IP returns the registered address of server id.
func (r *RecordingRegistry) IP(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.servers[id]
	return ip, ok
}

// RecordingNotifier keeps every published event.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []dwarf.Event
}

var _ dwarf.Notifier = (*RecordingNotifier)(nil)

func (n *RecordingNotifier) Notify(_ context.Context, ev dwarf.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

// Types returns the event types in publish order.
func (n *RecordingNotifier) Types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}
