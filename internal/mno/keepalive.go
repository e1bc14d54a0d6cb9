package mno

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type keepAliveTask struct {
	interval time.Duration
	next     time.Time
	fn       func()
	running  atomic.Bool
}

// KeepAliveScheduler runs periodic keep-alive callbacks for every bound
// worker from one ticker goroutine.
type KeepAliveScheduler struct {
	tick time.Duration

	mu     sync.Mutex
	tasks  map[uint64]*keepAliveTask
	nextID uint64

	now func() time.Time
}

func NewKeepAliveScheduler(tick time.Duration) *KeepAliveScheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &KeepAliveScheduler{
		tick:  tick,
		tasks: make(map[uint64]*keepAliveTask),
		now:   time.Now,
	}
}

// Schedule registers fn to run every interval, first after one interval has
// passed. The returned func removes it. A run that is still in progress when
// the task is due again is skipped.
func (s *KeepAliveScheduler) Schedule(interval time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.tasks[id] = &keepAliveTask{interval: interval, next: s.now().Add(interval), fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
		})
	}
}

// Len returns the number of scheduled tasks.
func (s *KeepAliveScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run fires due tasks until ctx ends.
func (s *KeepAliveScheduler) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Keep-alive scheduler started", slog.Duration("tick", s.tick))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Keep-alive scheduler stopped")
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

func (s *KeepAliveScheduler) fireDue() {
	now := s.now()

	s.mu.Lock()
	var due []*keepAliveTask
	for _, t := range s.tasks {
		if now.Before(t.next) {
			continue
		}
		t.next = now.Add(t.interval)
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		if !t.running.CompareAndSwap(false, true) {
			continue
		}
		go func(t *keepAliveTask) {
			defer t.running.Store(false)
			t.fn()
		}(t)
	}
}
