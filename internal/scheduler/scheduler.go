// Package scheduler runs keyed one-shot tasks and periodic tasks.
//
// One-shot tasks are keyed: scheduling a key that is already pending replaces
// the earlier task, and Cancel removes it. A task that has already started
// running cannot be recalled, so callbacks must re-check the state they
// guard before acting.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type task struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	gen     uint64
	wg      sync.WaitGroup
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[string]*task)}
}

// Schedule runs fn after delay under key, replacing any pending task with
// the same key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		log.Warn().Str("task", key).Msg("scheduler stopped, task dropped")
		return
	}

	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}
	if delay < 0 {
		delay = 0
	}

	s.gen++
	t := &task{gen: s.gen}
	t.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.tasks[key]
		if !ok || cur.gen != t.gen {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		fn()
	})
	s.tasks[key] = t
}

// Cancel removes a pending task. It reports false when nothing was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether key has a task that has not started yet.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Every calls fn on every tick of interval until ctx is done. When
// immediate is set fn also runs once right away. The returned channel is
// closed once the loop has exited.
func Every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		if immediate {
			fn(ctx)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return done
}

// Stop cancels every pending task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
