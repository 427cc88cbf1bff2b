// Package scheduler runs recurring maintenance tasks and prioritized
// shutdown tasks for the channel server.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/clock"
)

// Priority orders shutdown tasks. Higher tiers run first, and tasks at
// High or above always run to completion regardless of the shutdown
// deadline.
type Priority int

const (
	Minor Priority = iota
	Low
	Normal
	High
	Essential
)

// String returns the lowercase name of the priority tier.
func (p Priority) String() string {
	switch p {
	case Minor:
		return "minor"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Essential:
		return "essential"
	default:
		return "unknown"
	}
}

type shutdownTask struct {
	name     string
	run      func()
	priority Priority
	seq      int
}

// Scheduler owns the recurring task goroutines and the shutdown task list.
type Scheduler struct {
	clock clock.Clock

	mu        sync.Mutex
	shutdown  []shutdownTask
	stopped   bool
	stop      chan struct{}
	wg        sync.WaitGroup
	recurring int
}

// New creates a scheduler driven by the given clock.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{
		clock: c,
		stop:  make(chan struct{}),
	}
}

// ScheduleRecurring runs task every period after an initial delay. Tasks
// never overlap with themselves; a slow run delays the next tick.
func (s *Scheduler) ScheduleRecurring(name string, task func(), initialDelay, period time.Duration) {
	if period <= 0 {
		panic("scheduler: non-positive period for " + name)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.recurring++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if initialDelay > 0 {
			first := s.clock.NewTicker(initialDelay)
			select {
			case <-first.C:
				first.Stop()
			case <-s.stop:
				first.Stop()
				return
			}
			s.runSafely(name, task)
		}
		ticker := s.clock.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runSafely(name, task)
			case <-s.stop:
				return
			}
		}
	}()
	log.Debug().Str("module", "scheduler").Str("task", name).Dur("period", period).Msg("recurring task scheduled")
}

// AddShutdownTask registers a task to run when Shutdown is called.
func (s *Scheduler) AddShutdownTask(name string, task func(), priority Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = append(s.shutdown, shutdownTask{
		name:     name,
		run:      task,
		priority: priority,
		seq:      len(s.shutdown),
	})
}

// Recurring returns the number of recurring tasks started.
func (s *Scheduler) Recurring() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recurring
}

// Shutdown stops all recurring tasks and waits for running ones until ctx
// is done, then runs the shutdown tasks from the highest priority tier
// down. High and Essential tasks run even when a recurring task is still
// stuck or the deadline has passed. Tasks below High are abandoned once ctx
// is done; the returned error is ctx.Err() in that case.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stop)
	tasks := make([]shutdownTask, len(s.shutdown))
	copy(tasks, s.shutdown)
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		log.Warn().Str("module", "scheduler").Msg("recurring tasks still running at shutdown deadline")
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].priority != tasks[j].priority {
			return tasks[i].priority > tasks[j].priority
		}
		return tasks[i].seq < tasks[j].seq
	})

	for _, t := range tasks {
		if t.priority >= High {
			s.runSafely(t.name, t.run)
			continue
		}
		if err := ctx.Err(); err != nil {
			log.Warn().Str("module", "scheduler").Str("task", t.name).
				Str("priority", t.priority.String()).Msg("shutdown deadline reached, abandoning remaining tasks")
			return err
		}
		done := make(chan struct{})
		go func(t shutdownTask) {
			defer close(done)
			s.runSafely(t.name, t.run)
		}(t)
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn().Str("module", "scheduler").Str("task", t.name).
				Str("priority", t.priority.String()).Msg("shutdown deadline reached, abandoning remaining tasks")
			return ctx.Err()
		}
	}
	log.Info().Str("module", "scheduler").Int("tasks", len(tasks)).Msg("shutdown tasks complete")
	return ctx.Err()
}

// runSafely runs a task, logging rather than propagating a panic so that
// later tasks still get their turn.
func (s *Scheduler) runSafely(name string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "scheduler").Str("task", name).Interface("panic", r).Msg("task panicked")
		}
	}()
	task()
}
