package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"factline/internal/domain"
)

// Scheduler drives scheduled cycles on a fixed interval. Time is injected
// so the countdown and trigger logic stay deterministic in tests.
type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
	Log      *log.Logger
	Now      func() time.Time
	Notifier *Notifier

	mu        sync.Mutex
	lastRunAt time.Time
}

func NewScheduler(eng *Engine) *Scheduler {
	return &Scheduler{
		Engine:   eng,
		Interval: eng.Config.Interval(),
		Log:      eng.Log,
		Now:      eng.Now,
		Notifier: NewNotifier(eng.Config.Webhooks, eng.Log),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}

// Seed restores last-run state from the persisted run log, so a restarted
// daemon keeps its cadence instead of firing immediately.
func (s *Scheduler) Seed(ctx context.Context) error {
	last, err := s.Engine.Repo.LastSyncTime(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		s.mu.Lock()
		s.lastRunAt = *last
		s.mu.Unlock()
	}
	return nil
}

// LastRunAt returns the completion time of the most recent cycle, nil
// before any cycle has run.
func (s *Scheduler) LastRunAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRunAt.IsZero() {
		return nil
	}
	t := s.lastRunAt
	return &t
}

// SecondsUntilNext counts down to the next scheduled cycle: zero when due
// or never run, never negative.
func (s *Scheduler) SecondsUntilNext() int64 {
	s.mu.Lock()
	last := s.lastRunAt
	s.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	remaining := s.Interval - s.now().Sub(last)
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining / time.Second)
}

// Due reports whether a scheduled cycle should fire now.
func (s *Scheduler) Due() bool {
	s.mu.Lock()
	last := s.lastRunAt
	s.mu.Unlock()
	if last.IsZero() {
		return true
	}
	return s.now().Sub(last) >= s.Interval
}

// RunNow triggers a cycle immediately, bypassing the interval check.
// Manual and initial cycles update the last-run time on completion the
// same way scheduled ones do.
func (s *Scheduler) RunNow(ctx context.Context, opts CycleOptions) (CycleResult, error) {
	res, err := s.Engine.RunCycle(ctx, opts)
	if err != nil {
		return res, err
	}
	s.markRun()
	s.Notifier.Notify(ctx, res)
	return res, nil
}

func (s *Scheduler) markRun() {
	s.mu.Lock()
	s.lastRunAt = s.now()
	s.mu.Unlock()
}

// Run loops until the context is canceled, firing a scheduled cycle
// whenever one is due and pruning run history after each cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	s.logf("daemon started, interval %s", s.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logf("daemon stopped")
			return nil
		case <-ticker.C:
			if !s.Due() {
				continue
			}
			if _, err := s.RunNow(ctx, CycleOptions{SyncType: domain.SyncScheduled}); err != nil {
				// keep cadence even on a setup error so a broken
				// config does not turn into a tight retry loop
				s.markRun()
				s.logf("cycle: %v", err)
			}
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	keep := s.Engine.Config.Sync.KeepRuns
	if keep <= 0 {
		return
	}
	removed, err := s.Engine.Repo.PruneSyncRuns(ctx, keep)
	if err != nil {
		s.logf("prune runs: %v", err)
		return
	}
	if removed > 0 {
		s.logf("pruned %d old runs", removed)
	}
}
