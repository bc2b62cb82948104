package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler fires a job once after a first delay and then every interval.
// Reschedule replaces the period and restarts the countdown.
type Scheduler struct {
	job        func(ctx context.Context)
	firstDelay time.Duration
	reset      chan time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	nextRun  time.Time
}

// NewScheduler builds a scheduler; call Run to start it.
func NewScheduler(firstDelay, interval time.Duration, job func(ctx context.Context), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		job:        job,
		firstDelay: firstDelay,
		interval:   interval,
		reset:      make(chan time.Duration, 1),
		logger:     logger,
	}
}

// Run blocks until ctx is done. Jobs run on the calling goroutine, so a slow
// job delays the next tick instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.firstDelay)
	defer timer.Stop()
	s.setNext(s.firstDelay)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.reset:
			s.mu.Lock()
			s.interval = d
			s.mu.Unlock()
			timer.Reset(d)
			s.setNext(d)
			s.logger.Info("cycle timer rescheduled", slog.Duration("interval", d))
		case <-timer.C:
			s.job(ctx)
			d := s.Interval()
			timer.Reset(d)
			s.setNext(d)
		}
	}
}

// Reschedule cancels the pending tick and re-arms the timer with interval.
// Non-positive intervals are ignored.
func (s *Scheduler) Reschedule(interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case s.reset <- interval:
			return
		default:
			select {
			case <-s.reset:
			default:
			}
		}
	}
}

// Interval is the current period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// NextRun is when the timer fires next; zero before Run starts.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) setNext(d time.Duration) {
	s.mu.Lock()
	s.nextRun = time.Now().Add(d)
	s.mu.Unlock()
}
