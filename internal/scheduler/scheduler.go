// Package scheduler drives periodic engine checks over the configured subjects.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/noisegate/internal/clock"
	"github.com/rewired-gh/noisegate/internal/engine"
	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/models"
)

// Checker evaluates one subject.
type Checker interface {
	CheckInstrument(ctx context.Context, instrumentID int64) (models.Decision, error)
	CheckPortfolio(ctx context.Context, portfolioID uuid.UUID) (models.Decision, error)
}

// Pruner removes daily counters older than a date.
type Pruner interface {
	PruneDailyCounts(ctx context.Context, before string) (int64, error)
}

// Alerter tells operators about failing and recovered cycles.
type Alerter interface {
	SendError(ctx context.Context, cycleErr error) error
	SendRecovery(ctx context.Context, failureCount int) error
}

// Options configures cadence and concurrency.
type Options struct {
	FastEvery  time.Duration
	DayEvery   time.Duration
	Workers    int
	RetainDays int
	Location   *time.Location
	Pruner     Pruner
	Alerter    Alerter
	Clock      clock.Clock
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Checked   int
	Delivered int
	Skipped   int
	Failed    int
}

// Scheduler runs the fast and day loops.
type Scheduler struct {
	checker     Checker
	instruments []int64
	portfolios  []uuid.UUID
	opts        Options

	mu                  sync.Mutex
	consecutiveFailures int
}

// New creates a scheduler over the given subjects.
func New(checker Checker, instruments []int64, portfolios []uuid.UUID, opts Options) *Scheduler {
	if opts.FastEvery <= 0 {
		opts.FastEvery = time.Minute
	}
	if opts.DayEvery <= 0 {
		opts.DayEvery = 15 * time.Minute
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetainDays < 1 {
		opts.RetainDays = 7
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Scheduler{
		checker:     checker,
		instruments: instruments,
		portfolios:  portfolios,
		opts:        opts,
	}
}

// Run runs an initial cycle of each loop, then both loops on their tickers
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("Starting scheduler (fast: %v, day: %v, instruments: %d, portfolios: %d, workers: %d)",
		s.opts.FastEvery, s.opts.DayEvery, len(s.instruments), len(s.portfolios), s.opts.Workers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, "fast", s.opts.FastEvery, s.RunFast) })
	g.Go(func() error { return s.loop(ctx, "day", s.opts.DayEvery, s.RunDay) })
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, cycle func(context.Context) (CycleStats, error)) error {
	run := func() {
		stats, err := cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Debug("%s cycle: checked=%d delivered=%d skipped=%d failed=%d",
			name, stats.Checked, stats.Delivered, stats.Skipped, stats.Failed)
		s.handleCycleResult(ctx, err)
	}

	run()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler %s loop stopped", name)
			return nil
		case <-ticker.C:
			run()
		}
	}
}

func (s *Scheduler) handleCycleResult(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.consecutiveFailures++
		logger.Error("Check cycle failed: %v", err)
		if s.consecutiveFailures == 1 && s.opts.Alerter != nil {
			if sendErr := s.opts.Alerter.SendError(ctx, err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}

	if s.consecutiveFailures > 0 && s.opts.Alerter != nil {
		if sendErr := s.opts.Alerter.SendRecovery(ctx, s.consecutiveFailures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	s.consecutiveFailures = 0
}

// RunFast checks every instrument once.
func (s *Scheduler) RunFast(ctx context.Context) (CycleStats, error) {
	return s.fanOut(ctx, len(s.instruments), func(ctx context.Context, i int) (models.Decision, error) {
		return s.checker.CheckInstrument(ctx, s.instruments[i])
	})
}

// RunDay checks every portfolio once and prunes old daily counters.
func (s *Scheduler) RunDay(ctx context.Context) (CycleStats, error) {
	stats, err := s.fanOut(ctx, len(s.portfolios), func(ctx context.Context, i int) (models.Decision, error) {
		return s.checker.CheckPortfolio(ctx, s.portfolios[i])
	})

	if s.opts.Pruner != nil {
		cutoff := s.opts.Clock.Now().AddDate(0, 0, -s.opts.RetainDays)
		before := clock.Day(cutoff, s.opts.Location)
		if n, pruneErr := s.opts.Pruner.PruneDailyCounts(ctx, before); pruneErr != nil {
			logger.Warn("Failed to prune daily counters: %v", pruneErr)
		} else if n > 0 {
			logger.Debug("Pruned %d daily counters before %s", n, before)
		}
	}
	return stats, err
}

// fanOut runs check for indexes [0, n) on a bounded pool. Individual check
// failures do not stop the cycle.
func (s *Scheduler) fanOut(ctx context.Context, n int, check func(context.Context, int) (models.Decision, error)) (CycleStats, error) {
	var (
		checked, delivered, skipped, failed atomic.Int64
		firstErr                            error
		errOnce                             sync.Once
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := check(gctx, i)
			checked.Add(1)
			switch {
			case errors.Is(err, engine.ErrNoSignals):
				skipped.Add(1)
			case err != nil:
				failed.Add(1)
				errOnce.Do(func() { firstErr = err })
				logger.Warn("Check failed: %v", err)
			}
			if len(d.Emitted) > 0 {
				delivered.Add(int64(len(d.Emitted)))
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := CycleStats{
		Checked:   int(checked.Load()),
		Delivered: int(delivered.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d of %d checks failed: %w", stats.Failed, stats.Checked, firstErr)
	}
	return stats, nil
}
