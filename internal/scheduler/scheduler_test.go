package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/noisegate/internal/clock"
	"github.com/rewired-gh/noisegate/internal/engine"
	"github.com/rewired-gh/noisegate/internal/models"
)

type fakeChecker struct {
	instruments atomic.Int64
	portfolios  atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	fail        map[int64]error
	emit        map[int64]int
}

func (f *fakeChecker) enter() func() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeChecker) CheckInstrument(ctx context.Context, id int64) (models.Decision, error) {
	defer f.enter()()
	f.instruments.Add(1)
	if err := f.fail[id]; err != nil {
		return models.Decision{}, err
	}
	d := models.Decision{Subject: models.InstrumentSubject(id)}
	for i := 0; i < f.emit[id]; i++ {
		d.Emitted = append(d.Emitted, models.EmittedAlert{})
	}
	return d, nil
}

func (f *fakeChecker) CheckPortfolio(ctx context.Context, id uuid.UUID) (models.Decision, error) {
	defer f.enter()()
	f.portfolios.Add(1)
	return models.Decision{Subject: models.PortfolioSubject(id)}, nil
}

type fakePruner struct {
	mu     sync.Mutex
	before []string
}

func (p *fakePruner) PruneDailyCounts(ctx context.Context, before string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = append(p.before, before)
	return 3, nil
}

type fakeAlerter struct {
	errors     int
	recoveries []int
}

func (a *fakeAlerter) SendError(ctx context.Context, err error) error {
	a.errors++
	return nil
}

func (a *fakeAlerter) SendRecovery(ctx context.Context, n int) error {
	a.recoveries = append(a.recoveries, n)
	return nil
}

func TestRunFastStats(t *testing.T) {
	checker := &fakeChecker{
		fail: map[int64]error{
			2: engine.ErrNoSignals,
			3: errors.New("feed down"),
		},
		emit: map[int64]int{1: 2},
	}
	s := New(checker, []int64{1, 2, 3, 4}, nil, Options{Workers: 2})

	stats, err := s.RunFast(context.Background())
	if err == nil {
		t.Fatal("expected cycle error")
	}
	want := CycleStats{Checked: 4, Delivered: 2, Skipped: 1, Failed: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if got := checker.instruments.Load(); got != 4 {
		t.Errorf("instrument checks = %d, want 4", got)
	}
}

func TestRunFastNoSignalsIsNotFailure(t *testing.T) {
	checker := &fakeChecker{fail: map[int64]error{1: engine.ErrNoSignals}}
	s := New(checker, []int64{1}, nil, Options{})

	if _, err := s.RunFast(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFanOutRespectsWorkerLimit(t *testing.T) {
	checker := &fakeChecker{}
	ids := make([]int64, 20)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	s := New(checker, ids, nil, Options{Workers: 3})

	if _, err := s.RunFast(context.Background()); err != nil {
		t.Fatalf("RunFast: %v", err)
	}
	if got := checker.maxInFlight.Load(); got > 3 {
		t.Errorf("max in flight = %d, want <= 3", got)
	}
	if got := checker.instruments.Load(); got != 20 {
		t.Errorf("instrument checks = %d, want 20", got)
	}
}

func TestRunDayChecksPortfoliosAndPrunes(t *testing.T) {
	checker := &fakeChecker{}
	pruner := &fakePruner{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := New(checker, []int64{1}, []uuid.UUID{uuid.New(), uuid.New()}, Options{
		RetainDays: 7,
		Pruner:     pruner,
		Clock:      clock.NewManual(now),
	})

	stats, err := s.RunDay(context.Background())
	if err != nil {
		t.Fatalf("RunDay: %v", err)
	}
	if stats.Checked != 2 {
		t.Errorf("checked = %d, want 2", stats.Checked)
	}
	if got := checker.instruments.Load(); got != 0 {
		t.Errorf("day cycle checked %d instruments", got)
	}
	if len(pruner.before) != 1 || pruner.before[0] != "2025-03-03" {
		t.Errorf("prune cutoff = %v, want [2025-03-03]", pruner.before)
	}
}

func TestHandleCycleResult(t *testing.T) {
	alerter := &fakeAlerter{}
	s := New(&fakeChecker{}, nil, nil, Options{Alerter: alerter})
	ctx := context.Background()

	s.handleCycleResult(ctx, errors.New("boom"))
	s.handleCycleResult(ctx, errors.New("boom"))
	if alerter.errors != 1 {
		t.Errorf("error notifications = %d, want 1", alerter.errors)
	}

	s.handleCycleResult(ctx, nil)
	s.handleCycleResult(ctx, nil)
	if len(alerter.recoveries) != 1 || alerter.recoveries[0] != 2 {
		t.Errorf("recoveries = %v, want [2]", alerter.recoveries)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	checker := &fakeChecker{}
	s := New(checker, []int64{1}, []uuid.UUID{uuid.New()}, Options{
		FastEvery: time.Hour,
		DayEvery:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for checker.instruments.Load() == 0 || checker.portfolios.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial cycles did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
