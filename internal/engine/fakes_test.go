package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/noisegate/internal/clock"
	"github.com/rewired-gh/noisegate/internal/models"
)

var (
	errStoreDown    = errors.New("store down")
	errNotifierDown = errors.New("notifier down")
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]models.SubjectRecord
	counts   map[string]int
	failSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]models.SubjectRecord), counts: make(map[string]int)}
}

func (s *fakeStore) LoadSubject(_ context.Context, subject string) (models.SubjectRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subject]
	return rec, ok, nil
}

func (s *fakeStore) SaveSubject(_ context.Context, subject string, rec models.SubjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errStoreDown
	}
	s.records[subject] = rec
	return nil
}

func (s *fakeStore) DailyCount(_ context.Context, subject, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[subject+"|"+day], nil
}

func (s *fakeStore) IncrementDailyCount(_ context.Context, subject, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[subject+"|"+day]++
	return s.counts[subject+"|"+day], nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	events    []models.AlertEvent
	portfolio []models.PortfolioAlertEvent
	err       error
}

func (n *fakeNotifier) Push(_ context.Context, _ int64, ev models.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) PushPortfolio(_ context.Context, _ uuid.UUID, ev models.PortfolioAlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.portfolio = append(n.portfolio, ev)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events) + len(n.portfolio)
}

type fakeMetrics struct {
	mu         sync.Mutex
	delivered  map[string]int
	suppressed map[string]int
	rejects    int
	checks     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{delivered: make(map[string]int), suppressed: make(map[string]int)}
}

func (m *fakeMetrics) Delivered(reason string) {
	m.mu.Lock()
	m.delivered[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) Suppressed(reason string) {
	m.mu.Lock()
	m.suppressed[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) BudgetRejected() {
	m.mu.Lock()
	m.rejects++
	m.mu.Unlock()
}

func (m *fakeMetrics) CheckObserved(models.SubjectKind, time.Duration) {
	m.mu.Lock()
	m.checks++
	m.mu.Unlock()
}

type fakeMarket struct {
	fast, day  *models.Signal
	atr, sigma *float64
}

func (f *fakeMarket) FastWindow(context.Context, int64) (models.Signal, error) {
	if f.fast == nil {
		return models.Signal{}, errors.New("no fast window")
	}
	return *f.fast, nil
}

func (f *fakeMarket) DayWindow(context.Context, int64) (models.Signal, error) {
	if f.day == nil {
		return models.Signal{}, errors.New("no day window")
	}
	return *f.day, nil
}

func (f *fakeMarket) ATR14(context.Context, int64) (*float64, error)    { return f.atr, nil }
func (f *fakeMarket) Sigma30D(context.Context, int64) (*float64, error) { return f.sigma, nil }

type fakePortfolio struct {
	dayChange, drawdown *float64
}

func (f *fakePortfolio) DayChangePct(context.Context, uuid.UUID) (*float64, error) {
	return f.dayChange, nil
}

func (f *fakePortfolio) DrawdownPct(context.Context, uuid.UUID) (*float64, error) {
	return f.drawdown, nil
}

type harness struct {
	engine   *Engine
	store    *fakeStore
	notifier *fakeNotifier
	metrics  *fakeMetrics
	clock    *clock.Manual
}

// t0 is a Monday 10:00 UTC, well outside the default quiet window.
var t0 = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Thresholds = map[string]Thresholds{
		"TEST":  {Fast: 2.0, Daily: 2.0},
		"SPIKY": {Fast: 2.0, Daily: 4.0, VolumeMultiplier: 1.8},
	}
	return cfg
}

func newHarness(t testing.TB, mutate func(*Config), opts ...Option) *harness {
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
		metrics:  newFakeMetrics(),
		clock:    clock.NewManual(t0),
	}
	opts = append([]Option{WithMetrics(h.metrics), WithClock(h.clock)}, opts...)
	e, err := New(cfg, h.store, h.notifier, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = e
	return h
}

func f64(v float64) *float64 { return &v }

func signal(window models.Window, move float64) models.Signal {
	return models.Signal{ClassID: "TEST", Ticker: "SBER", Window: window, PctMove: move}
}

func instrumentSnap(at time.Time, signals ...models.Signal) models.Snapshot {
	return models.Snapshot{Subject: models.InstrumentSubject(1), At: at, Signals: signals}
}
