// Package engine decides, per subject, whether a market snapshot produces a
// notification, is buffered for later, or is suppressed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/noisegate/internal/clock"
	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/models"
)

// ErrNoSignals is returned by CheckInstrument when neither window is available.
var ErrNoSignals = errors.New("no signals available")

// Engine is the alert decision engine. It is safe for concurrent use; checks
// of the same subject are serialized, checks of different subjects are not.
type Engine struct {
	cfg Config

	matrix ThresholdMatrix
	scaler DynamicScaler
	band   HysteresisBand
	gate   VolumeGate
	quiet  QuietHours

	cooldown *CooldownRegistry
	budget   *BudgetLimiter
	locks    *keyLocks

	store     StateStore
	notifier  Notifier
	market    MarketData
	portfolio Portfolio
	metrics   Metrics
	clock     clock.Clock
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMarketData sets the source used by CheckInstrument.
func WithMarketData(m MarketData) Option {
	return func(e *Engine) { e.market = m }
}

// WithPortfolio sets the source used by CheckPortfolio.
func WithPortfolio(p Portfolio) Option {
	return func(e *Engine) { e.portfolio = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New validates cfg and builds an engine.
func New(cfg Config, store StateStore, notifier Notifier, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}

	e := &Engine{
		cfg:      cfg,
		matrix:   NewThresholdMatrix(cfg.Thresholds),
		scaler:   DynamicScaler{cfg: cfg.DynamicScale},
		band:     HysteresisBand{ExitFactor: cfg.ExitFactor},
		gate:     VolumeGate{K: cfg.VolumeGateK},
		quiet:    QuietHours{Start: cfg.QuietStart, End: cfg.QuietEnd, Location: cfg.Location},
		cooldown: NewCooldownRegistry(cfg.Cooldown.Min),
		budget:   NewBudgetLimiter(cfg.DailyBudget, store),
		locks:    newKeyLocks(),
		store:    store,
		notifier: notifier,
		metrics:  nopMetrics{},
		clock:    clock.System{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// CheckInstrument pulls both windows for an instrument and evaluates them at
// the current time. A failed window fetch is treated as absent.
func (e *Engine) CheckInstrument(ctx context.Context, instrumentID int64) (models.Decision, error) {
	if e.market == nil {
		return models.Decision{}, errors.New("market data source is not configured")
	}

	snap := models.Snapshot{Subject: models.InstrumentSubject(instrumentID), At: e.clock.Now()}
	for _, fetch := range []struct {
		name string
		fn   func(context.Context, int64) (models.Signal, error)
	}{
		{"fast", e.market.FastWindow},
		{"day", e.market.DayWindow},
	} {
		sig, err := fetch.fn(ctx, instrumentID)
		if err != nil {
			logger.Debug("Instrument %d: %s window unavailable: %v", instrumentID, fetch.name, err)
			continue
		}
		snap.Signals = append(snap.Signals, sig)
	}
	if len(snap.Signals) == 0 {
		return models.Decision{}, ErrNoSignals
	}

	if e.cfg.DynamicScale.Enabled {
		atr := e.tryFloat(ctx, instrumentID, "ATR14", e.market.ATR14)
		sigma := e.tryFloat(ctx, instrumentID, "sigma30d", e.market.Sigma30D)
		for i := range snap.Signals {
			if snap.Signals[i].ATR == nil {
				snap.Signals[i].ATR = atr
			}
			if snap.Signals[i].Sigma == nil {
				snap.Signals[i].Sigma = sigma
			}
		}
	}

	return e.evaluate(ctx, snap)
}

func (e *Engine) tryFloat(ctx context.Context, id int64, name string, fn func(context.Context, int64) (*float64, error)) *float64 {
	v, err := fn(ctx, id)
	if err != nil {
		logger.Debug("Instrument %d: %s unavailable: %v", id, name, err)
		return nil
	}
	return v
}

// CheckPortfolio pulls portfolio metrics and evaluates the summary trigger.
func (e *Engine) CheckPortfolio(ctx context.Context, portfolioID uuid.UUID) (models.Decision, error) {
	if e.portfolio == nil {
		return models.Decision{}, errors.New("portfolio source is not configured")
	}

	dayChange, err := e.portfolio.DayChangePct(ctx, portfolioID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to fetch day change for portfolio %s: %w", portfolioID, err)
	}
	drawdown, err := e.portfolio.DrawdownPct(ctx, portfolioID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("failed to fetch drawdown for portfolio %s: %w", portfolioID, err)
	}

	return e.evaluate(ctx, models.Snapshot{
		Subject:   models.PortfolioSubject(portfolioID),
		At:        e.clock.Now(),
		Portfolio: &models.PortfolioMetrics{DayChangePct: dayChange, DrawdownPct: drawdown},
	})
}

// OnSnapshot evaluates an externally computed snapshot. A zero timestamp is
// replaced with the current time.
func (e *Engine) OnSnapshot(ctx context.Context, snap models.Snapshot) (models.Decision, error) {
	if snap.At.IsZero() {
		snap.At = e.clock.Now()
	}
	if err := snap.Validate(); err != nil {
		return models.Decision{}, err
	}
	return e.evaluate(ctx, snap)
}

// State returns the persisted FSM state of a subject, Idle if never seen.
func (e *Engine) State(ctx context.Context, subject models.Subject) (models.State, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	key := subject.Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	rec, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

func (e *Engine) load(ctx context.Context, key string) (models.SubjectRecord, error) {
	rec, ok, err := e.store.LoadSubject(ctx, key)
	if err != nil {
		return models.SubjectRecord{}, fmt.Errorf("failed to load state for %s: %w", key, err)
	}
	if !ok || rec.State == nil {
		fresh := models.NewSubjectRecord()
		if ok {
			fresh.CooldownUntil = rec.CooldownUntil
			fresh.SummaryDay = rec.SummaryDay
			fresh.Triggered = rec.Triggered
		}
		return fresh, nil
	}
	return rec, nil
}

// evaluate runs one check under the subject lock: load, decide, notify,
// count, persist.
func (e *Engine) evaluate(ctx context.Context, snap models.Snapshot) (models.Decision, error) {
	key := snap.Subject.Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	started := time.Now()
	defer func() { e.metrics.CheckObserved(snap.Subject.Kind, time.Since(started)) }()

	rec, err := e.load(ctx, key)
	if err != nil {
		return models.Decision{}, err
	}
	e.cooldown.Restore(key, rec.CooldownUntil)

	c := &check{
		e:       e,
		ctx:     ctx,
		subject: snap.Subject,
		key:     key,
		now:     snap.At,
		today:   clock.Day(snap.At, e.cfg.Location),
		rec:     rec,
		state:   rec.State,
	}
	if err := c.run(snap); err != nil {
		return models.Decision{}, err
	}

	decision := models.Decision{
		Subject:    snap.Subject,
		At:         snap.At,
		State:      c.state,
		Emitted:    c.emitted,
		Suppressed: c.suppressed,
	}

	c.rec.State = c.state
	c.rec.CooldownUntil = time.Time{}
	if until, ok := e.cooldown.Active(key, snap.At); ok {
		c.rec.CooldownUntil = until
	}
	c.rec.UpdatedAt = snap.At
	if err := e.store.SaveSubject(ctx, key, c.rec); err != nil {
		c.errs = append(c.errs, fmt.Errorf("failed to save state for %s: %w", key, err))
	}

	logger.Debug("Check %s: state=%s emitted=%d suppressed=%v",
		key, decision.State.Kind(), len(decision.Emitted), decision.Suppressed)

	return decision, errors.Join(c.errs...)
}
