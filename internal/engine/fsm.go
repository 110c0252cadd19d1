package engine

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/models"
)

// check is the scratch state of one evaluation.
type check struct {
	e       *Engine
	ctx     context.Context
	subject models.Subject
	key     string
	now     time.Time
	today   string

	rec   models.SubjectRecord
	state models.State

	emitted    []models.EmittedAlert
	suppressed []string
	errs       []error
}

// itemCheck is one signal that passed class resolution and the volume gate.
type itemCheck struct {
	signal    models.Signal
	threshold float64
	score     float64
}

func (ic itemCheck) clears() bool {
	return ic.score >= 0
}

func (c *check) run(snap models.Snapshot) error {
	if st, ok := c.state.(models.Cooldown); ok && !c.now.Before(st.Until) {
		c.state = models.Idle{}
	}

	if _, ok := c.state.(models.BudgetExhausted); ok {
		exhausted, err := c.e.budget.Exhausted(c.ctx, c.key, c.today)
		if err != nil {
			return err
		}
		if !exhausted {
			c.state = models.Idle{}
		}
	}

	quietNow := c.e.quiet.IsQuiet(c.now)
	if q, ok := c.state.(models.Quiet); ok && !quietNow {
		if len(q.Buffer) > 0 {
			c.flush(q.Buffer)
		} else {
			c.state = models.Idle{}
		}
	}

	if c.subject.Kind == models.SubjectPortfolio {
		c.portfolioSummary(snap.Portfolio, quietNow)
		return nil
	}
	c.instrument(snap.Signals, quietNow)
	return nil
}

func (c *check) instrument(signals []models.Signal, quietNow bool) {
	items := make([]itemCheck, 0, len(signals))
	// Latched windows seen in this snapshot, and whether any of their items
	// is still at or above the exit level.
	latched := make(map[models.Window]bool)
	for _, sig := range signals {
		base, ok := c.e.matrix.Resolve(sig.ClassID, sig.Window)
		if !ok {
			continue
		}
		threshold := base * c.e.scaler.Multiplier(sig.ATR, sig.Sigma)

		if c.rec.IsTriggered(sig.Window) {
			latched[sig.Window] = latched[sig.Window] || !c.e.band.Below(sig.PctMove, threshold)
			continue
		}

		var override float64
		if sig.Window == models.WindowFast {
			override = c.e.matrix.VolumeMultiplier(sig.ClassID)
		}
		if !c.e.gate.Allows(sig.Volume, sig.AvgVolume, override) {
			c.suppress(models.ReasonNoVolume)
			continue
		}

		items = append(items, itemCheck{
			signal:    sig,
			threshold: threshold,
			score:     math.Abs(sig.PctMove) - threshold,
		})
	}

	for w, held := range latched {
		if !held {
			c.rec.SetTriggered(w, false)
		}
	}

	best, ok := pickCandidate(items)
	if !ok {
		if len(items) > 0 {
			c.suppress(models.ReasonBelowThreshold)
		}
		if _, armed := c.state.(models.Armed); armed && c.allBelowExit(items) {
			c.state = models.Idle{}
		}
		return
	}

	pending := c.pendingFor(best)
	if quietNow {
		c.suppress(models.ReasonQuietHours)
		c.buffer(pending)
		return
	}

	switch st := c.state.(type) {
	case models.Cooldown:
		c.suppress(models.ReasonCooldown)
	case models.BudgetExhausted:
		c.suppress(models.ReasonBudget)
	case models.Armed:
		if pending.Window != models.WindowFast || c.now.Sub(st.At) >= c.e.cfg.Confirm.Min {
			c.attemptPush(pending, models.DeliveredDirect)
		}
	default:
		if pending.Window == models.WindowDaily {
			c.attemptPush(pending, models.DeliveredDirect)
		} else {
			c.state = models.Armed{At: c.now}
		}
	}
}

// pickCandidate returns the clearing item with the highest score. Ties go to
// the daily window, then class ID, then ticker.
func pickCandidate(items []itemCheck) (itemCheck, bool) {
	var clearing []itemCheck
	for _, ic := range items {
		if ic.clears() {
			clearing = append(clearing, ic)
		}
	}
	if len(clearing) == 0 {
		return itemCheck{}, false
	}
	slices.SortStableFunc(clearing, func(a, b itemCheck) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		if d := a.signal.Window.Priority() - b.signal.Window.Priority(); d != 0 {
			return d
		}
		if d := strings.Compare(a.signal.ClassID, b.signal.ClassID); d != 0 {
			return d
		}
		return strings.Compare(a.signal.Ticker, b.signal.Ticker)
	})
	return clearing[0], true
}

func (c *check) allBelowExit(items []itemCheck) bool {
	for _, ic := range items {
		if !c.e.band.Below(ic.signal.PctMove, ic.threshold) {
			return false
		}
	}
	return true
}

func (c *check) pendingFor(ic itemCheck) models.PendingAlert {
	return models.PendingAlert{
		Kind:      c.eventKind(ic.signal),
		ClassID:   ic.signal.ClassID,
		Ticker:    ic.signal.Ticker,
		Window:    ic.signal.Window,
		Score:     ic.score,
		PctMove:   ic.signal.PctMove,
		Threshold: ic.threshold,
		At:        c.now,
	}
}

func (c *check) eventKind(sig models.Signal) models.EventKind {
	if strings.EqualFold(sig.ClassID, "STABLECOIN") {
		return models.EventStablecoinDepeg
	}
	if sig.Window == models.WindowDaily {
		return models.EventDayMove
	}
	if mult := c.e.matrix.VolumeMultiplier(sig.ClassID); mult > 0 {
		if ratio, ok := sig.VolumeRatio(); ok && ratio >= mult {
			return models.EventVolumeSpike
		}
	}
	return models.EventFastMove
}

// attemptPush delivers through the budget and cooldown checks and reports
// whether the alert went out.
func (c *check) attemptPush(alert models.PendingAlert, reason string) bool {
	remaining, err := c.e.budget.Remaining(c.ctx, c.key, c.today)
	if err != nil {
		c.errs = append(c.errs, err)
		remaining = 0
	}
	if remaining <= 0 {
		c.state = models.BudgetExhausted{}
		c.suppress(models.ReasonBudget)
		c.e.metrics.BudgetRejected()
		return false
	}
	if _, active := c.e.cooldown.Active(c.key, c.now); active {
		c.suppress(models.ReasonCooldown)
		return false
	}

	c.deliver(alert, reason)
	c.state = models.Cooldown{Until: c.e.cooldown.Arm(c.key, c.now)}
	return true
}

// flush empties the quiet-hours buffer in order while the day's budget lasts.
func (c *check) flush(buffer []models.PendingAlert) {
	remaining, err := c.e.budget.Remaining(c.ctx, c.key, c.today)
	if err != nil {
		c.errs = append(c.errs, err)
		remaining = 0
	}

	delivered := 0
	for _, alert := range buffer {
		if remaining <= 0 {
			c.suppress(models.ReasonBudget)
			c.e.metrics.BudgetRejected()
			continue
		}
		c.deliver(alert, models.DeliveredQuietHoursFlush)
		remaining--
		delivered++
	}

	var until time.Time
	if delivered > 0 {
		until = c.e.cooldown.Arm(c.key, c.now)
	}
	if delivered > 0 && remaining > 0 {
		c.state = models.Cooldown{Until: until}
	} else {
		c.state = models.BudgetExhausted{}
	}
	logger.Info("Flushed quiet-hours buffer for %s: delivered %d of %d", c.key, delivered, len(buffer))
}

// buffer appends alert to the quiet-hours buffer unless an alert with the
// same class, ticker and window is already there. It reports whether the
// alert was added.
func (c *check) buffer(alert models.PendingAlert) bool {
	var buf []models.PendingAlert
	if q, ok := c.state.(models.Quiet); ok {
		buf = q.Buffer
	}
	for _, existing := range buf {
		if existing.DedupKey() == alert.DedupKey() {
			c.suppress(models.ReasonDuplicate)
			c.state = models.Quiet{Buffer: buf}
			return false
		}
	}

	next := make([]models.PendingAlert, len(buf), len(buf)+1)
	copy(next, buf)
	c.state = models.Quiet{Buffer: append(next, alert)}
	return true
}

// deliver hands the alert to the notifier and counts it against the budget.
// A notifier failure is logged; the delivery still counts.
func (c *check) deliver(alert models.PendingAlert, reason string) {
	var err error
	switch c.subject.Kind {
	case models.SubjectInstrument:
		err = c.e.notifier.Push(c.ctx, c.subject.InstrumentID, models.AlertEvent{
			Kind:         alert.Kind,
			InstrumentID: c.subject.InstrumentID,
			ClassID:      alert.ClassID,
			Ticker:       alert.Ticker,
			Window:       alert.Window,
			PctMove:      alert.PctMove,
			Score:        alert.Score,
			Threshold:    alert.Threshold,
			Reason:       reason,
			At:           c.now,
		})
	case models.SubjectPortfolio:
		err = c.e.notifier.PushPortfolio(c.ctx, c.subject.PortfolioID, models.PortfolioAlertEvent{
			PortfolioID: c.subject.PortfolioID,
			Type:        models.PortfolioAlertType(alert.Ticker),
			ValuePct:    alert.PctMove,
			Threshold:   alert.Threshold,
			Reason:      reason,
			At:          c.now,
		})
	}
	if err != nil {
		logger.Warn("Failed to notify %s (%s %s): %v", c.key, alert.Ticker, reason, err)
	}

	if c.subject.Kind == models.SubjectInstrument {
		c.rec.SetTriggered(alert.Window, true)
	}
	c.e.metrics.Delivered(reason)
	if _, err := c.e.budget.Consume(c.ctx, c.key, c.today); err != nil {
		c.errs = append(c.errs, err)
	}
	c.emitted = append(c.emitted, models.EmittedAlert{Alert: alert, Reason: reason})
	logger.Info("Alert delivered for %s: %s %s %+.2f%% (%s)", c.key, alert.Kind, alert.Ticker, alert.PctMove, reason)
}

// suppress records reason once per check.
func (c *check) suppress(reason string) {
	if slices.Contains(c.suppressed, reason) {
		return
	}
	c.suppressed = append(c.suppressed, reason)
	c.e.metrics.Suppressed(reason)
}
