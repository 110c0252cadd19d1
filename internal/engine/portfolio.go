package engine

import (
	"math"

	"github.com/rewired-gh/noisegate/internal/models"
)

// portfolioSummary fires at most one summary per subject per local day.
// Drawdown wins over day change when both cross their thresholds. Drawdown
// is a positive depth and compares as reported; day change compares by size.
func (c *check) portfolioSummary(metrics *models.PortfolioMetrics, quietNow bool) {
	if metrics == nil || c.rec.SummaryDay == c.today {
		return
	}

	var (
		kind      models.EventKind
		typ       models.PortfolioAlertType
		value     float64
		threshold float64
	)
	switch {
	case metrics.DrawdownPct != nil && *metrics.DrawdownPct >= c.e.cfg.PortfolioDrawdownPct:
		kind, typ = models.EventPortfolioDrawdown, models.PortfolioDrawdown
		value, threshold = *metrics.DrawdownPct, c.e.cfg.PortfolioDrawdownPct
	case metrics.DayChangePct != nil && math.Abs(*metrics.DayChangePct) >= c.e.cfg.PortfolioDayChangePct:
		kind, typ = models.EventPortfolioDayMove, models.PortfolioDayMove
		value, threshold = *metrics.DayChangePct, c.e.cfg.PortfolioDayChangePct
	default:
		return
	}

	alert := models.PendingAlert{
		Kind:      kind,
		ClassID:   models.PortfolioSummaryClass,
		Ticker:    string(typ),
		Window:    models.WindowDaily,
		Score:     math.Abs(value) - threshold,
		PctMove:   value,
		Threshold: threshold,
		At:        c.now,
	}

	if quietNow {
		c.suppress(models.ReasonQuietHours)
		if c.buffer(alert) {
			c.rec.SummaryDay = c.today
		}
		return
	}

	switch c.state.(type) {
	case models.Cooldown:
		c.suppress(models.ReasonCooldown)
	case models.BudgetExhausted:
		c.suppress(models.ReasonBudget)
	default:
		if c.attemptPush(alert, models.DeliveredPortfolioSummary) {
			c.rec.SummaryDay = c.today
		}
	}
}
