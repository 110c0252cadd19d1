package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/noisegate/internal/models"
)

// MarketData supplies window signals and volatility inputs for instruments.
// ATR14 and Sigma30D return nil when the value is unavailable.
type MarketData interface {
	FastWindow(ctx context.Context, instrumentID int64) (models.Signal, error)
	DayWindow(ctx context.Context, instrumentID int64) (models.Signal, error)
	ATR14(ctx context.Context, instrumentID int64) (*float64, error)
	Sigma30D(ctx context.Context, instrumentID int64) (*float64, error)
}

// Portfolio supplies portfolio-level metrics in percent.
type Portfolio interface {
	DayChangePct(ctx context.Context, portfolioID uuid.UUID) (*float64, error)
	DrawdownPct(ctx context.Context, portfolioID uuid.UUID) (*float64, error)
}

// Notifier delivers alerts. Failures are the notifier's concern; the engine
// logs them and keeps its decision.
type Notifier interface {
	Push(ctx context.Context, instrumentID int64, event models.AlertEvent) error
	PushPortfolio(ctx context.Context, portfolioID uuid.UUID, event models.PortfolioAlertEvent) error
}

// StateStore persists subject records and daily counters.
type StateStore interface {
	CounterStore
	LoadSubject(ctx context.Context, subject string) (models.SubjectRecord, bool, error)
	SaveSubject(ctx context.Context, subject string, rec models.SubjectRecord) error
}

// Metrics receives engine counters.
type Metrics interface {
	Delivered(reason string)
	Suppressed(reason string)
	BudgetRejected()
	CheckObserved(kind models.SubjectKind, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Delivered(string)                                {}
func (nopMetrics) Suppressed(string)                               {}
func (nopMetrics) BudgetRejected()                                 {}
func (nopMetrics) CheckObserved(models.SubjectKind, time.Duration) {}
