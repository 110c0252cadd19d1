package models

import (
	"time"

	"github.com/google/uuid"
)

// Suppression reasons.
const (
	ReasonCooldown       = "cooldown"
	ReasonBudget         = "budget"
	ReasonQuietHours     = "quiet_hours"
	ReasonDuplicate      = "duplicate"
	ReasonNoVolume       = "no_volume"
	ReasonBelowThreshold = "below_threshold"
)

// Delivery reasons.
const (
	DeliveredDirect           = "direct"
	DeliveredQuietHoursFlush  = "quiet_hours_flush"
	DeliveredPortfolioSummary = "portfolio_summary"
)

// PortfolioSummaryClass is the class ID used for buffered portfolio summaries.
const PortfolioSummaryClass = "PORTFOLIO"

// EventKind classifies what a delivered alert is about.
type EventKind string

const (
	EventFastMove          EventKind = "FAST_MOVE"
	EventDayMove           EventKind = "DAY_MOVE"
	EventVolumeSpike       EventKind = "VOLUME_SPIKE"
	EventStablecoinDepeg   EventKind = "STABLECOIN_DEPEG"
	EventPortfolioDayMove  EventKind = "PORTFOLIO_DAY_MOVE"
	EventPortfolioDrawdown EventKind = "PORTFOLIO_DRAWDOWN"
)

// PendingAlert is a candidate that passed the threshold and may be delivered or buffered.
type PendingAlert struct {
	Kind      EventKind `json:"kind"`
	ClassID   string    `json:"class_id"`
	Ticker    string    `json:"ticker"`
	Window    Window    `json:"window"`
	Score     float64   `json:"score"`
	PctMove   float64   `json:"pct_move"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// DedupKey identifies the alert inside a quiet-hours buffer.
func (p PendingAlert) DedupKey() string {
	return p.ClassID + "|" + p.Ticker + "|" + string(p.Window)
}

// EmittedAlert is an alert handed to the notifier together with why it was sent.
type EmittedAlert struct {
	Alert  PendingAlert `json:"alert"`
	Reason string       `json:"reason"`
}

// Outcome summarizes a decision.
type Outcome string

const (
	OutcomeDeliver  Outcome = "deliver"
	OutcomeBuffer   Outcome = "buffer"
	OutcomeSuppress Outcome = "suppress"
)

// Decision is the result of one engine check.
type Decision struct {
	Subject    Subject
	At         time.Time
	State      State
	Emitted    []EmittedAlert
	Suppressed []string
}

// Outcome returns deliver when anything was emitted, buffer when the check
// ended in quiet hours with a buffered alert, and suppress otherwise.
func (d Decision) Outcome() Outcome {
	if len(d.Emitted) > 0 {
		return OutcomeDeliver
	}
	if q, ok := d.State.(Quiet); ok && len(q.Buffer) > 0 && d.SuppressedFor(ReasonQuietHours) {
		return OutcomeBuffer
	}
	return OutcomeSuppress
}

// SuppressedFor reports whether reason was recorded during the check.
func (d Decision) SuppressedFor(reason string) bool {
	for _, r := range d.Suppressed {
		if r == reason {
			return true
		}
	}
	return false
}

// AlertEvent is the notification payload for an instrument alert.
type AlertEvent struct {
	Kind         EventKind
	InstrumentID int64
	ClassID      string
	Ticker       string
	Window       Window
	PctMove      float64
	Score        float64
	Threshold    float64
	Reason       string
	At           time.Time
}

// PortfolioAlertType is the portfolio summary trigger that fired.
type PortfolioAlertType string

const (
	PortfolioDayMove  PortfolioAlertType = "DAY_MOVE"
	PortfolioDrawdown PortfolioAlertType = "DRAWDOWN"
)

// PortfolioAlertEvent is the notification payload for a portfolio summary.
type PortfolioAlertEvent struct {
	PortfolioID uuid.UUID
	Type        PortfolioAlertType
	ValuePct    float64
	Threshold   float64
	Reason      string
	At          time.Time
}
