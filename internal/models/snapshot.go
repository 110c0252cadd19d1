package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidSnapshot is returned for snapshots that cannot be evaluated.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Window is the time horizon a price move was measured over.
type Window string

const (
	WindowFast  Window = "fast"
	WindowDaily Window = "daily"
)

// ParseWindow accepts "fast" and "daily" in any case.
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case WindowFast, WindowDaily:
		return w, nil
	default:
		return "", fmt.Errorf("unknown window %q", s)
	}
}

// Priority orders windows when candidate scores tie: daily wins over fast.
func (w Window) Priority() int {
	if w == WindowDaily {
		return 0
	}
	return 1
}

// FormatWindows joins windows for storage, e.g. "daily,fast".
func FormatWindows(ws []Window) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = string(w)
	}
	return strings.Join(parts, ",")
}

// ParseWindows parses the output of FormatWindows. Empty input yields nil.
func ParseWindows(s string) ([]Window, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Window
	for _, part := range strings.Split(s, ",") {
		w, err := ParseWindow(part)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Signal is one instrument item within a snapshot.
// Volume, AvgVolume, ATR and Sigma are optional; nil means absent.
type Signal struct {
	ClassID   string   `json:"class_id"`
	Ticker    string   `json:"ticker"`
	Window    Window   `json:"window"`
	PctMove   float64  `json:"pct_move"`
	Volume    *float64 `json:"volume,omitempty"`
	AvgVolume *float64 `json:"avg_volume,omitempty"`
	ATR       *float64 `json:"atr,omitempty"`
	Sigma     *float64 `json:"sigma,omitempty"`
}

// VolumeRatio returns volume/avgVolume when both are present and avgVolume is positive.
func (s Signal) VolumeRatio() (float64, bool) {
	if s.Volume == nil || s.AvgVolume == nil || *s.AvgVolume <= 0 {
		return 0, false
	}
	return *s.Volume / *s.AvgVolume, true
}

// PortfolioMetrics carries portfolio-level percentages for a summary check.
type PortfolioMetrics struct {
	DayChangePct *float64 `json:"day_change_pct,omitempty"`
	DrawdownPct  *float64 `json:"drawdown_pct,omitempty"`
}

// Snapshot is one observation of a subject at a point in time.
// Instrument snapshots carry Signals, portfolio snapshots carry Portfolio.
type Snapshot struct {
	Subject   Subject           `json:"subject"`
	At        time.Time         `json:"at"`
	Signals   []Signal          `json:"signals,omitempty"`
	Portfolio *PortfolioMetrics `json:"portfolio,omitempty"`
}

// Validate checks snapshot field constraints. Errors wrap ErrInvalidSnapshot.
func (s *Snapshot) Validate() error {
	if err := s.Subject.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	switch s.Subject.Kind {
	case SubjectInstrument:
		if s.Portfolio != nil {
			return fmt.Errorf("%w: instrument snapshot must not carry portfolio metrics", ErrInvalidSnapshot)
		}
		if len(s.Signals) == 0 {
			return fmt.Errorf("%w: instrument snapshot has no signals", ErrInvalidSnapshot)
		}
	case SubjectPortfolio:
		if len(s.Signals) > 0 {
			return fmt.Errorf("%w: portfolio snapshot must not carry signals", ErrInvalidSnapshot)
		}
		if s.Portfolio == nil {
			return fmt.Errorf("%w: portfolio snapshot has no metrics", ErrInvalidSnapshot)
		}
		if !finiteOrNil(s.Portfolio.DayChangePct) || !finiteOrNil(s.Portfolio.DrawdownPct) {
			return fmt.Errorf("%w: portfolio metrics must be finite", ErrInvalidSnapshot)
		}
	}

	for i, sig := range s.Signals {
		if sig.ClassID == "" {
			return fmt.Errorf("%w: signal %d has empty class ID", ErrInvalidSnapshot, i)
		}
		if sig.Ticker == "" {
			return fmt.Errorf("%w: signal %d has empty ticker", ErrInvalidSnapshot, i)
		}
		if sig.Window != WindowFast && sig.Window != WindowDaily {
			return fmt.Errorf("%w: signal %d has unknown window %q", ErrInvalidSnapshot, i, sig.Window)
		}
		if math.IsNaN(sig.PctMove) || math.IsInf(sig.PctMove, 0) {
			return fmt.Errorf("%w: signal %d move must be finite", ErrInvalidSnapshot, i)
		}
		if sig.Volume != nil && *sig.Volume < 0 {
			return fmt.Errorf("%w: signal %d volume must not be negative", ErrInvalidSnapshot, i)
		}
	}
	return nil
}

func finiteOrNil(v *float64) bool {
	return v == nil || !(math.IsNaN(*v) || math.IsInf(*v, 0))
}
