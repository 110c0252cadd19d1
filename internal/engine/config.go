package engine

import (
	"fmt"
	"strings"
	"time"
)

// Thresholds is the ThresholdMatrix row for one asset class.
// A zero window threshold means the class is not alerted on that window.
// VolumeMultiplier, when positive, replaces the global volume gate factor
// for fast-window items of the class.
type Thresholds struct {
	Fast             float64
	Daily            float64
	VolumeMultiplier float64
}

// DurationRange is a configured [Min, Max] interval. The engine uses Min.
type DurationRange struct {
	Min time.Duration
	Max time.Duration
}

// TimeOfDay is a local wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// DynamicScale bounds the ATR/sigma threshold multiplier.
type DynamicScale struct {
	Enabled bool
	Min     float64
	Max     float64
}

// Config holds the engine policy.
type Config struct {
	Location     *time.Location
	QuietStart   TimeOfDay
	QuietEnd     TimeOfDay
	DailyBudget  int // 0 disables the budget
	Cooldown     DurationRange
	Confirm      DurationRange
	ExitFactor   float64
	VolumeGateK  float64
	DynamicScale DynamicScale
	Thresholds   map[string]Thresholds

	PortfolioDayChangePct float64
	PortfolioDrawdownPct  float64
}

// DefaultThresholds returns the built-in matrix.
func DefaultThresholds() map[string]Thresholds {
	return map[string]Thresholds{
		"MOEX_BLUE":    {Fast: 2.0, Daily: 4.0, VolumeMultiplier: 1.8},
		"MOEX_SECOND":  {Fast: 3.0, Daily: 6.0, VolumeMultiplier: 2.2},
		"OFZ":          {Fast: 0.3, Daily: 0.6},
		"INDEX":        {Fast: 0.7, Daily: 1.5},
		"FX":           {Fast: 1.0, Daily: 2.0},
		"CRYPTO_MAJOR": {Fast: 2.0, Daily: 4.0, VolumeMultiplier: 2.0},
		"CRYPTO_MID":   {Fast: 4.0, Daily: 8.0, VolumeMultiplier: 2.5},
		"STABLECOIN":   {Fast: 0.5, Daily: 0.8},
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Location:     time.UTC,
		QuietStart:   TimeOfDay{Hour: 23},
		QuietEnd:     TimeOfDay{Hour: 7},
		DailyBudget:  6,
		Cooldown:     DurationRange{Min: 60 * time.Minute, Max: 120 * time.Minute},
		Confirm:      DurationRange{Min: 10 * time.Minute, Max: 15 * time.Minute},
		ExitFactor:   0.75,
		VolumeGateK:  1.0,
		DynamicScale: DynamicScale{Enabled: true, Min: 0.7, Max: 1.3},
		Thresholds:   DefaultThresholds(),

		PortfolioDayChangePct: 2.0,
		PortfolioDrawdownPct:  5.0,
	}
}

// Validate checks that the policy is usable.
func (c Config) Validate() error {
	if c.Location == nil {
		return fmt.Errorf("location must be set")
	}
	if c.DailyBudget < 0 {
		return fmt.Errorf("daily budget must be >= 0, got %d", c.DailyBudget)
	}
	if c.Cooldown.Min <= 0 || c.Cooldown.Max < c.Cooldown.Min {
		return fmt.Errorf("cooldown range must satisfy 0 < min <= max, got %v..%v", c.Cooldown.Min, c.Cooldown.Max)
	}
	if c.Confirm.Min < 0 || c.Confirm.Max < c.Confirm.Min {
		return fmt.Errorf("confirm range must satisfy 0 <= min <= max, got %v..%v", c.Confirm.Min, c.Confirm.Max)
	}
	if c.ExitFactor <= 0 || c.ExitFactor >= 1 {
		return fmt.Errorf("hysteresis exit factor must be in (0, 1), got %f", c.ExitFactor)
	}
	if c.VolumeGateK < 0 {
		return fmt.Errorf("volume gate k must be >= 0, got %f", c.VolumeGateK)
	}
	if c.DynamicScale.Enabled && (c.DynamicScale.Min <= 0 || c.DynamicScale.Max < c.DynamicScale.Min) {
		return fmt.Errorf("dynamic scale range must satisfy 0 < min <= max, got %f..%f", c.DynamicScale.Min, c.DynamicScale.Max)
	}
	if err := validTimeOfDay(c.QuietStart); err != nil {
		return fmt.Errorf("quiet start: %w", err)
	}
	if err := validTimeOfDay(c.QuietEnd); err != nil {
		return fmt.Errorf("quiet end: %w", err)
	}
	if c.QuietStart == c.QuietEnd {
		return fmt.Errorf("quiet hours require distinct start and end, got %s", c.QuietStart)
	}
	if c.PortfolioDayChangePct <= 0 {
		return fmt.Errorf("portfolio day change threshold must be positive, got %f", c.PortfolioDayChangePct)
	}
	if c.PortfolioDrawdownPct <= 0 {
		return fmt.Errorf("portfolio drawdown threshold must be positive, got %f", c.PortfolioDrawdownPct)
	}
	for class, th := range c.Thresholds {
		if th.Fast < 0 || th.Daily < 0 || th.VolumeMultiplier < 0 {
			return fmt.Errorf("thresholds for class %q must not be negative", class)
		}
	}
	return nil
}

func validTimeOfDay(t TimeOfDay) error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("invalid time of day %02d:%02d", t.Hour, t.Minute)
	}
	return nil
}
