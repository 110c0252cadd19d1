package engine

import (
	"math"
	"strings"

	"github.com/rewired-gh/noisegate/internal/models"
)

// ThresholdMatrix maps (class, window) to a base percentage threshold.
// Class IDs are matched case-insensitively.
type ThresholdMatrix struct {
	rows map[string]Thresholds
}

// NewThresholdMatrix copies rows into a matrix.
func NewThresholdMatrix(rows map[string]Thresholds) ThresholdMatrix {
	m := ThresholdMatrix{rows: make(map[string]Thresholds, len(rows))}
	for class, th := range rows {
		m.rows[strings.ToUpper(class)] = th
	}
	return m
}

// Resolve returns the base threshold. ok is false when the class is unknown
// or has no threshold for the window; such items are skipped silently.
func (m ThresholdMatrix) Resolve(classID string, window models.Window) (float64, bool) {
	th, ok := m.rows[strings.ToUpper(classID)]
	if !ok {
		return 0, false
	}
	var v float64
	switch window {
	case models.WindowFast:
		v = th.Fast
	case models.WindowDaily:
		v = th.Daily
	}
	return v, v > 0
}

// VolumeMultiplier returns the class-specific volume factor, or 0 when unset.
func (m ThresholdMatrix) VolumeMultiplier(classID string) float64 {
	return m.rows[strings.ToUpper(classID)].VolumeMultiplier
}

// DynamicScaler scales thresholds by the ATR/sigma ratio.
type DynamicScaler struct {
	cfg DynamicScale
}

// Multiplier returns clamp(atr/sigma, min, max), or 1.0 when scaling is
// disabled, either input is absent, sigma is not positive, or the ratio is
// not a positive finite number.
func (s DynamicScaler) Multiplier(atr, sigma *float64) float64 {
	if !s.cfg.Enabled || atr == nil || sigma == nil || *sigma <= 0 {
		return 1.0
	}
	ratio := *atr / *sigma
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
		return 1.0
	}
	return math.Min(math.Max(ratio, s.cfg.Min), s.cfg.Max)
}

// HysteresisBand derives the exit level from an entry threshold.
type HysteresisBand struct {
	ExitFactor float64
}

// ExitLevel returns threshold * ExitFactor.
func (b HysteresisBand) ExitLevel(threshold float64) float64 {
	return threshold * b.ExitFactor
}

// Below reports whether a move has fallen under the exit level.
func (b HysteresisBand) Below(pctMove, threshold float64) bool {
	return math.Abs(pctMove) < b.ExitLevel(threshold)
}

// VolumeGate rejects moves without volume confirmation.
type VolumeGate struct {
	K float64
}

// Allows returns true when volume or avgVolume is absent, when avgVolume is
// not positive, or when volume >= k*avgVolume. A positive override replaces K.
func (g VolumeGate) Allows(volume, avgVolume *float64, override float64) bool {
	if volume == nil || avgVolume == nil || *avgVolume <= 0 {
		return true
	}
	k := g.K
	if override > 0 {
		k = override
	}
	return *volume >= k**avgVolume
}
