package engine

import (
	"context"
	"fmt"
	"math"
)

// CounterStore persists daily push counters keyed by subject and local date.
type CounterStore interface {
	DailyCount(ctx context.Context, subject, day string) (int, error)
	IncrementDailyCount(ctx context.Context, subject, day string) (int, error)
}

// BudgetLimiter caps deliveries per subject per local day.
// A max of 0 disables the cap.
type BudgetLimiter struct {
	max   int
	store CounterStore
}

// NewBudgetLimiter creates a limiter backed by store.
func NewBudgetLimiter(limit int, store CounterStore) *BudgetLimiter {
	return &BudgetLimiter{max: limit, store: store}
}

// Max returns the configured daily cap.
func (b *BudgetLimiter) Max() int {
	return b.max
}

// Remaining returns how many deliveries are left for subject on day.
func (b *BudgetLimiter) Remaining(ctx context.Context, subject, day string) (int, error) {
	if b.max <= 0 {
		return math.MaxInt, nil
	}
	n, err := b.store.DailyCount(ctx, subject, day)
	if err != nil {
		return 0, fmt.Errorf("failed to read daily count for %s: %w", subject, err)
	}
	return max(b.max-n, 0), nil
}

// Exhausted reports whether the day's count has reached the cap.
func (b *BudgetLimiter) Exhausted(ctx context.Context, subject, day string) (bool, error) {
	left, err := b.Remaining(ctx, subject, day)
	if err != nil {
		return false, err
	}
	return left <= 0, nil
}

// Consume records one delivery and returns the new count.
func (b *BudgetLimiter) Consume(ctx context.Context, subject, day string) (int, error) {
	n, err := b.store.IncrementDailyCount(ctx, subject, day)
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily count for %s: %w", subject, err)
	}
	return n, nil
}
