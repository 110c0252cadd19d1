// Package memory implements an in-process subject state store on go-cache.
// Daily counters expire on their own after the configured TTL.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/rewired-gh/noisegate/internal/models"
)

type entry struct {
	state         []byte
	cooldownUntil time.Time
	summaryDay    string
	triggered     string
	updatedAt     time.Time
}

// Store keeps records and counters in memory. Nothing survives a restart.
type Store struct {
	records    *cache.Cache
	counters   *cache.Cache
	counterTTL time.Duration
}

// New creates a store whose daily counters live for counterTTL after creation.
func New(counterTTL time.Duration) *Store {
	return &Store{
		records:    cache.New(cache.NoExpiration, 0),
		counters:   cache.New(counterTTL, counterTTL/4),
		counterTTL: counterTTL,
	}
}

func counterKey(subject, day string) string {
	return subject + "|" + day
}

// LoadSubject returns the stored record; ok is false when the subject was never saved.
func (s *Store) LoadSubject(_ context.Context, subject string) (models.SubjectRecord, bool, error) {
	v, ok := s.records.Get(subject)
	if !ok {
		return models.SubjectRecord{}, false, nil
	}
	e := v.(entry)
	state, err := models.UnmarshalState(e.state)
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to decode subject %s: %w", subject, err)
	}
	triggered, err := models.ParseWindows(e.triggered)
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to decode subject %s: %w", subject, err)
	}
	return models.SubjectRecord{
		State:         state,
		CooldownUntil: e.cooldownUntil,
		SummaryDay:    e.summaryDay,
		Triggered:     triggered,
		UpdatedAt:     e.updatedAt,
	}, true, nil
}

// SaveSubject stores an encoded copy of the record.
func (s *Store) SaveSubject(_ context.Context, subject string, rec models.SubjectRecord) error {
	state, err := models.MarshalState(rec.State)
	if err != nil {
		return fmt.Errorf("failed to encode subject %s: %w", subject, err)
	}
	s.records.Set(subject, entry{
		state:         state,
		cooldownUntil: rec.CooldownUntil,
		summaryDay:    rec.SummaryDay,
		triggered:     models.FormatWindows(rec.Triggered),
		updatedAt:     rec.UpdatedAt,
	}, cache.NoExpiration)
	return nil
}

// DailyCount returns the number of deliveries for subject on day.
func (s *Store) DailyCount(_ context.Context, subject, day string) (int, error) {
	v, ok := s.counters.Get(counterKey(subject, day))
	if !ok {
		return 0, nil
	}
	return v.(int), nil
}

// IncrementDailyCount adds one delivery and returns the new count.
func (s *Store) IncrementDailyCount(_ context.Context, subject, day string) (int, error) {
	key := counterKey(subject, day)
	if err := s.counters.Add(key, 1, s.counterTTL); err == nil {
		return 1, nil
	}
	n, err := s.counters.IncrementInt(key, 1)
	if err != nil {
		// The entry expired between Add and IncrementInt.
		if addErr := s.counters.Add(key, 1, s.counterTTL); addErr != nil {
			return 0, fmt.Errorf("failed to increment daily count: %w", err)
		}
		return 1, nil
	}
	return n, nil
}

// PruneDailyCounts drops expired counters. Days are left to TTL expiry.
func (s *Store) PruneDailyCounts(_ context.Context, _ string) (int64, error) {
	before := s.counters.ItemCount()
	s.counters.DeleteExpired()
	return int64(before - s.counters.ItemCount()), nil
}
