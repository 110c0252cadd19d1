package engine

import (
	"sync"
	"time"
)

// CooldownRegistry keeps the per-subject "muted until" markers.
// Subjects are spread over independent shards.
type CooldownRegistry struct {
	duration time.Duration
	shards   [shardCount]cooldownShard
}

type cooldownShard struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewCooldownRegistry creates a registry that arms markers for d.
func NewCooldownRegistry(d time.Duration) *CooldownRegistry {
	r := &CooldownRegistry{duration: d}
	for i := range r.shards {
		r.shards[i].until = make(map[string]time.Time)
	}
	return r
}

// Duration returns how long an armed marker lasts.
func (r *CooldownRegistry) Duration() time.Duration {
	return r.duration
}

// Active reports whether key is muted at now. An expired marker is cleared.
func (r *CooldownRegistry) Active(key string, now time.Time) (time.Time, bool) {
	s := &r.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.until[key]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(s.until, key)
		return time.Time{}, false
	}
	return until, true
}

// Arm sets the marker to now + duration, overwriting any previous one.
func (r *CooldownRegistry) Arm(key string, now time.Time) time.Time {
	until := now.Add(r.duration)
	s := &r.shards[shardFor(key)]
	s.mu.Lock()
	s.until[key] = until
	s.mu.Unlock()
	return until
}

// Restore seeds a persisted marker. It never shortens an existing one.
func (r *CooldownRegistry) Restore(key string, until time.Time) {
	if until.IsZero() {
		return
	}
	s := &r.shards[shardFor(key)]
	s.mu.Lock()
	if cur, ok := s.until[key]; !ok || until.After(cur) {
		s.until[key] = until
	}
	s.mu.Unlock()
}
