package ratelimit

import (
	"sync"
	"time"
)

// Priority is a request urgency class. Lower values are more urgent.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

const (
	DefaultSafeThreshold     = 100
	DefaultCriticalThreshold = 30
	defaultLimit             = 5000
)

// State is a point-in-time copy of the quota.
type State struct {
	Remaining     int       `json:"remaining"`
	Limit         int       `json:"limit"`
	ResetAt       int64     `json:"reset_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Tracker holds the most recently observed request quota and rations it by priority.
type Tracker struct {
	mu                sync.RWMutex
	state             State
	safeThreshold     int
	criticalThreshold int
	now               func() time.Time
}

type Option func(*Tracker)

// WithThresholds overrides the safe and critical remaining-request thresholds.
func WithThresholds(safe, critical int) Option {
	return func(t *Tracker) {
		t.safeThreshold = safe
		t.criticalThreshold = critical
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker starts with a full default quota and a reset time in the past.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		state:             State{Remaining: defaultLimit, Limit: defaultLimit},
		safeThreshold:     DefaultSafeThreshold,
		criticalThreshold: DefaultCriticalThreshold,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update replaces the quota with values read from response headers.
func (t *Tracker) Update(remaining, limit int, resetAt int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !now.After(t.state.LastUpdatedAt) {
		now = t.state.LastUpdatedAt.Add(time.Nanosecond)
	}
	t.state = State{
		Remaining:     remaining,
		Limit:         limit,
		ResetAt:       resetAt,
		LastUpdatedAt: now,
	}
}

// CanFetch reports whether a request of priority p may be issued now.
func (t *Tracker) CanFetch(p Priority) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.resetPassed() {
		return true
	}
	switch p {
	case Critical:
		return t.state.Remaining > 0
	case High:
		return t.state.Remaining > t.criticalThreshold
	default:
		return t.state.Remaining > t.safeThreshold
	}
}

// IsRateLimited is true while remaining is at or under the critical threshold
// and the reset time has not passed.
func (t *Tracker) IsRateLimited() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return !t.resetPassed() && t.state.Remaining <= t.criticalThreshold
}

// TimeUntilReset never returns a negative duration.
func (t *Tracker) TimeUntilReset() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d := time.Unix(t.state.ResetAt, 0).Sub(t.now())
	if d < 0 {
		return 0
	}
	return d
}

func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// resetPassed assumes the quota refilled once the reset time is behind us.
func (t *Tracker) resetPassed() bool {
	return t.now().After(time.Unix(t.state.ResetAt, 0))
}
