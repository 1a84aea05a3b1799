// Package schedule abstracts delayed execution so timers can be driven by a
// fake clock in tests.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Cancel stops a scheduled callback. Calling it after the callback ran is a no-op.
type Cancel func()

type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Cancel
	Now() time.Time
}

// Real runs callbacks on time.AfterFunc goroutines.
type Real struct{}

func (Real) Schedule(delay time.Duration, fn func()) Cancel {
	t := time.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

func (Real) Now() time.Time { return time.Now() }

type manualTimer struct {
	at       time.Time
	seq      uint64
	fn       func()
	canceled bool
}

// Manual is a deterministic Scheduler. Time only moves when Advance is called,
// and callbacks run on the caller's goroutine.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	timers  []*manualTimer
	history []time.Duration
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Schedule(delay time.Duration, fn func()) Cancel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{at: m.now.Add(delay), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	m.history = append(m.history, delay)
	return func() {
		m.mu.Lock()
		t.canceled = true
		m.mu.Unlock()
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, firing every timer that comes due in
// order, including timers scheduled by callbacks along the way.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		m.mu.Unlock()
		t.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// nextDue pops the earliest live timer due at or before target. Callers hold mu.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.canceled {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(m.timers) == 0 {
		return nil
	}
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	next := m.timers[0]
	if next.at.After(target) {
		return nil
	}
	m.timers = m.timers[1:]
	return next
}

// Pending counts timers that have not fired or been canceled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.canceled {
			n++
		}
	}
	return n
}

// History returns every delay passed to Schedule, in call order.
func (m *Manual) History() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.history))
	copy(out, m.history)
	return out
}
