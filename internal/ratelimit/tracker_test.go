package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTracker_CanFetch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(30 * time.Minute).Unix()

	tests := []struct {
		name      string
		remaining int
		resetAt   int64
		want      map[Priority]bool
	}{
		{
			name:      "plenty of quota",
			remaining: 4000,
			resetAt:   future,
			want:      map[Priority]bool{Critical: true, High: true, Normal: true, Low: true},
		},
		{
			name:      "between critical and safe thresholds",
			remaining: 50,
			resetAt:   future,
			want:      map[Priority]bool{Critical: true, High: true, Normal: false, Low: false},
		},
		{
			name:      "at critical threshold",
			remaining: 30,
			resetAt:   future,
			want:      map[Priority]bool{Critical: true, High: false, Normal: false, Low: false},
		},
		{
			name:      "exhausted",
			remaining: 0,
			resetAt:   future,
			want:      map[Priority]bool{Critical: false, High: false, Normal: false, Low: false},
		},
		{
			name:      "exhausted but reset passed",
			remaining: 0,
			resetAt:   now.Add(-time.Second).Unix(),
			want:      map[Priority]bool{Critical: true, High: true, Normal: true, Low: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(WithClock(fixedClock(now)))
			tr.Update(tt.remaining, 5000, tt.resetAt)
			for p, want := range tt.want {
				assert.Equal(t, want, tr.CanFetch(p), "priority %s", p)
			}
		})
	}
}

func TestTracker_IsRateLimited(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(WithClock(fixedClock(now)))

	assert.False(t, tr.IsRateLimited(), "fresh tracker has full quota")

	tr.Update(10, 5000, now.Add(time.Minute).Unix())
	assert.True(t, tr.IsRateLimited())
	assert.Equal(t, time.Minute, tr.TimeUntilReset())

	tr.Update(10, 5000, now.Add(-time.Minute).Unix())
	assert.False(t, tr.IsRateLimited(), "reset time passed")
	assert.Equal(t, time.Duration(0), tr.TimeUntilReset())
}

func TestTracker_CustomThresholds(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(WithClock(fixedClock(now)), WithThresholds(500, 200))
	tr.Update(300, 5000, now.Add(time.Hour).Unix())

	assert.True(t, tr.CanFetch(High))
	assert.False(t, tr.CanFetch(Normal))
	assert.False(t, tr.IsRateLimited())
}

func TestTracker_LastUpdatedAtIsMonotonic(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(WithClock(fixedClock(now)))

	tr.Update(100, 5000, 0)
	first := tr.Snapshot().LastUpdatedAt
	tr.Update(99, 5000, 0)
	second := tr.Snapshot().LastUpdatedAt

	assert.True(t, second.After(first))
	assert.Equal(t, 99, tr.Snapshot().Remaining)
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "unknown", Priority(9).String())
}
