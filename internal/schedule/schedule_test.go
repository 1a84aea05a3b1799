package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var fired []string
	m.Schedule(2*time.Second, func() { fired = append(fired, "b") })
	m.Schedule(time.Second, func() { fired = append(fired, "a") })
	cancel := m.Schedule(time.Second, func() { fired = append(fired, "canceled") })
	cancel()

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(2500*time.Millisecond), m.Now())
}

func TestManual_ChainedTimers(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			m.Schedule(100*time.Millisecond, tick)
		}
	}
	m.Schedule(100*time.Millisecond, tick)

	m.Advance(time.Second)
	assert.Equal(t, 3, count)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, m.History())
}

func TestReal_Schedule(t *testing.T) {
	done := make(chan struct{})
	Real{}.Schedule(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}
