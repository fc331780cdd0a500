package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/procflow/common/logger"
)

func TestParseTimerDurations(t *testing.T) {
	tests := []struct {
		def  string
		want time.Duration
	}{
		{"PT10S", 10 * time.Second},
		{"PT0.1S", 100 * time.Millisecond},
		{"PT1M30S", 90 * time.Second},
		{"PT2H", 2 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"P2W", 14 * 24 * time.Hour},
		{"P1M", 30 * 24 * time.Hour},
		{"P1Y", 365 * 24 * time.Hour},
		{"PT0.5H", 30 * time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.def, func(t *testing.T) {
			timer, err := ParseTimer(tc.def)
			require.NoError(t, err)
			assert.Equal(t, KindDuration, timer.Kind)
			assert.Equal(t, tc.want, timer.Duration)
		})
	}
}

func TestParseTimerInvalid(t *testing.T) {
	for _, def := range []string{"", "P10X", "PTS", "R/", "not a timer"} {
		t.Run(def, func(t *testing.T) {
			_, err := ParseTimer(def)
			assert.Error(t, err)
		})
	}
}

func TestParseTimerCycle(t *testing.T) {
	timer, err := ParseTimer("R3/PT10S")
	require.NoError(t, err)
	assert.Equal(t, KindCycle, timer.Kind)
	assert.Equal(t, 3, timer.Repeat)
	assert.Equal(t, 10*time.Second, timer.Duration)

	unbounded, err := ParseTimer("R/PT1M")
	require.NoError(t, err)
	assert.Equal(t, -1, unbounded.Repeat)

	withStart, err := ParseTimer("R5/2026-01-01T00:00:00Z/PT1H")
	require.NoError(t, err)
	assert.Equal(t, 5, withStart.Repeat)
	assert.Equal(t, time.Hour, withStart.Duration)
	assert.Equal(t, 2026, withStart.Date.Year())
}

func TestParseTimerDate(t *testing.T) {
	timer, err := ParseTimer("2026-08-24T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, KindDate, timer.Kind)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), timer.Date)
}

func TestParseTimerCron(t *testing.T) {
	timer, err := ParseTimer("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, KindCron, timer.Kind)

	now := time.Date(2026, 8, 24, 12, 2, 0, 0, time.UTC)
	next, ok := timer.Next(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC), next)
}

func TestTimerNext(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	dur, _ := ParseTimer("PT30S")
	next, ok := dur.Next(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), next)

	past, _ := ParseTimer("2026-08-24T11:00:00Z")
	_, ok = past.Next(now)
	assert.False(t, ok, "a date in the past never fires")

	future, _ := ParseTimer("2026-08-24T13:00:00Z")
	next, ok = future.Next(now)
	require.True(t, ok)
	assert.Equal(t, future.Date, next)
}

func TestTimerCycleStartAnchor(t *testing.T) {
	timer, err := ParseTimer("R5/2026-09-01T00:00:00Z/PT1H")
	require.NoError(t, err)

	before := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	next, ok := timer.Next(before)
	require.True(t, ok)
	assert.Equal(t, timer.Date, next, "the first firing lands on the anchor")

	after := time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC)
	next, ok = timer.Next(after)
	require.True(t, ok)
	assert.Equal(t, after.Add(time.Hour), next, "later firings follow the interval")
}

func TestTimerCycleConsume(t *testing.T) {
	timer, err := ParseTimer("R2/PT1S")
	require.NoError(t, err)

	now := time.Now()
	_, ok := timer.Next(now)
	require.True(t, ok)
	assert.True(t, timer.Consume(), "one firing left after the first")
	assert.False(t, timer.Consume(), "exhausted after the second")

	_, ok = timer.Next(now)
	assert.False(t, ok)

	unbounded, err := ParseTimer("R/PT1S")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.True(t, unbounded.Consume())
	}
}

func TestTimerDurationConsume(t *testing.T) {
	timer, err := ParseTimer("PT1S")
	require.NoError(t, err)
	assert.False(t, timer.Consume(), "a plain duration fires once")
}

func TestSchedulerFires(t *testing.T) {
	s := New(logger.New("error", "text"))
	defer s.Stop()

	var mu sync.Mutex
	fired := map[string]string{}
	done := make(chan struct{})
	s.SetFire(func(instanceID, itemID string) {
		mu.Lock()
		fired[itemID] = instanceID
		mu.Unlock()
		close(done)
	})

	s.Schedule("wf-1", "item-1", time.Now().Add(20*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "wf-1", fired["item-1"])
}

func TestSchedulerCancel(t *testing.T) {
	s := New(logger.New("error", "text"))
	defer s.Stop()

	var fired sync.Map
	s.SetFire(func(instanceID, itemID string) {
		fired.Store(itemID, true)
	})

	s.Schedule("wf-1", "item-1", time.Now().Add(30*time.Millisecond))
	s.Cancel("item-1")

	time.Sleep(100 * time.Millisecond)
	_, ok := fired.Load("item-1")
	assert.False(t, ok, "cancelled timer must not fire")
}

func TestSchedulerRescheduleReplaces(t *testing.T) {
	s := New(logger.New("error", "text"))
	defer s.Stop()

	var mu sync.Mutex
	count := 0
	s.SetFire(func(instanceID, itemID string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	s.Schedule("wf-1", "item-1", time.Now().Add(20*time.Millisecond))
	s.Schedule("wf-1", "item-1", time.Now().Add(40*time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "re-scheduling replaces the pending timer")
}

func TestSchedulerStopDisarms(t *testing.T) {
	s := New(logger.New("error", "text"))

	var fired sync.Map
	s.SetFire(func(instanceID, itemID string) {
		fired.Store(itemID, true)
	})

	s.Schedule("wf-1", "item-1", time.Now().Add(20*time.Millisecond))
	s.Stop()

	// scheduling after Stop is a no-op
	s.Schedule("wf-1", "item-2", time.Now())

	time.Sleep(100 * time.Millisecond)
	_, ok := fired.Load("item-1")
	assert.False(t, ok)
	_, ok = fired.Load("item-2")
	assert.False(t, ok)
}
