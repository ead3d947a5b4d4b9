package fakeclock

import (
	"testing"
	"time"
)

func TestClock_Now(t *testing.T) {
	initial := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(initial)

	if got := c.Now(); !got.Equal(initial) {
		t.Errorf("Now() = %v, want %v", got, initial)
	}
}

func TestClock_SleepAdvances(t *testing.T) {
	initial := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(initial)

	c.Sleep(300 * time.Millisecond)
	c.Sleep(200 * time.Millisecond)

	if got, want := c.Now(), initial.Add(500*time.Millisecond); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
	if got := c.Slept(); got != 500*time.Millisecond {
		t.Errorf("Slept() = %v, want 500ms", got)
	}
	if got := len(c.Sleeps()); got != 2 {
		t.Errorf("len(Sleeps()) = %d, want 2", got)
	}
}

func TestClock_NegativeSleepIsRecordedButIgnored(t *testing.T) {
	initial := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(initial)

	c.Sleep(-time.Second)

	if got := c.Now(); !got.Equal(initial) {
		t.Errorf("Now() = %v, want %v", got, initial)
	}
}

func TestClock_OnSleepHook(t *testing.T) {
	c := New(time.Time{})
	var calls int
	c.OnSleep(func(d time.Duration) { calls++ })

	c.Sleep(time.Millisecond)
	c.Sleep(time.Millisecond)

	if calls != 2 {
		t.Errorf("hook calls = %d, want 2", calls)
	}
}

func TestClock_AdvanceAndSet(t *testing.T) {
	c := New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.Advance(time.Hour)
	if got := c.Now().Hour(); got != 1 {
		t.Errorf("hour after Advance = %d, want 1", got)
	}

	target := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)
	if got := c.Now(); !got.Equal(target) {
		t.Errorf("Now() after Set = %v, want %v", got, target)
	}
}
