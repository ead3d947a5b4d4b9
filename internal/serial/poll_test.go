package serial

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acolita/webbsd-builder/internal/testing/fakes/fakeclock"
)

func TestPoll_ChecksAtDeadline(t *testing.T) {
	clock := fakeclock.New(epoch)
	calls := 0

	ok, err := Poll(context.Background(), clock, 300*time.Millisecond, time.Second, func() (bool, error) {
		calls++
		return false, nil
	})
	if ok || err != nil {
		t.Fatalf("Poll() = %v, %v", ok, err)
	}
	// t=0, 300, 600, 900, 1000
	if calls != 5 {
		t.Errorf("cond called %d times, want 5", calls)
	}
	want := []time.Duration{300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond, 100 * time.Millisecond}
	got := clock.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPoll_StopsOnSuccessAndError(t *testing.T) {
	clock := fakeclock.New(epoch)
	n := 0
	ok, err := Poll(context.Background(), clock, 10*time.Millisecond, time.Hour, func() (bool, error) {
		n++
		return n == 3, nil
	})
	if !ok || err != nil || n != 3 {
		t.Errorf("Poll() = %v, %v after %d calls", ok, err, n)
	}

	boom := errors.New("boom")
	_, err = Poll(context.Background(), clock, 10*time.Millisecond, time.Hour, func() (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, want boom", err)
	}
}

func TestPoll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Poll(ctx, fakeclock.New(epoch), time.Second, time.Minute, func() (bool, error) {
		called = true
		return true, nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("Poll() error = %v, called = %v", err, called)
	}
}
