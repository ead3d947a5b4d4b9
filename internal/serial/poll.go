package serial

import (
	"context"
	"time"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// Poll evaluates cond every interval until it reports true, returns an error,
// ctx ends or timeout elapses. The condition is always checked at least once,
// and a final time at the deadline, so a timeout is reported no earlier than
// timeout and no later than timeout plus one interval.
func Poll(ctx context.Context, clock ports.Clock, interval, timeout time.Duration, cond func() (bool, error)) (bool, error) {
	deadline := clock.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		ok, err := cond()
		if err != nil || ok {
			return ok, err
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		clock.Sleep(min(interval, remaining))
	}
}
