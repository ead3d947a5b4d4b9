// Package realclock backs ports.Clock with the time package.
package realclock

import (
	"time"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// Wall is the host's wall clock.
type Wall struct{}

var _ ports.Clock = Wall{}

// New returns the wall clock.
func New() Wall { return Wall{} }

func (Wall) Now() time.Time { return time.Now() }

// Sleep returns immediately for non-positive durations.
func (Wall) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
