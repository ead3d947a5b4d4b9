// Package ports holds the interfaces through which the automation reaches
// the outside world: wall time, the emulator's TCP ports and randomness.
// Production code gets them from internal/adapters, tests from
// internal/testing/fakes.
package ports

import (
	"context"
	"net"
	"time"
)

// Clock drives every poll loop and settle delay. A fake clock lets the
// serial tests run boot-length timeouts instantly.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// NetworkDialer connects to the emulator's serial and monitor sockets.
type NetworkDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Random supplies the entropy mixed into completion markers.
type Random interface {
	Read(b []byte) (n int, err error)
}
