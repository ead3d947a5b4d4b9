package console

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// DialTCP connects to a TCP port exposed by the emulator. The emulator opens
// its listeners some time after the process starts, so refused connections
// are retried every retryEvery until ctx ends.
func DialTCP(ctx context.Context, dialer ports.NetworkDialer, addr string, retryEvery time.Duration) (net.Conn, error) {
	if retryEvery <= 0 {
		retryEvery = 250 * time.Millisecond
	}

	attempts := 0
	for {
		attempts++
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			slog.Debug("console connected",
				slog.String("addr", addr),
				slog.Int("attempts", attempts),
			)
			return conn, nil
		}

		timer := time.NewTimer(retryEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s after %d attempts: %w (last error: %v)", addr, attempts, ctx.Err(), err)
		case <-timer.C:
		}
	}
}
