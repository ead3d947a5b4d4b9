// Package realnet provides the real NetworkDialer used to reach emulator ports.
package realnet

import (
	"context"
	"net"
	"time"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// Dialer implements ports.NetworkDialer using net.Dialer.
type Dialer struct {
	d net.Dialer
}

// NewDialer creates a Dialer with the given per-attempt connect timeout.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{d: net.Dialer{Timeout: timeout}}
}

// DialContext establishes a network connection.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.d.DialContext(ctx, network, address)
}

var _ ports.NetworkDialer = (*Dialer)(nil)
