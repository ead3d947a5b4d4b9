// Package fakenet provides a fake network dialer for testing.
package fakenet

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/acolita/webbsd-builder/internal/ports"
)

// ErrRefused mimics a port nobody listens on yet.
var ErrRefused = errors.New("fakenet: connection refused")

// DialCall records a call to DialContext.
type DialCall struct {
	Network string
	Address string
}

// Dialer is a fake dialer. Per address it can refuse a number of attempts
// before handing out the host end of an in-memory pipe; the test keeps the
// guest end.
type Dialer struct {
	mu      sync.Mutex
	calls   []DialCall
	refuse  map[string]int
	guests  map[string]net.Conn
	errFunc func(address string) error
}

// NewDialer creates a Dialer that refuses every address until Serve is called.
func NewDialer() *Dialer {
	return &Dialer{
		refuse: make(map[string]int),
		guests: make(map[string]net.Conn),
	}
}

// Serve makes address connectable after refusing the first refusals
// attempts. It returns the guest end of the connection that will be handed
// out; reads on it see what the host writes.
func (d *Dialer) Serve(address string, refusals int) net.Conn {
	host, guest := net.Pipe()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[address] = refusals
	d.guests[address] = host
	return guest
}

// SetError makes every dial fail with the error returned by fn.
func (d *Dialer) SetError(fn func(address string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errFunc = fn
}

// DialContext records the call and hands out the configured connection.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, DialCall{Network: network, Address: address})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.errFunc != nil {
		if err := d.errFunc(address); err != nil {
			return nil, err
		}
	}

	conn, ok := d.guests[address]
	if !ok {
		return nil, ErrRefused
	}
	if d.refuse[address] > 0 {
		d.refuse[address]--
		return nil, ErrRefused
	}
	delete(d.guests, address)
	return conn, nil
}

// Calls returns all recorded calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialCall, len(d.calls))
	copy(out, d.calls)
	return out
}

var _ ports.NetworkDialer = (*Dialer)(nil)
