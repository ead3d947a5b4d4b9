// Package fakeconsole provides a scripted console port for testing the
// serial session without an emulator.
package fakeconsole

import (
	"bytes"
	"sync"

	"github.com/acolita/webbsd-builder/internal/console"
)

type pending struct {
	afterPolls int
	data       []byte
}

// Port is a fake [console.Port]. Each TryRead call counts as one poll; queued
// output becomes readable once its poll count is reached.
type Port struct {
	mu      sync.Mutex
	queue   []pending
	polls   int
	written bytes.Buffer
	closed  bool
	failAt  int
	failErr error
	onWrite func(p *Port, b []byte)
}

// New creates an empty port.
func New() *Port {
	return &Port{failAt: -1}
}

// Emit queues data readable on the next poll.
func (p *Port) Emit(data string) *Port {
	return p.EmitAfter(0, data)
}

// EmitAfter queues data that becomes readable once polls more TryRead calls
// have happened.
func (p *Port) EmitAfter(polls int, data string) *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, pending{afterPolls: p.polls + polls, data: []byte(data)})
	return p
}

// FailAfter makes TryRead return err once polls more calls have happened.
func (p *Port) FailAfter(polls int, err error) *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAt = p.polls + polls
	p.failErr = err
	return p
}

// OnWrite registers a responder called with every Write, outside the lock, so
// it may call Emit.
func (p *Port) OnWrite(fn func(p *Port, b []byte)) *Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
	return p
}

// TryRead returns all data due at this poll.
func (p *Port) TryRead() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.polls++
	if p.closed {
		return nil, console.ErrClosed
	}

	var out []byte
	rest := p.queue[:0]
	for _, q := range p.queue {
		if q.afterPolls < p.polls {
			out = append(out, q.data...)
		} else {
			rest = append(rest, q)
		}
	}
	p.queue = rest

	if len(out) == 0 && p.failAt >= 0 && p.polls > p.failAt {
		return nil, p.failErr
	}
	return out, nil
}

// Write captures b and invokes the responder.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, console.ErrClosed
	}
	p.written.Write(b)
	fn := p.onWrite
	p.mu.Unlock()

	if fn != nil {
		fn(p, append([]byte(nil), b...))
	}
	return len(b), nil
}

// Close closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Written returns everything written so far.
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Polls returns the number of TryRead calls.
func (p *Port) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// IsClosed reports whether Close was called.
func (p *Port) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var _ console.Port = (*Port)(nil)
