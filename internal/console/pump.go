package console

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
)

const readChunkSize = 4096

// Pump turns a blocking channel into a [Port]. A single goroutine reads from
// the channel and hands chunks over; it only ever touches its own queue, so
// the consumer keeps exclusive ownership of whatever buffer it appends to.
type Pump struct {
	ch   io.ReadWriteCloser
	data chan []byte
	done chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

// NewPump starts pumping ch.
func NewPump(ch io.ReadWriteCloser) *Pump {
	p := &Pump{
		ch:   ch,
		data: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.data)

	buf := make([]byte, readChunkSize)
	for {
		n, err := p.ch.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.data <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
	}
}

// TryRead returns all bytes received since the previous call without waiting.
// Bytes received before the channel failed are returned first; the failure is
// reported by the next call.
func (p *Pump) TryRead() ([]byte, error) {
	var out []byte
	for {
		select {
		case chunk, ok := <-p.data:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, p.readErr()
			}
			out = append(out, chunk...)
		default:
			return out, nil
		}
	}
}

func (p *Pump) readErr() error {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
}

// Write sends p to the channel.
func (p *Pump) Write(b []byte) (int, error) {
	return p.ch.Write(b)
}

// Close closes the channel and stops the reader goroutine.
func (p *Pump) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.ch.Close()
	})
	return p.closeErr
}

var _ Port = (*Pump)(nil)
