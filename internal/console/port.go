package console

import (
	"errors"
	"io"
)

// ErrClosed is reported once the remote end of a channel went away.
var ErrClosed = errors.New("console channel closed")

// Port is a duplex byte channel whose read side never blocks.
type Port interface {
	// TryRead returns every byte currently available, possibly none.
	// A non-nil error means the channel is gone for good.
	TryRead() ([]byte, error)

	io.Writer
	io.Closer
}

// pipeChannel joins separate read and write ends, such as the stdin and
// stdout pipes of a child process, into one channel.
type pipeChannel struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

// NewPipe joins w and r into a single channel. Close closes w, r and any
// extra closers in that order and returns the first error.
func NewPipe(w io.WriteCloser, r io.ReadCloser, extra ...io.Closer) io.ReadWriteCloser {
	closers := append([]io.Closer{w, r}, extra...)
	return &pipeChannel{Reader: r, Writer: w, closers: closers}
}

func (p *pipeChannel) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
