package console

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// PTY is a child process attached to a pseudo-terminal. The emulator sees a
// real terminal on its stdio, which is what "-serial stdio" expects.
type PTY struct {
	f *os.File

	mu     sync.Mutex
	closed bool
}

// StartPTY starts cmd on a new pseudo-terminal of the given size.
func StartPTY(cmd *exec.Cmd, rows, cols uint16) (*PTY, error) {
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return &PTY{f: f}, nil
}

// Read reads guest output.
func (p *PTY) Read(b []byte) (int, error) {
	return p.f.Read(b)
}

// Write types b at the guest console.
func (p *PTY) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Resize changes the terminal window size.
func (p *PTY) Resize(rows, cols uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close closes the terminal. The child is left to its owner, which is
// expected to terminate and reap it.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.f.Close(); err != nil {
		return fmt.Errorf("close pty: %w", err)
	}
	return nil
}
