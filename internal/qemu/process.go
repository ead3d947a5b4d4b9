package qemu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/acolita/webbsd-builder/internal/console"
)

// DefaultGrace is how long Terminate waits after SIGTERM before killing.
const DefaultGrace = 10 * time.Second

// StartOptions controls how the process is attached to the host.
type StartOptions struct {
	// Console attaches the child's stdio to a channel returned by
	// Process.Console. Use it with a stdio serial endpoint.
	Console bool
	// PTY puts the console on a pseudo-terminal instead of pipes.
	PTY bool
	// Stderr receives the child's error output; discarded when nil.
	Stderr io.Writer
	// Grace is the delay between SIGTERM and SIGKILL when ctx ends.
	Grace time.Duration
}

// Process is a running emulator.
type Process struct {
	cmd     *exec.Cmd
	console io.ReadWriteCloser
	grace   time.Duration

	done    chan struct{}
	waitErr error

	termOnce sync.Once
}

// Start builds c and starts the emulator. Cancelling ctx sends SIGTERM and,
// after the grace period, SIGKILL.
func (c *Command) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	args, err := c.Build()
	if err != nil {
		return nil, err
	}
	return StartProcess(ctx, c.Binary, args, opts)
}

// StartProcess starts name with args.
func StartProcess(ctx context.Context, name string, args []string, opts StartOptions) (*Process, error) {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = opts.Grace
	cmd.Stderr = opts.Stderr

	p := &Process{cmd: cmd, grace: opts.Grace, done: make(chan struct{})}

	slog.Info("starting emulator",
		slog.String("binary", name),
		slog.Any("args", args),
	)

	switch {
	case opts.Console && opts.PTY:
		t, err := console.StartPTY(cmd, 0, 0)
		if err != nil {
			return nil, err
		}
		p.console = t
	case opts.Console:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		p.console = console.NewPipe(stdin, stdout)
	default:
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	slog.Debug("emulator started", slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

// Pid returns the process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Console returns the stdio channel, or nil when the process was started
// without one.
func (p *Process) Console() io.ReadWriteCloser { return p.console }

// Done is closed once the process exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait waits for the process to exit and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// WaitTimeout waits up to d for the process to exit and reports whether it
// did.
func (p *Process) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate sends SIGTERM, waits up to grace for the process to exit and
// kills it otherwise. It is safe to call more than once and after exit.
func (p *Process) Terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = p.grace
	}

	var err error
	p.termOnce.Do(func() {
		if p.Exited() {
			return
		}
		slog.Info("terminating emulator", slog.Int("pid", p.Pid()))
		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil {
			slog.Debug("sigterm failed", slog.String("error", serr.Error()))
		}
		if p.WaitTimeout(grace) {
			return
		}
		slog.Warn("emulator ignored SIGTERM, killing", slog.Int("pid", p.Pid()))
		if kerr := p.cmd.Process.Kill(); kerr != nil {
			err = fmt.Errorf("kill emulator: %w", kerr)
			return
		}
		<-p.done
	})

	if p.console != nil {
		_ = p.console.Close()
	}
	return err
}
