package machine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/acolita/webbsd-builder/internal/command"
	"github.com/acolita/webbsd-builder/internal/expect"
	"github.com/acolita/webbsd-builder/internal/prompt"
	"github.com/acolita/webbsd-builder/internal/transfer"
)

const (
	shellSettle    = time.Second
	syncTimeout    = 30 * time.Second
	syncSettle     = 3 * time.Second
	remountSettle  = 2 * time.Second
	shutdownSettle = 5 * time.Second
	quitWait       = 5 * time.Second
)

// WaitForLogin waits for the getty login prompt. It reports false when the
// guest did not get there within the boot timeout.
func (m *Machine) WaitForLogin(ctx context.Context) (bool, error) {
	slog.Info("waiting for guest to boot", slog.Duration("timeout", m.cfg.Guest.BootTimeout))
	ok, err := m.Console.WaitFor(ctx, m.cfg.Guest.LoginPrompt, m.cfg.Guest.BootTimeout)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("login prompt detected")
	} else {
		m.reportWaiting("boot")
	}
	return ok, nil
}

// promptTail is how much of the console is searched for a waiting prompt.
const promptTail = 4096

// Waiting returns the input prompt the guest console currently shows, if
// any.
func (m *Machine) Waiting() *prompt.Detection {
	return m.prompts.Detect(m.Console.Tail(promptTail))
}

// reportWaiting logs what the guest is waiting for after what stalled.
func (m *Machine) reportWaiting(what string) {
	det := m.Waiting()
	if det == nil {
		return
	}
	slog.Warn("guest is waiting for input",
		slog.String("after", what),
		slog.String("prompt", det.Pattern.Name),
		slog.String("hint", det.Hint()),
	)
}

// Login logs in on the serial console with the built-in login playbook.
// Empty user or password fall back to the configured ones.
func (m *Machine) Login(ctx context.Context, user, password string) error {
	if user == "" {
		user = m.cfg.Guest.User
	}
	if password == "" {
		password = m.cfg.Guest.Password
	}
	slog.Info("logging in", slog.String("user", user))

	script := expect.LoginScript(m.cfg.Guest.LoginPrompt, user, password, m.cfg.Guest.BootTimeout)
	script.DefaultTimeout = m.cfg.Guest.LoginTimeout
	if _, err := expect.NewRunner(m).Run(ctx, script); err != nil {
		return fmt.Errorf("login as %s: %w", user, err)
	}
	return m.Console.Drain()
}

// Shell starts path, typically /bin/sh, on top of the login shell. root's
// login shell on FreeBSD is csh, which does not understand $(...).
func (m *Machine) Shell(ctx context.Context, path string) error {
	if path == "" {
		path = m.cfg.Guest.Shell
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Console.SendLine(path, shellSettle); err != nil {
		return err
	}
	return m.Console.Drain()
}

// Shutdown flushes the guest's disks, powers it off and waits for the
// emulator to exit. When the guest does not power off in time the emulator
// is told to quit through the monitor, and killed as a last resort.
func (m *Machine) Shutdown(ctx context.Context) error {
	slog.Info("shutting down guest")

	for range 2 {
		if _, err := m.Driver.RunSettle(ctx, "sync", syncTimeout, syncSettle); err != nil {
			return err
		}
	}
	// The remount fails while files are open for writing; the shutdown
	// below still syncs, so its result is not checked.
	if err := m.Console.SendLine("mount -ur /", remountSettle); err != nil {
		return err
	}
	if err := m.Console.SendLine("shutdown -p now", shutdownSettle); err != nil {
		return err
	}

	if m.emu == nil {
		return nil
	}
	if m.emu.WaitTimeout(m.cfg.Guest.ExitTimeout) {
		slog.Info("guest powered off")
		return nil
	}

	slog.Warn("guest did not power off", slog.Duration("waited", m.cfg.Guest.ExitTimeout))
	if m.Monitor != nil {
		if err := m.Monitor.Quit(ctx); err != nil {
			slog.Warn("monitor quit failed", slog.String("error", err.Error()))
		}
		if m.emu.WaitTimeout(quitWait) {
			return nil
		}
	}
	return m.emu.Terminate(m.cfg.Emulator.Grace)
}

// The methods below let playbooks drive the machine.

// WaitForAny waits on the serial console for the first of patterns.
func (m *Machine) WaitForAny(ctx context.Context, patterns []string, timeout time.Duration) (string, bool, error) {
	return m.Console.WaitForAny(ctx, patterns, timeout)
}

// Send types raw text on the serial console. Secret text is masked in
// recordings.
func (m *Machine) Send(text string, secret bool, settle time.Duration) error {
	if secret {
		return m.Console.SendSecret(text, settle)
	}
	return m.Console.Send(text, settle)
}

// Run runs a confirmed shell command. When the command is not confirmed the
// console is checked for a prompt it may be stuck on.
func (m *Machine) Run(ctx context.Context, cmd string, timeout time.Duration) (command.Result, error) {
	res, err := m.Driver.Run(ctx, cmd, timeout)
	if err == nil && !res.Completed {
		m.reportWaiting(command.Truncate(cmd, 70))
	}
	return res, err
}

// WriteText writes a text file on the guest.
func (m *Machine) WriteText(ctx context.Context, content, dest string, fo transfer.FileOptions) (transfer.Report, error) {
	return m.Uploader.WriteText(ctx, content, dest, fo)
}

// WriteBinary writes an arbitrary file on the guest.
func (m *Machine) WriteBinary(ctx context.Context, data []byte, dest string, fo transfer.FileOptions) (transfer.Report, error) {
	return m.Uploader.WriteBinary(ctx, data, dest, fo)
}

// PutFiles uploads local files matching pattern below destDir.
func (m *Machine) PutFiles(ctx context.Context, fsys fs.FS, pattern, destDir string, fo transfer.FileOptions) ([]transfer.Report, error) {
	return m.Uploader.PutFiles(ctx, fsys, pattern, destDir, fo)
}

// SendKeys presses keys through the monitor, one after the other.
func (m *Machine) SendKeys(ctx context.Context, keys ...string) error {
	if m.Monitor == nil {
		return ErrNoMonitor
	}
	for _, k := range keys {
		if err := m.Monitor.SendKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// TypeText types text through the monitor keymap.
func (m *Machine) TypeText(ctx context.Context, text string) error {
	if m.Monitor == nil {
		return ErrNoMonitor
	}
	return m.Monitor.TypeText(ctx, text)
}

var _ expect.Target = (*Machine)(nil)
