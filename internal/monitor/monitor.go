// Package monitor talks to the emulator's human monitor: a line-oriented
// console that prints "(qemu) " when it is ready for the next command.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/acolita/webbsd-builder/internal/serial"
)

// ErrNoPrompt is returned when the monitor did not come back with its prompt.
var ErrNoPrompt = errors.New("monitor prompt not seen")

const (
	Prompt = "(qemu) "

	DefaultTimeout  = 5 * time.Second
	DefaultKeyDelay = 80 * time.Millisecond
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-Za-z]`)

// Client issues monitor commands over a serial session. It is not safe for
// concurrent use.
type Client struct {
	session  *serial.Session
	timeout  time.Duration
	keyDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds the wait for the prompt after each command.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithKeyDelay sets the pause after each sendkey.
func WithKeyDelay(d time.Duration) Option {
	return func(c *Client) { c.keyDelay = d }
}

// New creates a client. The session should use "\r\n" line endings.
func New(session *serial.Session, opts ...Option) *Client {
	c := &Client{
		session:  session,
		timeout:  DefaultTimeout,
		keyDelay: DefaultKeyDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the underlying session.
func (c *Client) Session() *serial.Session { return c.session }

// WaitReady waits for the banner's first prompt.
func (c *Client) WaitReady(ctx context.Context) error {
	ok, err := c.session.WaitFor(ctx, Prompt, c.timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: after %v", ErrNoPrompt, c.timeout)
	}
	return nil
}

// Command sends cmd and returns the monitor's response, without the echoed
// command line, terminal escapes and the trailing prompt.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	s := c.session
	if err := s.Drain(); err != nil {
		return "", fmt.Errorf("monitor %q: %w", cmd, err)
	}
	mark := s.Mark()
	if err := s.SendLine(cmd, 0); err != nil {
		return "", fmt.Errorf("monitor %q: %w", cmd, err)
	}

	ok, err := s.Poll(ctx, c.timeout, func() bool {
		return strings.Contains(s.Since(mark), Prompt)
	})
	if err != nil {
		return "", fmt.Errorf("monitor %q: %w", cmd, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %q after %v", ErrNoPrompt, cmd, c.timeout)
	}

	out := response(s.Since(mark), cmd)
	s.Truncate()
	slog.Debug("monitor command",
		slog.String("command", cmd),
		slog.String("response", out),
	)
	return out, nil
}

// SendKey presses key, e.g. "ret" or "ctrl-alt-f2", then waits the key delay.
func (c *Client) SendKey(ctx context.Context, key string) error {
	if _, err := c.Command(ctx, "sendkey "+key); err != nil {
		return err
	}
	c.session.Clock().Sleep(c.keyDelay)
	return nil
}

// TypeText types text key by key. Characters without a key name are skipped
// and reported in the log.
func (c *Client) TypeText(ctx context.Context, text string) error {
	for _, r := range text {
		key, ok := KeyFor(r)
		if !ok {
			slog.Warn("no key for character", slog.String("char", string(r)))
			continue
		}
		if err := c.SendKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Powerdown asks the guest to shut down through ACPI.
func (c *Client) Powerdown(ctx context.Context) error {
	_, err := c.Command(ctx, "system_powerdown")
	return err
}

// Quit stops the emulator immediately. The monitor closes its connection in
// response, which counts as success.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.Command(ctx, "quit")
	if err == nil || errors.Is(err, serial.ErrChannelClosed) || errors.Is(err, ErrNoPrompt) {
		return nil
	}
	return err
}

// response extracts the command output from raw monitor text.
func response(raw, cmd string) string {
	text := ansiRegex.ReplaceAllString(raw, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")
	if i := strings.LastIndex(text, Prompt); i >= 0 {
		text = text[:i]
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(line, Prompt))
		if trimmed == cmd || trimmed == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
