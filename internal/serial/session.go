// Package serial implements the serial session: an output buffer fed by a
// console channel, pattern waits with timeouts and keystroke injection.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/acolita/webbsd-builder/internal/adapters/realclock"
	"github.com/acolita/webbsd-builder/internal/console"
	"github.com/acolita/webbsd-builder/internal/ports"
)

// ErrChannelClosed is returned once the underlying channel failed. It is
// fatal for the session.
var ErrChannelClosed = errors.New("serial channel closed")

const (
	DefaultPollInterval = 300 * time.Millisecond
	MinPollInterval     = 10 * time.Millisecond
	MaxPollInterval     = time.Second

	// DefaultWindow is the number of trailing bytes kept after a match.
	DefaultWindow = 10000

	// DefaultMaxBuffer is the size at which the buffer is cut while waiting.
	DefaultMaxBuffer = 100000
)

// Observer receives every chunk of traffic on a session.
type Observer interface {
	Output(data []byte)
	Input(data []byte, secret bool)
}

// Session owns a console channel and the output buffer fed by it. A Session
// is not safe for concurrent use.
type Session struct {
	port  console.Port
	clock ports.Clock
	name  string

	pollInterval time.Duration
	window       int
	maxBuffer    int
	lineEnding   string

	transcript io.Writer
	observer   Observer

	buf      []byte
	dropped  int64
	err      error
	counters []*Counter
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for polling and settle delays.
func WithClock(c ports.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithName labels the session in log output.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// WithPollInterval sets the polling interval, clamped to [10ms, 1s].
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = ClampPollInterval(d) }
}

// WithWindow sets how many trailing bytes survive a successful wait.
func WithWindow(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithMaxBuffer sets the hard cap applied while polling.
func WithMaxBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxBuffer = n
		}
	}
}

// WithLineEnding sets the terminator appended by SendLine.
func WithLineEnding(eol string) Option {
	return func(s *Session) { s.lineEnding = eol }
}

// WithTranscript echoes every received byte to w.
func WithTranscript(w io.Writer) Option {
	return func(s *Session) { s.transcript = w }
}

// WithObserver registers an observer for input and output chunks.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// ClampPollInterval bounds d to the supported polling range. Zero selects the
// default.
func ClampPollInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultPollInterval
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	}
	return d
}

// New creates a session reading from port.
func New(port console.Port, opts ...Option) *Session {
	s := &Session{
		port:         port,
		clock:        realclock.New(),
		name:         "serial",
		pollInterval: DefaultPollInterval,
		window:       DefaultWindow,
		maxBuffer:    DefaultMaxBuffer,
		lineEnding:   "\n",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.window > s.maxBuffer {
		s.maxBuffer = s.window
	}
	return s
}

// Name returns the session label.
func (s *Session) Name() string { return s.name }

// Clock returns the clock the session sleeps on.
func (s *Session) Clock() ports.Clock { return s.clock }

// PollInterval returns the effective polling interval.
func (s *Session) PollInterval() time.Duration { return s.pollInterval }

// Err returns the terminal channel error, if any.
func (s *Session) Err() error { return s.err }

// Drain appends every byte currently available on the channel to the buffer.
// It never blocks.
func (s *Session) Drain() error {
	if s.err != nil {
		return s.err
	}

	data, err := s.port.TryRead()
	if len(data) > 0 {
		s.append(data)
	}
	if err != nil {
		s.err = fmt.Errorf("%s: %w: %w", s.name, ErrChannelClosed, err)
		slog.Warn("serial channel lost",
			slog.String("session", s.name),
			slog.String("error", err.Error()),
		)
		return s.err
	}
	return nil
}

func (s *Session) append(data []byte) {
	s.buf = append(s.buf, data...)
	for _, c := range s.counters {
		c.feed(data)
	}
	if s.transcript != nil {
		_, _ = s.transcript.Write(data)
	}
	if s.observer != nil {
		s.observer.Output(data)
	}
	if len(s.buf) > s.maxBuffer {
		keep := max(s.window, s.maxBuffer/2)
		slog.Debug("serial buffer over cap",
			slog.String("session", s.name),
			slog.Int("size", len(s.buf)),
			slog.Int("keep", keep),
		)
		s.truncate(keep)
	}
}

// truncate keeps only the last n bytes of the buffer.
func (s *Session) truncate(n int) {
	if len(s.buf) <= n {
		return
	}
	cut := len(s.buf) - n
	s.dropped += int64(cut)
	s.buf = append(s.buf[:0:0], s.buf[cut:]...)
}

// Truncate cuts the buffer down to its trailing window, as a successful
// wait does.
func (s *Session) Truncate() {
	s.truncate(s.window)
}

// Poll drains the channel and evaluates cond every poll interval until it
// holds or timeout elapses.
func (s *Session) Poll(ctx context.Context, timeout time.Duration, cond func() bool) (bool, error) {
	return Poll(ctx, s.clock, s.pollInterval, timeout, func() (bool, error) {
		if err := s.Drain(); err != nil {
			return false, err
		}
		return cond(), nil
	})
}

// WaitFor waits until pattern appears anywhere in the buffer. A timeout is
// reported as false with a nil error; errors are reserved for a failed
// channel or a cancelled context. After a match the buffer is cut down to
// its trailing window, so a pattern straddling the cut can be missed later.
func (s *Session) WaitFor(ctx context.Context, pattern string, timeout time.Duration) (bool, error) {
	p := []byte(pattern)
	ok, err := s.Poll(ctx, timeout, func() bool { return bytes.Contains(s.buf, p) })
	if err != nil {
		return false, err
	}
	if !ok {
		slog.Debug("serial wait timed out",
			slog.String("session", s.name),
			slog.String("pattern", pattern),
			slog.Duration("timeout", timeout),
		)
		return false, nil
	}
	s.truncate(s.window)
	return true, nil
}

// WaitForAny waits until one of patterns appears and returns it. When more
// than one is present, the first in argument order wins.
func (s *Session) WaitForAny(ctx context.Context, patterns []string, timeout time.Duration) (string, bool, error) {
	var found string
	ok, err := s.Poll(ctx, timeout, func() bool {
		for _, p := range patterns {
			if bytes.Contains(s.buf, []byte(p)) {
				found = p
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		slog.Debug("serial wait timed out",
			slog.String("session", s.name),
			slog.Any("patterns", patterns),
			slog.Duration("timeout", timeout),
		)
		return "", false, nil
	}
	s.truncate(s.window)
	return found, true, nil
}

// Send writes text to the channel, then sleeps for settle.
func (s *Session) Send(text string, settle time.Duration) error {
	return s.send(text, false, settle)
}

// SendSecret is Send for text that must not appear in recordings.
func (s *Session) SendSecret(text string, settle time.Duration) error {
	return s.send(text, true, settle)
}

// SendLine sends line followed by the session's line ending.
func (s *Session) SendLine(line string, settle time.Duration) error {
	return s.send(line+s.lineEnding, false, settle)
}

// SendKeys sends each key as a separate write with settle in between, for
// menus that read one key at a time.
func (s *Session) SendKeys(settle time.Duration, keys ...string) error {
	for _, k := range keys {
		if err := s.send(k, false, settle); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) send(text string, secret bool, settle time.Duration) error {
	if s.err != nil {
		return s.err
	}
	if _, err := io.WriteString(s.port, text); err != nil {
		s.err = fmt.Errorf("%s: %w: %w", s.name, ErrChannelClosed, err)
		return s.err
	}
	if s.observer != nil {
		s.observer.Input([]byte(text), secret)
	}
	if settle > 0 {
		s.clock.Sleep(settle)
	}
	return nil
}

// String returns the current buffer contents.
func (s *Session) String() string { return string(s.buf) }

// Len returns the current buffer size.
func (s *Session) Len() int { return len(s.buf) }

// Tail returns at most the last n bytes of the buffer.
func (s *Session) Tail(n int) string {
	if n >= len(s.buf) {
		return string(s.buf)
	}
	return string(s.buf[len(s.buf)-n:])
}

// Mark returns the absolute offset of the end of the buffer. Offsets stay
// valid across truncation.
func (s *Session) Mark() int64 { return s.dropped + int64(len(s.buf)) }

// Since returns the bytes received after mark that are still buffered.
func (s *Session) Since(mark int64) string {
	start := mark - s.dropped
	if start < 0 {
		start = 0
	}
	if start > int64(len(s.buf)) {
		return ""
	}
	return string(s.buf[start:])
}

// Count returns how often pattern occurs in the bytes received after mark.
func (s *Session) Count(mark int64, pattern string) int {
	if pattern == "" {
		return 0
	}
	return strings.Count(s.Since(mark), pattern)
}

// Reset discards the buffer.
func (s *Session) Reset() {
	s.dropped += int64(len(s.buf))
	s.buf = nil
}

// Close closes the channel.
func (s *Session) Close() error {
	return s.port.Close()
}
