// Package command runs shell commands on a serial console and detects their
// completion through an echoed marker.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/acolita/webbsd-builder/internal/adapters/realclock"
	"github.com/acolita/webbsd-builder/internal/adapters/realrand"
	"github.com/acolita/webbsd-builder/internal/serial"
)

// ErrNotConfirmed is returned by MustRun when a command's marker never
// appeared.
var ErrNotConfirmed = errors.New("command not confirmed")

// Sequencing selects how the marker echo is chained to the command.
type Sequencing string

const (
	// SequenceAnd echoes the marker only when the command succeeded.
	SequenceAnd Sequencing = "and"
	// SequenceAlways echoes the marker whatever the exit status.
	SequenceAlways Sequencing = "always"
)

// Detection selects how a marker sighting counts as completion.
type Detection string

const (
	// DetectCount waits until the marker was seen EchoCount times after the
	// command was sent. Channels that echo typed input show it twice.
	DetectCount Detection = "count"
	// DetectLine waits until the marker starts a line, which the echoed
	// command line never does.
	DetectLine Detection = "line"
)

const (
	DefaultSettle  = 500 * time.Millisecond
	DefaultTimeout = 60 * time.Second

	// warnCommandWidth bounds the command text in timeout warnings.
	warnCommandWidth = 70
)

// Result describes one command run.
type Result struct {
	Command   string
	Marker    string
	Completed bool
	// Output is the text printed between the command line and the marker.
	Output   string
	ExitCode *int
	Duration time.Duration
}

// Succeeded reports whether the command completed with a zero (or unknown)
// exit status.
func (r Result) Succeeded() bool {
	return r.Completed && (r.ExitCode == nil || *r.ExitCode == 0)
}

// Driver sends commands through a serial session. It is not safe for
// concurrent use.
type Driver struct {
	session *serial.Session
	markers *MarkerSource

	sequencing  Sequencing
	detection   Detection
	echoCount   int
	captureExit bool
	settle      time.Duration
	timeout     time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithMarkerSource sets the marker generator.
func WithMarkerSource(m *MarkerSource) Option {
	return func(d *Driver) { d.markers = m }
}

// WithSequencing sets how the marker echo is chained.
func WithSequencing(s Sequencing) Option {
	return func(d *Driver) { d.sequencing = s }
}

// WithDetection sets the completion detection mode.
func WithDetection(m Detection) Option {
	return func(d *Driver) { d.detection = m }
}

// WithEchoCount sets how many marker sightings complete a command in count
// mode: 1 on echo-free channels, 2 when the channel echoes the typed line.
func WithEchoCount(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.echoCount = n
		}
	}
}

// WithCaptureExit makes the marker carry the command's exit status. It
// implies SequenceAlways.
func WithCaptureExit(capture bool) Option {
	return func(d *Driver) { d.captureExit = capture }
}

// WithSettle sets the delay after sending a command line.
func WithSettle(settle time.Duration) Option {
	return func(d *Driver) { d.settle = settle }
}

// WithTimeout sets the timeout used when Run is given zero.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.timeout = timeout }
}

// NewDriver creates a driver on top of session.
func NewDriver(session *serial.Session, opts ...Option) *Driver {
	d := &Driver{
		session:    session,
		sequencing: SequenceAnd,
		detection:  DetectCount,
		echoCount:  1,
		settle:     DefaultSettle,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.markers == nil {
		d.markers = NewMarkerSource(realclock.New(), realrand.New())
	}
	if d.captureExit {
		d.sequencing = SequenceAlways
	}
	return d
}

// Session returns the underlying serial session.
func (d *Driver) Session() *serial.Session { return d.session }

// Compose builds the line sent for command.
func (d *Driver) Compose(command, marker string) string {
	switch {
	case d.captureExit:
		return command + "; echo " + marker + ":$?"
	case d.sequencing == SequenceAlways:
		return command + "; echo " + marker
	default:
		return command + " && echo " + marker
	}
}

// Run sends command and waits up to timeout for its marker. A missing marker
// is not an error: the result reports Completed false and a warning is
// logged, leaving the decision to the caller. Errors mean the channel failed
// or ctx ended.
func (d *Driver) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	return d.RunSettle(ctx, command, timeout, d.settle)
}

// RunSettle is Run with a settle delay other than the configured one, for
// bursts of short commands such as line-by-line file writes.
func (d *Driver) RunSettle(ctx context.Context, command string, timeout, settle time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}

	s := d.session
	clock := s.Clock()
	marker := d.markers.Next()
	res := Result{Command: command, Marker: marker}

	start := clock.Now()
	// Output that arrived before the command belongs to someone else.
	if err := s.Drain(); err != nil {
		return res, err
	}
	mark := s.Mark()
	// Sightings are counted on arrival: long output can push the echoed
	// command line out of the buffer before the marker line shows up.
	sightings := s.Watch(marker)
	defer s.Unwatch(sightings)
	if err := s.SendLine(d.Compose(command, marker), settle); err != nil {
		return res, fmt.Errorf("send %q: %w", Truncate(command, warnCommandWidth), err)
	}

	ok, err := s.Poll(ctx, timeout, func() bool {
		if d.detection == DetectLine {
			return findMarkerOnOwnLine(normalize(s.Since(mark)), marker) >= 0
		}
		return sightings.N() >= d.echoCount
	})
	if err != nil {
		return res, fmt.Errorf("wait for %q: %w", Truncate(command, warnCommandWidth), err)
	}

	if !ok {
		res.Duration = clock.Now().Sub(start)
		res.Output = extractOutput(s.Since(mark), marker)
		slog.Warn("no confirmation for command",
			slog.String("command", Truncate(command, warnCommandWidth)),
			slog.Duration("timeout", timeout),
		)
		return res, nil
	}

	// Flush whatever trailed the marker, typically the next prompt.
	if err := s.Drain(); err != nil {
		return res, err
	}
	text := s.Since(mark)
	res.Completed = true
	res.Duration = clock.Now().Sub(start)
	res.Output = extractOutput(text, marker)
	if d.captureExit {
		if code, found := extractExitCode(text, marker); found {
			res.ExitCode = &code
		}
	}
	s.Truncate()

	slog.Debug("command completed",
		slog.String("command", Truncate(command, warnCommandWidth)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// RunAll runs commands in order. Unconfirmed commands do not stop the
// sequence; a channel failure does.
func (d *Driver) RunAll(ctx context.Context, commands []string, timeout time.Duration) ([]Result, error) {
	results := make([]Result, 0, len(commands))
	for _, c := range commands {
		res, err := d.Run(ctx, c, timeout)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// MustRun is Run with an unconfirmed command turned into ErrNotConfirmed.
func (d *Driver) MustRun(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	res, err := d.Run(ctx, command, timeout)
	if err != nil {
		return res, err
	}
	if !res.Completed {
		return res, fmt.Errorf("%w: %s", ErrNotConfirmed, Truncate(command, warnCommandWidth))
	}
	return res, nil
}

// Capture runs command with unconditional sequencing and returns its output.
// The second return value is false when the marker never appeared.
func (d *Driver) Capture(ctx context.Context, command string, timeout time.Duration) (string, bool, error) {
	saved := d.sequencing
	if !d.captureExit {
		d.sequencing = SequenceAlways
	}
	defer func() { d.sequencing = saved }()

	res, err := d.Run(ctx, command, timeout)
	if err != nil {
		return "", false, err
	}
	return res.Output, res.Completed, nil
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "")
}

// findMarkerOnOwnLine returns the index of marker at the start of a line, or
// -1. The echoed command line contains the marker too, but never at its start.
func findMarkerOnOwnLine(output, marker string) int {
	if strings.HasPrefix(output, marker) {
		return 0
	}
	if idx := strings.Index(output, "\n"+marker); idx >= 0 {
		return idx + 1
	}
	return -1
}

// extractOutput returns the text between the echoed command line and the
// marker line, without carriage returns.
func extractOutput(raw, marker string) string {
	text := normalize(raw)
	if end := findMarkerOnOwnLine(text, marker); end >= 0 {
		text = text[:end]
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, marker) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// extractExitCode parses the status echoed as <marker>:<code>.
func extractExitCode(raw, marker string) (int, bool) {
	prefix := marker + ":"
	for _, line := range strings.Split(normalize(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimPrefix(line, prefix)
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if code, err := strconv.Atoi(rest[:end]); err == nil {
			return code, true
		}
	}
	return 0, false
}
