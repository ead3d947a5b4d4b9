// Package transfer pushes files to the guest through its serial console:
// text line by line with echo, binaries as paced base64 chunks decoded on the
// guest.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/dustin/go-humanize"

	"github.com/acolita/webbsd-builder/internal/command"
)

// ErrSizeMismatch is returned when the size of the reconstructed file differs
// from the size of the source.
var ErrSizeMismatch = errors.New("transferred file size mismatch")

const (
	DefaultChunkSize      = 76
	DefaultChunkDelay     = 20 * time.Millisecond
	DefaultPauseEvery     = 100
	DefaultPause          = 500 * time.Millisecond
	DefaultLongPauseEvery = 500
	DefaultLongPause      = time.Second
	DefaultLineSettle     = 40 * time.Millisecond
	DefaultTempPath       = "/tmp/xfer.b64"
	DefaultDecodeCommand  = "b64decode -r"
	DefaultCommandTimeout = 60 * time.Second
)

// Options controls pacing and the guest-side commands. The serial line has
// no flow control, so pacing is what keeps the guest's input queue from
// overflowing.
type Options struct {
	ChunkSize      int
	ChunkDelay     time.Duration
	PauseEvery     int
	Pause          time.Duration
	LongPauseEvery int
	LongPause      time.Duration
	LineSettle     time.Duration
	TempPath       string
	DecodeCommand  string
	Verify         bool
	CommandTimeout time.Duration
}

// DefaultOptions returns the pacing that keeps a FreeBSD guest at 115200 baud
// in step.
func DefaultOptions() Options {
	return Options{
		ChunkSize:      DefaultChunkSize,
		ChunkDelay:     DefaultChunkDelay,
		PauseEvery:     DefaultPauseEvery,
		Pause:          DefaultPause,
		LongPauseEvery: DefaultLongPauseEvery,
		LongPause:      DefaultLongPause,
		LineSettle:     DefaultLineSettle,
		TempPath:       DefaultTempPath,
		DecodeCommand:  DefaultDecodeCommand,
		Verify:         true,
		CommandTimeout: DefaultCommandTimeout,
	}
}

// FileOptions describes the destination file.
type FileOptions struct {
	Executable bool
	// Owner is passed to chown when set, e.g. "user:user".
	Owner string
}

// Report summarizes one transfer.
type Report struct {
	Dest       string
	Bytes      int64
	Lines      int
	Chunks     int
	RemoteSize int64
	Verified   bool
	// Unconfirmed counts guest commands whose marker never showed up.
	Unconfirmed int
	Duration    time.Duration
}

// Uploader writes files on the guest through a command driver.
type Uploader struct {
	driver *command.Driver
	opts   Options
}

// New creates an uploader. Zero fields of opts take their defaults.
func New(driver *command.Driver, opts Options) *Uploader {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.PauseEvery <= 0 {
		opts.PauseEvery = def.PauseEvery
	}
	if opts.LongPauseEvery <= 0 {
		opts.LongPauseEvery = def.LongPauseEvery
	}
	if opts.TempPath == "" {
		opts.TempPath = def.TempPath
	}
	if opts.DecodeCommand == "" {
		opts.DecodeCommand = def.DecodeCommand
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	return &Uploader{driver: driver, opts: opts}
}

// Options returns the effective options.
func (u *Uploader) Options() Options { return u.opts }

// WriteText recreates content at dest by appending one printf per line. The
// guest file always ends with a newline. printf is used rather than echo so
// that lines such as "-n" are written verbatim.
func (u *Uploader) WriteText(ctx context.Context, content, dest string, fo FileOptions) (Report, error) {
	clock := u.driver.Session().Clock()
	start := clock.Now()
	lines := splitLines(content)
	qdest := shellescape.Quote(dest)

	rep := Report{Dest: dest, Lines: len(lines)}
	for _, l := range lines {
		rep.Bytes += int64(len(l)) + 1
	}

	slog.Info("writing text file",
		slog.String("dest", dest),
		slog.Int("lines", len(lines)),
		slog.String("size", humanize.Bytes(uint64(rep.Bytes))),
	)

	if err := u.run(ctx, &rep, "rm -f "+qdest); err != nil {
		return rep, err
	}
	if len(lines) == 0 {
		if err := u.run(ctx, &rep, ": > "+qdest); err != nil {
			return rep, err
		}
	}
	for _, l := range lines {
		cmd := "printf '%s\\n' '" + EscapeSingleQuoted(l) + "' >> " + qdest
		res, err := u.driver.RunSettle(ctx, cmd, u.opts.CommandTimeout, u.opts.LineSettle)
		if err != nil {
			return rep, fmt.Errorf("write %s: %w", dest, err)
		}
		if !res.Completed {
			rep.Unconfirmed++
		}
	}

	err := u.finish(ctx, &rep, fo)
	rep.Duration = clock.Now().Sub(start)
	return rep, err
}

// WriteBinary recreates data at dest. The base64 text is appended to a
// temporary file in paced chunks, decoded on the guest and the result's
// size compared with len(data). A mismatch is reported as ErrSizeMismatch
// and not retried.
func (u *Uploader) WriteBinary(ctx context.Context, data []byte, dest string, fo FileOptions) (Report, error) {
	s := u.driver.Session()
	clock := s.Clock()
	start := clock.Now()

	chunks := Chunk(Encode(data), u.opts.ChunkSize)
	tmp := shellescape.Quote(u.opts.TempPath)
	qdest := shellescape.Quote(dest)
	rep := Report{Dest: dest, Bytes: int64(len(data)), Chunks: len(chunks)}

	slog.Info("uploading binary file",
		slog.String("dest", dest),
		slog.String("size", humanize.Bytes(uint64(len(data)))),
		slog.Int("chunks", len(chunks)),
	)

	if err := u.run(ctx, &rep, "rm -f "+tmp); err != nil {
		return rep, err
	}

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		line := "printf '%s\\n' '" + c + "' >> " + tmp
		if err := s.SendLine(line, u.opts.ChunkDelay); err != nil {
			return rep, fmt.Errorf("upload %s: chunk %d: %w", dest, i+1, err)
		}

		n := i + 1
		var pause time.Duration
		switch {
		case n%u.opts.LongPauseEvery == 0:
			pause = u.opts.LongPause
		case n%u.opts.PauseEvery == 0:
			pause = u.opts.Pause
		default:
			continue
		}
		clock.Sleep(pause)
		if err := s.Drain(); err != nil {
			return rep, fmt.Errorf("upload %s: %w", dest, err)
		}
		slog.Info("upload progress",
			slog.String("dest", dest),
			slog.String("progress", fmt.Sprintf("%d/%d", n, len(chunks))),
			slog.String("sent", humanize.Bytes(uint64(min(len(data), n*u.opts.ChunkSize*3/4)))),
		)
	}

	// Let the guest work through its input queue before decoding.
	if err := u.run(ctx, &rep, "sync"); err != nil {
		return rep, err
	}
	if err := u.run(ctx, &rep, u.opts.DecodeCommand+" "+tmp+" > "+qdest); err != nil {
		return rep, err
	}

	err := u.finish(ctx, &rep, fo)
	if rerr := u.run(ctx, &rep, "rm -f "+tmp); rerr != nil && err == nil {
		err = rerr
	}
	rep.Duration = clock.Now().Sub(start)
	return rep, err
}

// finish verifies the size and applies mode and owner.
func (u *Uploader) finish(ctx context.Context, rep *Report, fo FileOptions) error {
	qdest := shellescape.Quote(rep.Dest)

	var verr error
	if u.opts.Verify {
		verr = u.verify(ctx, rep)
		if verr != nil && !errors.Is(verr, ErrSizeMismatch) {
			return verr
		}
	}
	if fo.Executable {
		if err := u.run(ctx, rep, "chmod +x "+qdest); err != nil {
			return err
		}
	}
	if fo.Owner != "" {
		if err := u.run(ctx, rep, "chown "+shellescape.Quote(fo.Owner)+" "+qdest); err != nil {
			return err
		}
	}

	if rep.Unconfirmed > 0 {
		slog.Warn("transfer had unconfirmed commands",
			slog.String("dest", rep.Dest),
			slog.Int("unconfirmed", rep.Unconfirmed),
		)
	}
	return verr
}

func (u *Uploader) verify(ctx context.Context, rep *Report) error {
	out, ok, err := u.driver.Capture(ctx, "wc -c < "+shellescape.Quote(rep.Dest), u.opts.CommandTimeout)
	if err != nil {
		return fmt.Errorf("verify %s: %w", rep.Dest, err)
	}
	size, perr := parseSize(out)
	if !ok || perr != nil {
		slog.Warn("could not read remote file size",
			slog.String("dest", rep.Dest),
			slog.String("output", out),
		)
		rep.Unconfirmed++
		return nil
	}

	rep.RemoteSize = size
	if size != rep.Bytes {
		slog.Error("transferred file size mismatch",
			slog.String("dest", rep.Dest),
			slog.Int64("remote", size),
			slog.Int64("expected", rep.Bytes),
		)
		return fmt.Errorf("%w: %s: remote %d bytes, want %d", ErrSizeMismatch, rep.Dest, size, rep.Bytes)
	}
	rep.Verified = true
	slog.Info("transfer verified",
		slog.String("dest", rep.Dest),
		slog.String("size", humanize.Bytes(uint64(size))),
	)
	return nil
}

func (u *Uploader) run(ctx context.Context, rep *Report, cmd string) error {
	res, err := u.driver.Run(ctx, cmd, u.opts.CommandTimeout)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", rep.Dest, err)
	}
	if !res.Completed {
		rep.Unconfirmed++
	}
	return nil
}

// parseSize reads the byte count printed by wc -c, which pads with spaces.
func parseSize(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, errors.New("empty wc output")
	}
	return strconv.ParseInt(fields[len(fields)-1], 10, 64)
}

func isSoft(err error) bool {
	return errors.Is(err, ErrSizeMismatch)
}
