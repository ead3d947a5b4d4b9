// Package machine owns one emulator run: the image lock, the QEMU process,
// its serial console and monitor, and everything layered on them.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/acolita/webbsd-builder/internal/adapters/realclock"
	"github.com/acolita/webbsd-builder/internal/adapters/realnet"
	"github.com/acolita/webbsd-builder/internal/adapters/realrand"
	"github.com/acolita/webbsd-builder/internal/command"
	"github.com/acolita/webbsd-builder/internal/config"
	"github.com/acolita/webbsd-builder/internal/console"
	"github.com/acolita/webbsd-builder/internal/lock"
	"github.com/acolita/webbsd-builder/internal/monitor"
	"github.com/acolita/webbsd-builder/internal/ports"
	"github.com/acolita/webbsd-builder/internal/prompt"
	"github.com/acolita/webbsd-builder/internal/qemu"
	"github.com/acolita/webbsd-builder/internal/recording"
	"github.com/acolita/webbsd-builder/internal/serial"
	"github.com/acolita/webbsd-builder/internal/transfer"
)

var (
	// ErrEmulatorExited is returned when the emulator dies before its
	// consoles could be reached.
	ErrEmulatorExited = errors.New("emulator exited")

	// ErrNoMonitor is returned by monitor operations on a machine started
	// without a monitor.
	ErrNoMonitor = errors.New("monitor not enabled")
)

// Emulator is a running emulator process.
type Emulator interface {
	Console() io.ReadWriteCloser
	Done() <-chan struct{}
	WaitTimeout(d time.Duration) bool
	Terminate(grace time.Duration) error
}

// Launcher starts the emulator for cmd.
type Launcher func(ctx context.Context, cmd *qemu.Command, opts qemu.StartOptions) (Emulator, error)

// Deps are the machine's connections to the outside world. Zero fields use
// the real implementations.
type Deps struct {
	Clock  ports.Clock
	Random ports.Random
	Dialer ports.NetworkDialer
	Launch Launcher
	// Transcript receives guest console output when serial.transcript is on.
	Transcript io.Writer
	// Stderr receives the emulator's error output.
	Stderr io.Writer
}

func (d *Deps) fill() {
	if d.Clock == nil {
		d.Clock = realclock.New()
	}
	if d.Random == nil {
		d.Random = realrand.New()
	}
	if d.Dialer == nil {
		d.Dialer = realnet.NewDialer(5 * time.Second)
	}
	if d.Launch == nil {
		d.Launch = launchProcess
	}
}

func launchProcess(ctx context.Context, cmd *qemu.Command, opts qemu.StartOptions) (Emulator, error) {
	p, err := cmd.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Parts are the connected pieces a Machine is assembled from.
type Parts struct {
	RunID    string
	Lock     *lock.Lock
	Emulator Emulator
	Serial   console.Port
	// Monitor is nil when the monitor is disabled.
	Monitor console.Port
}

// Machine is one running guest. It is not safe for concurrent use, except
// for Close.
type Machine struct {
	cfg   *config.Config
	runID string
	clock ports.Clock

	lock       *lock.Lock
	emu        Emulator
	recordings *recording.Manager
	prompts    *prompt.Detector

	// Console is the guest serial session.
	Console *serial.Session
	// Driver runs confirmed shell commands on Console.
	Driver *command.Driver
	// Uploader writes files through Driver.
	Uploader *transfer.Uploader
	// Monitor is the QEMU monitor client, nil when disabled.
	Monitor *monitor.Client

	closeOnce sync.Once
	closeErr  error
}

// Open locks the image, starts the emulator and connects its consoles.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (_ *Machine, err error) {
	deps.fill()
	parts := Parts{RunID: uuid.NewString()}

	// Undo whatever was set up when a later step fails.
	defer func() {
		if err != nil {
			closeParts(parts, cfg.Emulator.Grace)
		}
	}()

	if cfg.Lock.Enabled {
		l := lock.ForImage(cfg.Emulator.Image)
		if err := l.Acquire(parts.RunID); err != nil {
			return nil, err
		}
		parts.Lock = l
	}

	qc := BuildCommand(cfg)
	// The emulator outlives an interrupt of ctx so the guest can still be
	// powered off cleanly; Close terminates it.
	emu, err := deps.Launch(context.WithoutCancel(ctx), qc, qemu.StartOptions{
		Console: cfg.Emulator.Console != config.ConsoleTCP,
		PTY:     cfg.Emulator.Console == config.ConsolePTY,
		Stderr:  deps.Stderr,
		Grace:   cfg.Emulator.Grace,
	})
	if err != nil {
		return nil, fmt.Errorf("start emulator: %w", err)
	}
	parts.Emulator = emu

	serialCh, monitorCh, err := connect(ctx, cfg, deps, qc, emu)
	if err != nil {
		return nil, err
	}
	parts.Serial = console.NewPump(serialCh)
	if monitorCh != nil {
		parts.Monitor = console.NewPump(monitorCh)
	}

	return New(ctx, cfg, parts, deps)
}

// connect reaches the serial console and monitor concurrently. It gives up
// when the emulator exits or the dial timeout passes.
func connect(ctx context.Context, cfg *config.Config, deps Deps, qc *qemu.Command, emu Emulator) (serialCh, monitorCh io.ReadWriteCloser, err error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.Emulator.DialWait)
	defer cancel()

	exited := make(chan struct{})
	go func() {
		select {
		case <-emu.Done():
			close(exited)
			cancel()
		case <-dctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(dctx)
	if qc.Serial.Kind == qemu.EndpointTCP {
		g.Go(func() error {
			c, err := console.DialTCP(gctx, deps.Dialer, qc.Serial.Address(), cfg.Emulator.DialRetry)
			if err != nil {
				return fmt.Errorf("serial console: %w", err)
			}
			serialCh = c
			return nil
		})
	} else {
		serialCh = emu.Console()
		if serialCh == nil {
			return nil, nil, errors.New("emulator has no console attached")
		}
	}
	if qc.Monitor.Kind == qemu.EndpointTCP {
		g.Go(func() error {
			c, err := console.DialTCP(gctx, deps.Dialer, qc.Monitor.Address(), cfg.Emulator.DialRetry)
			if err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			monitorCh = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, c := range []io.Closer{serialCh, monitorCh} {
			if c != nil {
				_ = c.Close()
			}
		}
		select {
		case <-exited:
			return nil, nil, fmt.Errorf("%w before its consoles came up: %w", ErrEmulatorExited, err)
		default:
		}
		return nil, nil, err
	}
	return serialCh, monitorCh, nil
}

// New assembles a machine from connected parts. On error the parts are left
// to the caller.
func New(ctx context.Context, cfg *config.Config, parts Parts, deps Deps) (*Machine, error) {
	deps.fill()
	if parts.RunID == "" {
		parts.RunID = uuid.NewString()
	}

	m := &Machine{
		cfg:        cfg,
		runID:      parts.RunID,
		clock:      deps.Clock,
		lock:       parts.Lock,
		emu:        parts.Emulator,
		recordings: recording.NewManager(cfg.Recording.Path, "webbsd_"+shortID(parts.RunID), cfg.Recording.Enabled, deps.Clock),
		prompts:    prompt.NewDetector(),
	}
	for _, p := range cfg.Guest.Prompts {
		if err := m.prompts.AddPatternFromConfig(p.Name, p.Regex, p.Type, p.Mask); err != nil {
			return nil, err
		}
	}

	serialOpts := []serial.Option{
		serial.WithClock(deps.Clock),
		serial.WithName("serial"),
		serial.WithPollInterval(cfg.Serial.PollInterval),
		serial.WithWindow(cfg.Serial.Window),
		serial.WithMaxBuffer(cfg.Serial.MaxBuffer),
		serial.WithLineEnding(cfg.Serial.LineEnding),
	}
	if cfg.Serial.Transcript && deps.Transcript != nil {
		serialOpts = append(serialOpts, serial.WithTranscript(deps.Transcript))
	}
	if obs := m.startRecording("serial"); obs != nil {
		serialOpts = append(serialOpts, serial.WithObserver(obs))
	}
	m.Console = serial.New(parts.Serial, serialOpts...)

	m.Driver = command.NewDriver(m.Console,
		command.WithMarkerSource(command.NewMarkerSource(deps.Clock, deps.Random)),
		command.WithSequencing(command.Sequencing(cfg.Command.Sequencing)),
		command.WithDetection(command.Detection(cfg.Command.Detection)),
		command.WithEchoCount(cfg.Command.EchoCount),
		command.WithCaptureExit(cfg.Command.CaptureExit),
		command.WithSettle(cfg.Command.Settle),
		command.WithTimeout(cfg.Command.Timeout),
	)
	m.Uploader = transfer.New(m.Driver, TransferOptions(cfg.Transfer))

	if parts.Monitor != nil {
		monOpts := []serial.Option{
			serial.WithClock(deps.Clock),
			serial.WithName("monitor"),
			serial.WithPollInterval(cfg.Serial.PollInterval),
			serial.WithLineEnding("\r\n"),
		}
		if obs := m.startRecording("monitor"); obs != nil {
			monOpts = append(monOpts, serial.WithObserver(obs))
		}
		m.Monitor = monitor.New(serial.New(parts.Monitor, monOpts...),
			monitor.WithTimeout(cfg.Monitor.Timeout),
			monitor.WithKeyDelay(cfg.Monitor.KeyDelay),
		)
		if err := m.Monitor.WaitReady(ctx); err != nil {
			if errors.Is(err, serial.ErrChannelClosed) || ctx.Err() != nil {
				_ = m.recordings.CloseAll()
				return nil, fmt.Errorf("monitor: %w", err)
			}
			slog.Warn("monitor prompt not seen", slog.String("error", err.Error()))
		}
	}

	slog.Info("machine ready",
		slog.String("run_id", m.runID),
		slog.String("image", cfg.Emulator.Image),
		slog.Bool("monitor", m.Monitor != nil),
	)
	return m, nil
}

func (m *Machine) startRecording(name string) serial.Observer {
	rec, err := m.recordings.Start(name)
	if err != nil {
		slog.Warn("recording disabled", slog.String("console", name), slog.String("error", err.Error()))
		return nil
	}
	if rec == nil {
		return nil
	}
	return rec
}

// RunID identifies this run in logs, the lock file and recordings.
func (m *Machine) RunID() string { return m.runID }

// Config returns the configuration the machine was opened with.
func (m *Machine) Config() *config.Config { return m.cfg }

// Recordings returns the recording files by console name.
func (m *Machine) Recordings() map[string]string { return m.recordings.Paths() }

// Close terminates the emulator, closes both consoles, finishes recordings
// and releases the image lock. It is safe to call more than once and from a
// signal handler goroutine.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if m.emu != nil {
			if err := m.emu.Terminate(m.cfg.Emulator.Grace); err != nil {
				errs = append(errs, err)
			}
		}
		if m.Console != nil {
			if err := m.Console.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if m.Monitor != nil {
			if err := m.Monitor.Session().Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.recordings.CloseAll(); err != nil {
			errs = append(errs, err)
		}
		if m.lock != nil {
			if err := m.lock.Release(); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
		slog.Info("machine closed", slog.String("run_id", m.runID))
	})
	return m.closeErr
}

func closeParts(p Parts, grace time.Duration) {
	if p.Emulator != nil {
		_ = p.Emulator.Terminate(grace)
	}
	for _, c := range []io.Closer{p.Serial, p.Monitor} {
		if c != nil {
			_ = c.Close()
		}
	}
	if p.Lock != nil {
		_ = p.Lock.Release()
	}
}

// BuildCommand translates the emulator settings into a QEMU command.
func BuildCommand(cfg *config.Config) *qemu.Command {
	qc := qemu.NewCommand(cfg.Emulator.Image, cfg.Serial.Port, cfg.Monitor.Port)
	qc.Binary = cfg.Emulator.Binary
	qc.Memory = cfg.Emulator.Memory
	qc.NIC = cfg.Emulator.NIC
	qc.ExtraArgs = cfg.Emulator.ExtraArgs
	qc.Serial.Host = cfg.Serial.Host
	qc.Monitor.Host = cfg.Serial.Host

	if cfg.Emulator.Console != config.ConsoleTCP {
		qc.Serial = qemu.Stdio()
	}
	if !cfg.Monitor.Enabled {
		qc.Monitor = qemu.None()
	}
	return qc
}

// TransferOptions converts the transfer settings.
func TransferOptions(tc config.TransferConfig) transfer.Options {
	return transfer.Options{
		ChunkSize:      tc.ChunkSize,
		ChunkDelay:     tc.ChunkDelay,
		PauseEvery:     tc.PauseEvery,
		Pause:          tc.Pause,
		LongPauseEvery: tc.LongPauseEvery,
		LongPause:      tc.LongPause,
		LineSettle:     tc.LineSettle,
		TempPath:       tc.TempPath,
		DecodeCommand:  tc.DecodeCommand,
		Verify:         tc.Verify,
		CommandTimeout: tc.CommandTimeout,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
