// webbsd drives a FreeBSD guest under QEMU through its serial console.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acolita/webbsd-builder/internal/config"
	"github.com/acolita/webbsd-builder/internal/logging"
	"github.com/acolita/webbsd-builder/internal/machine"
	"github.com/acolita/webbsd-builder/internal/serial"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// shutdownBudget bounds the clean power-off that follows every run, on top of
// the configured exit timeout.
const shutdownBudget = 2 * time.Minute

func main() {
	ctx, stop := interruptContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp(os.Stdout, os.Stderr)).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// interruptContext is cancelled by the first of sigs. Signal handling is
// then given back to the runtime, so a second interrupt kills the process
// even while the guest is being powered off.
func interruptContext(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		select {
		case sig := <-ch:
			signal.Stop(ch)
			slog.Warn("interrupted, powering off; interrupt again to abort", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
		}
	}()
	return ctx, cancel
}

// app holds the flags shared by every subcommand and the settings they
// resolve to.
type app struct {
	configPath string
	varsPath   string
	debug      bool
	transcript bool

	stdout io.Writer
	stderr io.Writer

	cfg  *config.Config
	vars map[string]string

	// open is machine.Open outside tests.
	open func(ctx context.Context, cfg *config.Config, deps machine.Deps) (*machine.Machine, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, open: machine.Open}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "webbsd",
		Short:         "Automate a FreeBSD guest over its serial console",
		Long:          `webbsd boots a FreeBSD disk image under QEMU, logs in on the serial console and runs commands, uploads files or plays scripted installs against it.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default: "+config.DefaultConfigPath()+")")
	pf.StringVar(&a.varsPath, "vars", "", "KEY=VALUE variables file (IMAGE, MEMORY, ROOT_PASSWORD, ...)")
	pf.BoolVar(&a.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&a.transcript, "transcript", true, "copy guest console output to stdout")

	root.AddCommand(
		a.bootCmd(),
		a.execCmd(),
		a.putCmd(),
		a.playCmd(),
		a.keysCmd(),
		versionCmd(a.stdout),
	)
	return root
}

// load resolves configuration from the config file, the vars file and the
// command line, then sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if a.varsPath != "" {
		vars, err := config.LoadVars(a.varsPath)
		if err != nil {
			return err
		}
		if err := cfg.ApplyVars(vars); err != nil {
			return fmt.Errorf("applying %s: %w", a.varsPath, err)
		}
		a.vars = vars
	}

	if a.debug {
		cfg.Logging.Level = "debug"
	}
	if cmd.Flags().Changed("transcript") {
		cfg.Serial.Transcript = a.transcript
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sanitize, a.stderr)
	return nil
}

// session is what a subcommand does once the guest is up.
type session func(ctx context.Context, m *machine.Machine) error

// withMachine starts the guest, logs in and starts the shell, runs fn, then
// powers the guest off. The power-off still happens after fn fails or the run
// is interrupted, unless the console itself is gone.
func (a *app) withMachine(ctx context.Context, fn session) (err error) {
	m, err := a.open(ctx, a.cfg, machine.Deps{Transcript: a.stdout, Stderr: a.stderr})
	if err != nil {
		return err
	}
	slog.Info("machine started",
		slog.String("run_id", m.RunID()),
		slog.String("image", a.cfg.Emulator.Image),
	)
	defer func() {
		err = errors.Join(err, m.Close())
		for name, path := range m.Recordings() {
			slog.Info("recording saved", slog.String("channel", name), slog.String("path", path))
		}
	}()

	// Without a shell there is nothing to power off cleanly; Close kills
	// the emulator.
	if err := a.ready(ctx, m); err != nil {
		return err
	}
	err = fn(ctx, m)
	if errors.Is(err, serial.ErrChannelClosed) || errors.Is(err, machine.ErrEmulatorExited) {
		return err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Guest.ExitTimeout+shutdownBudget)
	defer cancel()
	return errors.Join(err, m.Shutdown(sctx))
}

func (a *app) ready(ctx context.Context, m *machine.Machine) error {
	ok, err := m.WaitForLogin(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no login prompt within %s", a.cfg.Guest.BootTimeout)
	}
	if err := m.Login(ctx, "", ""); err != nil {
		return err
	}
	return m.Shell(ctx, "")
}

func versionCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(w, "webbsd version %s\n", Version)
			fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
		},
	}
}
