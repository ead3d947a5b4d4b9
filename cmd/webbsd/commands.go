package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/acolita/webbsd-builder/internal/expect"
	"github.com/acolita/webbsd-builder/internal/machine"
	"github.com/acolita/webbsd-builder/internal/recovery"
	"github.com/acolita/webbsd-builder/internal/transfer"
)

// ErrCommandFailed is returned by exec when a command did not succeed.
var ErrCommandFailed = errors.New("command failed")

func (a *app) bootCmd() *cobra.Command {
	var hold bool
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the image, log in, then power it off",
		Long:  `Boot the image and log in on the serial console. With --hold the guest keeps running until interrupted, then is powered off cleanly.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMachine(cmd.Context(), func(ctx context.Context, m *machine.Machine) error {
				slog.Info("guest ready", slog.String("run_id", m.RunID()))
				if hold {
					<-ctx.Done()
					slog.Info("interrupted, powering off")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the guest running until interrupted")
	return cmd
}

func (a *app) execCmd() *cobra.Command {
	var (
		timeout   time.Duration
		keepGoing bool
	)
	cmd := &cobra.Command{
		Use:     "exec COMMAND...",
		Short:   "Run shell commands on the guest",
		Long:    `Run each argument as one shell command on the guest, in order. Output is printed unless the console transcript already shows it.`,
		Example: `  webbsd exec 'pkg install -y xorg' 'sysrc dbus_enable=YES'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMachine(cmd.Context(), func(ctx context.Context, m *machine.Machine) error {
				analyzer := recovery.NewAnalyzer()
				var failed []string
				for _, c := range args {
					res, err := m.Run(ctx, c, timeout)
					if err != nil {
						return err
					}
					if !a.cfg.Serial.Transcript && res.Output != "" {
						fmt.Fprintln(a.stdout, res.Output)
					}
					if res.Succeeded() {
						continue
					}
					failed = append(failed, c)
					if res.ExitCode != nil {
						slog.Error("command failed", slog.String("command", c), slog.Int("exit_code", *res.ExitCode))
					} else {
						slog.Error("command not confirmed", slog.String("command", c))
					}
					for _, sg := range analyzer.Analyze(res.Output, true) {
						slog.Info("hint", slog.String("command", c), slog.String("suggestion", sg.String()))
					}
					if !keepGoing {
						break
					}
				}
				if len(failed) > 0 {
					return fmt.Errorf("%w: %s", ErrCommandFailed, strings.Join(failed, "; "))
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "per-command timeout (default: command.timeout)")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "run the remaining commands after a failure")
	return cmd
}

func (a *app) putCmd() *cobra.Command {
	var (
		dir string
		fo  transfer.FileOptions
	)
	cmd := &cobra.Command{
		Use:     "put PATTERN DEST_DIR",
		Short:   "Upload local files to the guest",
		Long:    `Upload every local file matching PATTERN (doublestar syntax, relative to --dir) below DEST_DIR on the guest. Text files are written line by line, anything else base64 encoded.`,
		Example: `  webbsd put 'etc/**/*.conf' /usr/local --dir overlay`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, dest := args[0], args[1]
			return a.withMachine(cmd.Context(), func(ctx context.Context, m *machine.Machine) error {
				reps, err := m.PutFiles(ctx, os.DirFS(dir), pattern, dest, fo)
				var total int64
				for _, r := range reps {
					total += r.Bytes
				}
				slog.Info("upload finished",
					slog.Int("files", len(reps)),
					slog.String("size", humanize.IBytes(uint64(total))),
				)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "local directory PATTERN is relative to")
	cmd.Flags().BoolVarP(&fo.Executable, "executable", "x", false, "chmod +x the uploaded files")
	cmd.Flags().StringVar(&fo.Owner, "owner", "", "chown the uploaded files, e.g. user:user")
	return cmd
}

func (a *app) playCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play PLAYBOOK...",
		Short: "Play expect/send playbooks against the guest",
		Long:  `Load each YAML playbook and play it against the logged-in guest in order. ${NAME} references are filled in from the --vars file.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts := make([]*expect.Script, 0, len(args))
			for _, path := range args {
				s, err := expect.LoadFile(path)
				if err != nil {
					return err
				}
				scripts = append(scripts, s)
			}

			return a.withMachine(cmd.Context(), func(ctx context.Context, m *machine.Machine) error {
				runner := expect.NewRunner(m, expect.WithVars(a.vars))
				for _, s := range scripts {
					state, err := runner.Run(ctx, s)
					for _, r := range state.Steps {
						if !r.Failed {
							continue
						}
						slog.Warn("step failed", slog.String("playbook", s.Name), slog.String("step", r.Name), slog.String("reason", r.Warning))
						for _, h := range r.Hints {
							slog.Info("hint", slog.String("step", r.Name), slog.String("suggestion", h))
						}
					}
					if err != nil {
						return fmt.Errorf("playbook %s: %w", s.Name, err)
					}
					slog.Info("playbook finished",
						slog.String("playbook", s.Name),
						slog.Int("steps", len(state.Steps)),
						slog.Int("warnings", state.Warnings()),
						slog.Duration("duration", state.CompletedAt.Sub(state.StartedAt)),
					)
				}
				return nil
			})
		},
	}
	return cmd
}

func (a *app) keysCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:     "keys [KEY...]",
		Short:   "Press keys on the guest's keyboard through the QEMU monitor",
		Long:    `Press each KEY (QEMU sendkey names such as ctrl-alt-f2 or ret) in order, then type --type text through the keyboard map.`,
		Example: `  webbsd keys ctrl-alt-f2 --type startx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && text == "" {
				return errors.New("nothing to press: give keys or --type")
			}
			if !a.cfg.Monitor.Enabled {
				return machine.ErrNoMonitor
			}
			return a.withMachine(cmd.Context(), func(ctx context.Context, m *machine.Machine) error {
				if len(args) > 0 {
					if err := m.SendKeys(ctx, args...); err != nil {
						return err
					}
				}
				if text != "" {
					return m.TypeText(ctx, text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "type", "", "text to type after the keys")
	return cmd
}
