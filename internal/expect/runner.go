package expect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/acolita/webbsd-builder/internal/command"
	"github.com/acolita/webbsd-builder/internal/recovery"
	"github.com/acolita/webbsd-builder/internal/transfer"
)

// ErrStepFailed is returned when a fatal step does not succeed.
var ErrStepFailed = errors.New("playbook step failed")

// DefaultTimeout applies when neither the step nor the script sets one.
const DefaultTimeout = 60 * time.Second

// Target is the machine a playbook drives.
type Target interface {
	WaitForAny(ctx context.Context, patterns []string, timeout time.Duration) (string, bool, error)
	Send(text string, secret bool, settle time.Duration) error
	Run(ctx context.Context, cmd string, timeout time.Duration) (command.Result, error)
	WriteText(ctx context.Context, content, dest string, fo transfer.FileOptions) (transfer.Report, error)
	PutFiles(ctx context.Context, fsys fs.FS, pattern, destDir string, fo transfer.FileOptions) ([]transfer.Report, error)
	SendKeys(ctx context.Context, keys ...string) error
	TypeText(ctx context.Context, text string) error
}

// StepResult records what happened to one step.
type StepResult struct {
	Name    string
	Matched string
	Skipped bool
	Failed  bool
	Warning string
	// Hints are recovery suggestions for a failed command.
	Hints    []string
	Reports  []transfer.Report
	Duration time.Duration
}

// RunState tracks the execution of a script.
type RunState struct {
	Script      *Script
	Steps       []StepResult
	Completed   bool
	Aborted     bool
	Error       error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Warnings counts steps that failed without aborting.
func (s *RunState) Warnings() int {
	n := 0
	for _, r := range s.Steps {
		if r.Failed {
			n++
		}
	}
	return n
}

// Runner executes playbooks against a target.
type Runner struct {
	target   Target
	vars     map[string]string
	fsys     fs.FS
	now      func() time.Time
	analyzer *recovery.Analyzer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithVars sets the values substituted for ${NAME} references.
func WithVars(vars map[string]string) RunnerOption {
	return func(r *Runner) { r.vars = vars }
}

// WithFS sets the filesystem uploads read from, overriding the script
// directory.
func WithFS(fsys fs.FS) RunnerOption {
	return func(r *Runner) { r.fsys = fsys }
}

// WithNow sets the time source used for step durations.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner for target.
func NewRunner(target Target, opts ...RunnerOption) *Runner {
	r := &Runner{target: target, now: time.Now, analyzer: recovery.NewAnalyzer()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the script. Non-fatal failures are logged as warnings and
// recorded in the returned state; a fatal one aborts with ErrStepFailed.
// Channel failures and cancellation always abort.
func (r *Runner) Run(ctx context.Context, script *Script) (*RunState, error) {
	state := &RunState{Script: script, StartedAt: r.now()}

	slog.Info("playbook started",
		slog.String("playbook", script.Name),
		slog.Int("steps", len(script.Steps)),
	)

	for i := range script.Steps {
		step := &script.Steps[i]
		res, err := r.runStep(ctx, script, step)
		state.Steps = append(state.Steps, res)

		if err != nil {
			state.Aborted = true
			state.Error = err
			slog.Error("playbook aborted",
				slog.String("playbook", script.Name),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
			return state, err
		}
		if res.Failed {
			if step.Fatal {
				err := fmt.Errorf("%s: %w: %s", step.Name, ErrStepFailed, res.Warning)
				state.Aborted = true
				state.Error = err
				return state, err
			}
			slog.Warn("playbook step failed",
				slog.String("playbook", script.Name),
				slog.String("step", step.Name),
				slog.String("reason", res.Warning),
			)
		}
	}

	state.Completed = true
	state.CompletedAt = r.now()
	slog.Info("playbook completed",
		slog.String("playbook", script.Name),
		slog.Int("warnings", state.Warnings()),
		slog.Duration("duration", state.CompletedAt.Sub(state.StartedAt)),
	)
	return state, nil
}

func (r *Runner) runStep(ctx context.Context, script *Script, step *Step) (res StepResult, err error) {
	start := r.now()
	res.Name = step.Name
	defer func() { res.Duration = r.now().Sub(start) }()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = script.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	slog.Info("step", slog.String("name", step.Name))

	fail := func(format string, args ...any) {
		res.Failed = true
		if res.Warning == "" {
			res.Warning = fmt.Sprintf(format, args...)
		}
	}

	if len(step.Expect) > 0 {
		patterns := make([]string, len(step.Expect))
		for i, p := range step.Expect {
			patterns[i] = r.expand(p)
		}
		matched, ok, err := r.target.WaitForAny(ctx, patterns, timeout)
		if err != nil {
			return res, err
		}
		if !ok {
			if step.Optional {
				res.Skipped = true
				slog.Debug("optional step not matched", slog.String("step", step.Name))
				return res, nil
			}
			fail("none of %q seen within %s", patterns, timeout)
			if step.Fatal {
				return res, nil
			}
		}
		res.Matched = matched
	}

	if step.Send != "" {
		if err := r.target.Send(r.expand(step.Send), step.Secret, step.Settle); err != nil {
			return res, err
		}
	}

	if step.Run != "" {
		result, err := r.target.Run(ctx, r.expand(step.Run), timeout)
		if err != nil {
			return res, err
		}
		if !result.Completed {
			fail("command not confirmed: %s", command.Truncate(result.Command, 70))
		} else if result.ExitCode != nil && *result.ExitCode != 0 {
			fail("command exited %d: %s", *result.ExitCode, command.Truncate(result.Command, 70))
		}
		if !result.Succeeded() {
			for _, sg := range r.analyzer.Analyze(result.Output, true) {
				res.Hints = append(res.Hints, sg.String())
			}
		}
	}

	if w := step.Write; w != nil {
		rep, err := r.target.WriteText(ctx, r.expand(w.Content), r.expand(w.Dest),
			transfer.FileOptions{Executable: w.Executable, Owner: w.Owner})
		res.Reports = append(res.Reports, rep)
		if hard := hardErr(err); hard != nil {
			return res, hard
		}
		switch {
		case err != nil:
			fail("write %s: %v", w.Dest, err)
		case rep.Unconfirmed > 0:
			fail("write %s: %d unconfirmed commands", rep.Dest, rep.Unconfirmed)
		}
	}

	if u := step.Upload; u != nil {
		reps, err := r.target.PutFiles(ctx, r.uploadFS(script), r.expand(u.Src), r.expand(u.Dest),
			transfer.FileOptions{Executable: u.Executable, Owner: u.Owner})
		res.Reports = append(res.Reports, reps...)
		if hard := hardErr(err); hard != nil {
			return res, hard
		}
		switch {
		case err != nil:
			fail("upload %s: %v", u.Src, err)
		case len(reps) == 0:
			fail("upload %s: no files matched", u.Src)
		}
	}

	if len(step.Keys) > 0 {
		if err := r.target.SendKeys(ctx, step.Keys...); err != nil {
			return res, err
		}
	}

	if step.Type != "" {
		if err := r.target.TypeText(ctx, r.expand(step.Type)); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (r *Runner) expand(s string) string { return Expand(s, r.vars) }

func (r *Runner) uploadFS(script *Script) fs.FS {
	if r.fsys != nil {
		return r.fsys
	}
	dir := script.Dir
	if dir == "" {
		dir = "."
	}
	return os.DirFS(dir)
}

// hardErr returns err when it must abort the playbook. Size mismatches are
// reported as step failures instead.
func hardErr(err error) error {
	if err == nil || errors.Is(err, transfer.ErrSizeMismatch) {
		return nil
	}
	return err
}
