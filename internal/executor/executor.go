package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kolejka/kolejka/internal/audit"
	"github.com/kolejka/kolejka/internal/limits"
	"github.com/kolejka/kolejka/internal/sandbox"
)

// Bomb kinds the runner knows how to launch
const (
	KindForkbomb = "forkbomb"
	KindRambomb  = "rambomb"
)

// Outcomes of a contained run
const (
	OutcomeExhausted = "exhausted" // exit status 2: in-process cap or runtime fatal error
	OutcomeKilled    = "killed"    // terminated by a signal, e.g. the OOM killer
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
)

// exhaustedExitCode is what both the bombs' cap handling and the Go runtime's
// fatal errors ("out of memory", "thread exhaustion") exit with.
const exhaustedExitCode = 2

const defaultTailLines = 20

// Request describes one contained run
type Request struct {
	Kind   string
	Limits limits.Limits
	Args   []string // extra arguments passed to the bomb command
}

// Result describes how a contained run ended
type Result struct {
	RunID    string
	Kind     string
	Pid      int
	Limits   limits.Limits
	ExitCode int // -1 when terminated by a signal or timeout
	Signal   string
	Outcome  string
	Duration time.Duration
	Tail     []string // last lines the bomb wrote to stderr

	// Sampled while the bomb ran; zero if the platform could not be queried.
	PeakRSS     uint64
	PeakThreads int
}

// Runner launches bombs as child processes under a sandbox
type Runner struct {
	binary    string
	sandbox   sandbox.Sandbox
	audit     *audit.Logger
	stdout    io.Writer
	stderr    io.Writer
	tailLines int
	interval  time.Duration
	logger    *slog.Logger
}

// NewRunner creates a runner for the given bomb binary
func NewRunner(binary string, sb sandbox.Sandbox) (*Runner, error) {
	if binary == "" {
		return nil, fmt.Errorf("binary cannot be empty")
	}
	if sb == nil {
		return nil, fmt.Errorf("sandbox cannot be nil")
	}

	return &Runner{
		binary:    binary,
		sandbox:   sb,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		tailLines: defaultTailLines,
		interval:  defaultSampleInterval,
		logger:    slog.Default(),
	}, nil
}

// SetLogger sets the logger
func (r *Runner) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// SetAudit enables audit logging of every run
func (r *Runner) SetAudit(logger *audit.Logger) {
	r.audit = logger
}

// SetOutput redirects the bomb's stdout and stderr
func (r *Runner) SetOutput(stdout, stderr io.Writer) {
	r.stdout = stdout
	r.stderr = stderr
}

// Run starts the bomb, waits for it to end and classifies the outcome.
// An error is returned only when the bomb could not be run at all.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Kind != KindForkbomb && req.Kind != KindRambomb {
		return nil, fmt.Errorf("unknown bomb kind %q", req.Kind)
	}

	l := limits.Validate(req.Limits)
	res := &Result{
		RunID:    uuid.NewString(),
		Kind:     req.Kind,
		Limits:   l,
		ExitCode: -1,
	}

	r.logger.Info("starting contained run",
		slog.String("run_id", res.RunID),
		slog.String("kind", req.Kind),
		slog.String("limits", l.String()),
	)

	runCtx, cancel := context.WithTimeout(ctx, l.Time)
	defer cancel()

	args := append([]string{req.Kind}, req.Args...)
	cmd := exec.CommandContext(runCtx, r.binary, args...)
	tail := newTailBuffer(r.tailLines)
	cmd.Stdout = r.stdout
	cmd.Stderr = io.MultiWriter(r.stderr, tail)
	// Threads of a forkbomb may have forked helpers; take the whole group down.
	var stopped atomic.Bool
	cmd.Cancel = func() error {
		stopped.Store(true)
		return killGroup(cmd)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := r.sandbox.Apply(cmd, &l); err != nil {
		return nil, r.fail(res, fmt.Errorf("failed to apply sandbox: %w", err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, r.fail(res, fmt.Errorf("failed to start bomb: %w", err))
	}
	res.Pid = cmd.Process.Pid
	defer func() {
		if err := r.sandbox.Cleanup(res.Pid); err != nil {
			r.logger.Debug("sandbox cleanup failed", slog.String("error", err.Error()))
		}
	}()

	if err := r.sandbox.PostStart(res.Pid, &l); err != nil {
		_ = killGroup(cmd)
		_ = cmd.Wait()
		return nil, r.fail(res, fmt.Errorf("failed to confine bomb: %w", err))
	}

	r.auditf(func(a *audit.Logger) error {
		return a.LogStart(res.RunID, res.Kind, l.String(), res.Pid)
	})

	mon := newMonitor(res.Pid, r.interval)
	monCtx, stopMonitor := context.WithCancel(ctx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.run(monCtx)
	}()

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	stopMonitor()
	<-monDone
	res.PeakRSS, res.PeakThreads = mon.peaks()
	res.Tail = tail.Lines()
	classify(res, cmd.ProcessState, stopped.Load(), ctx.Err())
	if waitErr != nil && res.Outcome == OutcomeError {
		r.logger.Debug("bomb wait failed", slog.String("error", waitErr.Error()))
	}

	r.logger.Info("contained run finished",
		slog.String("run_id", res.RunID),
		slog.String("outcome", res.Outcome),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Uint64("peak_rss", res.PeakRSS),
		slog.Int("peak_threads", res.PeakThreads),
	)

	r.auditf(func(a *audit.Logger) error {
		return a.LogEnd(res.RunID, res.Kind, res.ExitCode, res.Duration, res.Outcome)
	})

	return res, nil
}

// classify fills in exit code and outcome. An exit status the bomb reached on
// its own wins over the deadline, so a bomb exhausted just as it expired is
// still exhausted. stopped reports that the runner killed the group; parentErr
// tells a cancelled caller apart from a timeout.
func classify(res *Result, state *os.ProcessState, stopped bool, parentErr error) {
	if state != nil && state.Exited() {
		res.ExitCode = state.ExitCode()
		switch res.ExitCode {
		case 0:
			res.Outcome = OutcomeSuccess
		case exhaustedExitCode:
			res.Outcome = OutcomeExhausted
		default:
			res.Outcome = OutcomeError
		}
		return
	}

	switch {
	case stopped && parentErr != nil:
		res.Outcome = OutcomeCancelled
	case stopped:
		res.Outcome = OutcomeTimeout
	case state == nil:
		res.Outcome = OutcomeError
	default:
		if sig, ok := signalOf(state); ok {
			res.Signal = sig
			res.Outcome = OutcomeKilled
			return
		}
		res.Outcome = OutcomeError
	}
}

func (r *Runner) fail(res *Result, err error) error {
	r.auditf(func(a *audit.Logger) error {
		return a.LogError(res.RunID, res.Kind, err.Error())
	})
	return err
}

func (r *Runner) auditf(fn func(*audit.Logger) error) {
	if r.audit == nil {
		return
	}
	if err := fn(r.audit); err != nil {
		r.logger.Warn("failed to write audit event", slog.String("error", err.Error()))
	}
}
