package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolejka/kolejka/internal/audit"
	"github.com/kolejka/kolejka/internal/executor"
	"github.com/kolejka/kolejka/internal/limits"
	"github.com/kolejka/kolejka/internal/sandbox"
)

// runCmdFlags holds flags for the run command
type runCmdFlags struct {
	memory  string
	pids    int
	cpus    int
	timeout time.Duration
	ceiling string
	limit   int
}

var runFlags runCmdFlags

// runCmd launches a bomb as a contained child process
var runCmd = &cobra.Command{
	Use:   "run <forkbomb|rambomb>",
	Short: "Run a bomb as a contained child process",
	Long: `Run a bomb as a child process under OS limits and a deadline, then
report how it ended: exhausted, killed, timeout, cancelled, success or error.
Example: kolejka-bombs run rambomb --memory 256M --time 30s`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{executor.KindForkbomb, executor.KindRambomb},
	RunE:      runContained,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.memory, "memory", "", "Memory limit, e.g. 512M (overrides config)")
	runCmd.Flags().IntVar(&runFlags.pids, "pids", 0, "Process/thread limit (overrides config)")
	runCmd.Flags().IntVar(&runFlags.cpus, "cpus", 0, "CPU limit (overrides config)")
	runCmd.Flags().DurationVar(&runFlags.timeout, "time", 0, "Wall clock limit, e.g. 30s (overrides config)")
	runCmd.Flags().StringVar(&runFlags.ceiling, "ceiling", "", "In-process memory ceiling passed to rambomb")
	runCmd.Flags().IntVar(&runFlags.limit, "limit", 0, "In-process thread cap passed to forkbomb")
}

func runContained(cmd *cobra.Command, args []string) error {
	kind := args[0]
	if kind != executor.KindForkbomb && kind != executor.KindRambomb {
		return fmt.Errorf("unknown bomb kind %q: expected %s or %s", kind, executor.KindForkbomb, executor.KindRambomb)
	}

	l, err := resolveLimits(cmd)
	if err != nil {
		return err
	}

	childArgs, err := bombArgs(cmd, kind)
	if err != nil {
		return err
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate bomb binary: %w", err)
	}

	sb := sandbox.New()
	if s, ok := sb.(interface{ SetLogger(*slog.Logger) }); ok {
		s.SetLogger(logger)
	}

	runner, err := executor.NewRunner(binary, sb)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	runner.SetLogger(logger)
	runner.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())

	if cfg.AuditEnabled {
		auditLogger, err := audit.NewLogger(cfg.AuditLogFile)
		if err != nil {
			// Continue without audit logging
			logger.Warn("failed to initialize audit logger", slog.String("error", err.Error()))
		} else {
			defer func() {
				_ = auditLogger.Close() //nolint:errcheck // cleanup
			}()
			runner.SetAudit(auditLogger)
		}
	}

	logger.Debug("contained run",
		slog.String("kind", kind),
		slog.String("sandbox", sb.Name()),
		slog.String("args", strings.Join(childArgs, " ")),
	)

	res, err := runner.Run(cmd.Context(), executor.Request{
		Kind:   kind,
		Limits: l,
		Args:   childArgs,
	})
	if err != nil {
		return err
	}

	printRunSummary(cmd.OutOrStdout(), res)

	switch res.Outcome {
	case executor.OutcomeExhausted, executor.OutcomeKilled, executor.OutcomeTimeout, executor.OutcomeSuccess:
		return nil
	case executor.OutcomeCancelled:
		return fmt.Errorf("run %s cancelled", res.RunID)
	default:
		return fmt.Errorf("run %s failed with exit code %d", res.RunID, res.ExitCode)
	}
}

// resolveLimits starts from config and applies the flags that were set
func resolveLimits(cmd *cobra.Command) (limits.Limits, error) {
	l, err := cfg.Limits()
	if err != nil {
		return limits.Limits{}, fmt.Errorf("invalid config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("memory") {
		l.Memory, err = limits.ParseMemory(runFlags.memory)
		if err != nil {
			return limits.Limits{}, fmt.Errorf("invalid --memory: %w", err)
		}
	}
	if flags.Changed("pids") {
		l.PIDs = runFlags.pids
	}
	if flags.Changed("cpus") {
		l.CPUs = runFlags.cpus
	}
	if flags.Changed("time") {
		l.Time = runFlags.timeout
	}

	if l.CPUs < 0 || l.PIDs < 0 || l.Memory < 0 || l.Time < 0 {
		return limits.Limits{}, fmt.Errorf("limits cannot be negative: %s", l)
	}
	return limits.Validate(l), nil
}

// bombArgs builds the child's command line after the bomb kind
func bombArgs(cmd *cobra.Command, kind string) ([]string, error) {
	var out []string
	flags := cmd.Flags()

	switch kind {
	case executor.KindRambomb:
		if flags.Changed("limit") {
			return nil, fmt.Errorf("--limit only applies to forkbomb")
		}
		if flags.Changed("ceiling") {
			if _, err := limits.ParseMemory(runFlags.ceiling); err != nil {
				return nil, fmt.Errorf("invalid --ceiling: %w", err)
			}
			out = append(out, "--ceiling", runFlags.ceiling)
		}
	case executor.KindForkbomb:
		if flags.Changed("ceiling") {
			return nil, fmt.Errorf("--ceiling only applies to rambomb")
		}
		if flags.Changed("limit") {
			if runFlags.limit < 0 {
				return nil, fmt.Errorf("--limit cannot be negative: %d", runFlags.limit)
			}
			out = append(out, "--limit", strconv.Itoa(runFlags.limit))
		}
	}

	if logFormat != "" {
		out = append(out, "--log-format", logFormat)
	}
	if verbose {
		out = append(out, "--verbose")
	}
	return out, nil
}

func printRunSummary(w io.Writer, res *executor.Result) {
	fmt.Fprintf(w, "\nRun %s\n", res.RunID)
	fmt.Fprintf(w, "  Kind:      %s\n", res.Kind)
	fmt.Fprintf(w, "  Limits:    %s\n", res.Limits)
	fmt.Fprintf(w, "  PID:       %d\n", res.Pid)
	fmt.Fprintf(w, "  Outcome:   %s\n", res.Outcome)
	if res.Signal != "" {
		fmt.Fprintf(w, "  Signal:    %s\n", res.Signal)
	} else if res.ExitCode >= 0 {
		fmt.Fprintf(w, "  Exit code: %d\n", res.ExitCode)
	}
	fmt.Fprintf(w, "  Duration:  %s\n", res.Duration.Round(time.Millisecond))
	if res.PeakRSS > 0 {
		fmt.Fprintf(w, "  Peak RSS:  %s\n", formatSize(res.PeakRSS))
	}
	if res.PeakThreads > 0 {
		fmt.Fprintf(w, "  Threads:   %d (peak)\n", res.PeakThreads)
	}
}

// formatSize formats a byte size into a human-readable string
func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.2f %s", float64(bytes)/float64(div), units[exp])
}
