package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kolejka/kolejka/internal/config"
	"github.com/kolejka/kolejka/internal/forkbomb"
	"github.com/kolejka/kolejka/internal/rambomb"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"

	// Global flags
	verbose   bool
	logFormat string

	// Global config
	cfg    *config.Config
	logger = slog.Default()
)

// exhaustedExitCode is shared with the Go runtime's fatal error exit status
const exhaustedExitCode = 2

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kolejka-bombs",
	Short: "Resource exhaustion probes for sandbox testing",
	Long: `kolejka-bombs grows threads or memory until the system refuses.
Run a bomb directly to probe the current limits, or use "run" to launch it
as a contained child process under rlimits, cgroups and a deadline.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if verbose {
			cfg.LogLevel = "debug"
		}
		if logFormat != "" {
			cfg.LogFormat = logFormat
		}

		logger = createLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to a process exit status.
// A bomb stopped by its in-process cap exits like the runtime does when it
// runs out of threads or memory.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, forkbomb.ErrSpawnRefused), errors.Is(err, rambomb.ErrCeilingReached):
		return exhaustedExitCode
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("kolejka-bombs version %s\ncommit: %s\nbuilt: %s\n", Version, GitCommit, BuildDate))

	rootCmd.AddCommand(forkbombCmd)
	rootCmd.AddCommand(rambombCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
}

// createLogger creates a structured logger with the specified level and format
func createLogger(level, format string, w io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
