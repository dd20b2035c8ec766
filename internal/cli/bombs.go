package cli

import (
	"fmt"
	"math"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/kolejka/kolejka/internal/forkbomb"
	"github.com/kolejka/kolejka/internal/limits"
	"github.com/kolejka/kolejka/internal/rambomb"
)

type forkbombCmdFlags struct {
	limit        int
	pin          bool
	maxOSThreads int
}

type rambombCmdFlags struct {
	ceiling string
	chunk   string
	seed    uint64
}

var (
	forkbombFlags forkbombCmdFlags
	rambombFlags  rambombCmdFlags
)

// forkbombCmd grows the number of threads in this process
var forkbombCmd = &cobra.Command{
	Use:   "forkbomb",
	Short: "Spawn threads until thread creation fails",
	Long: `Spawn threads recursively, each one logging its thread id and the
registry size, until a new thread cannot be created.
Without --limit this only stops when the OS or the runtime gives up.
Example: kolejka-bombs forkbomb --limit 50`,
	Args: cobra.NoArgs,
	RunE: runForkbomb,
}

// rambombCmd grows a buffer in this process
var rambombCmd = &cobra.Command{
	Use:   "rambomb",
	Short: "Grow a buffer until allocation fails",
	Long: `Grow a buffer by one chunk per iteration, fill it with random values
and log the iteration, size and a sample, until memory runs out.
Without --ceiling this only stops when allocation fails.
Example: kolejka-bombs rambomb --ceiling 8M`,
	Args: cobra.NoArgs,
	RunE: runRambomb,
}

func init() {
	forkbombCmd.Flags().IntVar(&forkbombFlags.limit, "limit", 0, "Stop after this many threads (0 = unbounded)")
	forkbombCmd.Flags().BoolVar(&forkbombFlags.pin, "pin", true, "Lock every loop to its own OS thread")
	forkbombCmd.Flags().IntVar(&forkbombFlags.maxOSThreads, "max-os-threads", 0, "Runtime OS thread limit (0 = runtime default)")

	rambombCmd.Flags().StringVar(&rambombFlags.ceiling, "ceiling", "", "Stop before the buffer exceeds this size, e.g. 8M")
	rambombCmd.Flags().StringVar(&rambombFlags.chunk, "chunk", "", "Growth per iteration, e.g. 1M")
	rambombCmd.Flags().Uint64Var(&rambombFlags.seed, "seed", 0, "Random seed (0 = time based)")
}

func runForkbomb(cmd *cobra.Command, args []string) error {
	opts := forkbomb.Options{
		Limit:      cfg.ThreadLimit,
		PinThreads: cfg.PinThreads,
	}
	maxOSThreads := cfg.MaxOSThreads

	if cmd.Flags().Changed("limit") {
		opts.Limit = forkbombFlags.limit
	}
	if cmd.Flags().Changed("pin") {
		opts.PinThreads = forkbombFlags.pin
	}
	if cmd.Flags().Changed("max-os-threads") {
		maxOSThreads = forkbombFlags.maxOSThreads
	}

	if opts.Limit < 0 {
		return fmt.Errorf("--limit cannot be negative: %d", opts.Limit)
	}
	if maxOSThreads > 0 {
		prev := debug.SetMaxThreads(maxOSThreads)
		defer debug.SetMaxThreads(prev)
	}

	b := forkbomb.New(opts)
	b.SetLogger(logger)
	return b.Run(cmd.Context())
}

func runRambomb(cmd *cobra.Command, args []string) error {
	opts, err := rambombOptions(cmd)
	if err != nil {
		return err
	}

	b, err := rambomb.New(opts)
	if err != nil {
		return err
	}
	b.SetLogger(logger)
	return b.Run(cmd.Context())
}

// rambombOptions merges config and flags
func rambombOptions(cmd *cobra.Command) (rambomb.Options, error) {
	chunkStr := cfg.ChunkSize
	ceilingStr := cfg.MemoryCeiling
	seed := cfg.Seed

	if cmd.Flags().Changed("chunk") {
		chunkStr = rambombFlags.chunk
	}
	if cmd.Flags().Changed("ceiling") {
		ceilingStr = rambombFlags.ceiling
	}
	if cmd.Flags().Changed("seed") {
		seed = rambombFlags.seed
	}

	chunk, err := limits.ParseMemory(chunkStr)
	if err != nil {
		return rambomb.Options{}, fmt.Errorf("invalid chunk size: %w", err)
	}
	if chunk > math.MaxInt32 {
		return rambomb.Options{}, fmt.Errorf("chunk size too large: %s", chunkStr)
	}

	ceiling, err := limits.ParseMemory(ceilingStr)
	if err != nil {
		return rambomb.Options{}, fmt.Errorf("invalid ceiling: %w", err)
	}

	return rambomb.Options{
		ChunkBytes: int(chunk),
		Ceiling:    ceiling,
		Seed:       seed,
	}, nil
}
