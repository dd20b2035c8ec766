// Package rambomb grows a single buffer one chunk at a time, filling each
// chunk with random data, until memory runs out.
package rambomb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrCeilingReached is returned when the next chunk would exceed the ceiling
var ErrCeilingReached = errors.New("memory ceiling reached")

// Progress describes one completed growth iteration
type Progress struct {
	Iteration int
	Bytes     int64
	Sample    uint32
}

// Options configures a Bomb
type Options struct {
	// ChunkBytes is the growth step, ChunkSize if zero. Must be a multiple of 4.
	ChunkBytes int
	// Ceiling caps the buffer size in bytes. 0 means unbounded.
	Ceiling int64
	// Seed for the value generator. 0 picks a time based seed.
	Seed uint64
	// Observer, when set, is called after every iteration.
	Observer func(Progress)
}

// Bomb owns the growing buffer
type Bomb struct {
	buf       Buffer
	chunk     int // elements per chunk
	opts      Options
	rng       *rand.Rand
	iteration int
	logger    *slog.Logger
}

// New creates a rambomb
func New(opts Options) (*Bomb, error) {
	if opts.ChunkBytes == 0 {
		opts.ChunkBytes = ChunkSize
	}
	if opts.ChunkBytes < 0 || opts.ChunkBytes%elemSize != 0 {
		return nil, fmt.Errorf("chunk size must be a positive multiple of %d bytes, got %d", elemSize, opts.ChunkBytes)
	}
	if opts.Ceiling < 0 {
		return nil, fmt.Errorf("ceiling cannot be negative: %d", opts.Ceiling)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Bomb{
		chunk:  opts.ChunkBytes / elemSize,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger: slog.Default(),
	}, nil
}

// SetLogger sets the logger
func (b *Bomb) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// Buffer returns the buffer being grown
func (b *Bomb) Buffer() *Buffer {
	return &b.buf
}

// Run grows the buffer until the ceiling is hit or ctx is cancelled. With no
// ceiling it only ends when the runtime fails to allocate.
func (b *Bomb) Run(ctx context.Context) error {
	b.logger.Info("rambomb starting",
		slog.Int("chunk_bytes", b.opts.ChunkBytes),
		slog.Int64("ceiling", b.opts.Ceiling),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Step(); err != nil {
			b.logger.Info("rambomb stopped",
				slog.Int("iterations", b.iteration),
				slog.Int64("bytes", b.buf.Bytes()),
				slog.String("reason", err.Error()),
			)
			return err
		}
	}
}

// Step performs a single growth iteration
func (b *Bomb) Step() error {
	next := b.buf.Bytes() + int64(b.chunk)*elemSize
	if b.opts.Ceiling > 0 && next > b.opts.Ceiling {
		return fmt.Errorf("%w: %d bytes allocated, next chunk needs %d of %d",
			ErrCeilingReached, b.buf.Bytes(), next, b.opts.Ceiling)
	}

	b.buf.Grow(b.chunk, b.rng)
	b.iteration++

	p := Progress{
		Iteration: b.iteration,
		Bytes:     b.buf.Bytes(),
		Sample:    b.buf.Sample(b.rng),
	}
	b.logger.Info("grow",
		slog.Int("iteration", p.Iteration),
		slog.String("size", fmt.Sprintf("%dM", p.Bytes>>20)),
		slog.Int64("bytes", p.Bytes),
		slog.Uint64("sample", uint64(p.Sample)),
	)

	if b.opts.Observer != nil {
		b.opts.Observer(p)
	}
	return nil
}
