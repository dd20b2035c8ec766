// Package forkbomb grows the number of live threads without bound.
//
// Every thread runs the same Loop: under the registry lock it logs its own
// thread id, spawns another thread running Loop, records the new handle and
// logs the registry size. Nothing is ever joined or released. Growth stops
// only when thread creation fails, which in an unbounded run means the Go
// runtime aborts the process.
package forkbomb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ErrSpawnRefused is returned once a new thread could not be created
var ErrSpawnRefused = errors.New("thread creation refused")

// Options configures a Bomb
type Options struct {
	// Limit caps the number of spawned threads. 0 means unbounded.
	Limit int
	// PinThreads locks every loop to its own OS thread for its lifetime.
	PinThreads bool
	// Observer, when set, is called under the registry lock after each spawn.
	Observer func(Handle)
}

// Bomb owns the registry and the scheduler that every loop shares
type Bomb struct {
	registry *Registry
	spawner  *Spawner
	opts     Options
	logger   *slog.Logger
}

// New creates a forkbomb with a fresh registry
func New(opts Options) *Bomb {
	return &Bomb{
		registry: NewRegistry(),
		spawner:  NewSpawner(opts.Limit),
		opts:     opts,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger
func (b *Bomb) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// Registry returns the shared thread registry
func (b *Bomb) Registry() *Registry {
	return b.registry
}

// Run executes Loop on the calling goroutine until growth stops, then waits
// for every spawned loop to observe the stop. The returned error wraps
// ErrSpawnRefused when the cap was hit, or is ctx.Err() when cancelled.
func (b *Bomb) Run(ctx context.Context) error {
	if b.opts.PinThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	b.logger.Info("forkbomb starting",
		slog.Int("limit", b.spawner.Limit()),
		slog.Bool("pin_threads", b.opts.PinThreads),
	)

	err := b.loop(ctx, 0)

	// Spawned loops stop on the same terminal error; their copies are dropped.
	_ = b.spawner.Wait() //nolint:errcheck // same error as err

	b.logger.Info("forkbomb stopped",
		slog.Int("threads", b.registry.Len()),
		slog.String("reason", err.Error()),
	)
	return err
}

// Loop is the body of every spawned thread. id names the loop in logs: the
// Seq of the handle that recorded its spawn. The first loop, run by Run, is 0.
func (b *Bomb) Loop(ctx context.Context, id int) error {
	if b.opts.PinThreads {
		// Never unlocked: the thread lives as long as the loop.
		runtime.LockOSThread()
	}
	return b.loop(ctx, id)
}

func (b *Bomb) loop(ctx context.Context, id int) error {
	for {
		if err := b.step(ctx, id); err != nil {
			return err
		}
	}
}

// step performs one log-and-append under the registry lock
func (b *Bomb) step(ctx context.Context, id int) error {
	r := b.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	if err := ctx.Err(); err != nil {
		r.err = err
		return err
	}

	tid := threadID()
	b.logger.Info("thread", slog.Int("loop", id), slog.Int(threadIDKey, tid))

	next := len(r.handles) + 1
	if !b.spawner.Spawn(func() error { return b.Loop(ctx, next) }) {
		r.err = fmt.Errorf("%w after %d threads", ErrSpawnRefused, len(r.handles))
		return r.err
	}

	h := r.append(id, tid)
	b.logger.Info("registry", slog.Int("size", h.Seq))

	if b.opts.Observer != nil {
		b.opts.Observer(h)
	}
	return nil
}
