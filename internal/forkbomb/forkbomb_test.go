package forkbomb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// registrySizes extracts the logged registry sizes in order
func registrySizes(t *testing.T, buf *bytes.Buffer) []int {
	t.Helper()

	var sizes []int
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var line struct {
			Msg  string `json:"msg"`
			Size int    `json:"size"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line.Msg == "registry" {
			sizes = append(sizes, line.Size)
		}
	}
	require.NoError(t, scanner.Err())
	return sizes
}

func TestBomb_StopsAtThreadCap(t *testing.T) {
	const limit = 50

	var buf bytes.Buffer
	b := New(Options{Limit: limit, PinThreads: true})
	b.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnRefused), "expected ErrSpawnRefused, got %v", err)
	assert.Contains(t, err.Error(), "after 50 threads")

	assert.Equal(t, limit, b.Registry().Len())

	sizes := registrySizes(t, &buf)
	require.Len(t, sizes, limit)
	for i, size := range sizes {
		assert.Equal(t, i+1, size, "logged sizes must increase by one")
	}
}

func TestBomb_HandlesHaveNoGapsOrDuplicates(t *testing.T) {
	b := New(Options{Limit: 25})
	b.SetLogger(discardLogger())

	err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrSpawnRefused)

	handles := b.Registry().Handles()
	require.Len(t, handles, 25)
	for i, h := range handles {
		assert.Equal(t, i+1, h.Seq)
		assert.False(t, h.Spawned.IsZero())
		if i > 0 {
			assert.False(t, h.Spawned.Before(handles[i-1].Spawned))
		}
	}
}

func TestBomb_ThreadLinesNameTheirLoop(t *testing.T) {
	const limit = 30

	var buf bytes.Buffer
	b := New(Options{Limit: limit})
	b.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.ErrorIs(t, b.Run(context.Background()), ErrSpawnRefused)

	loops := make(map[int]bool)
	count := 0
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["msg"] != "thread" {
			continue
		}
		count++
		require.Contains(t, line, threadIDKey)
		require.Contains(t, line, "loop")
		loop := int(line["loop"].(float64))
		assert.GreaterOrEqual(t, loop, 0)
		assert.LessOrEqual(t, loop, limit)
		loops[loop] = true
	}
	require.NoError(t, scanner.Err())

	// One line per accepted spawn plus the refused one.
	assert.Equal(t, limit+1, count)
	assert.True(t, loops[0], "the first loop always logs")

	for _, h := range b.Registry().Handles() {
		assert.Less(t, h.Loop, h.Seq, "a loop can only spawn after it was itself spawned")
	}
}

func TestBomb_ObserverSeesEverySpawn(t *testing.T) {
	var seen []int
	b := New(Options{
		Limit: 10,
		Observer: func(h Handle) {
			seen = append(seen, h.Seq)
		},
	})
	b.SetLogger(discardLogger())

	err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrSpawnRefused)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
}

func TestBomb_CancelStopsGrowth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(Options{
		Observer: func(h Handle) {
			if h.Seq == 20 {
				cancel()
			}
		},
	})
	b.SetLogger(discardLogger())

	err := b.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation is observed under the same lock as the append.
	assert.Equal(t, 20, b.Registry().Len())
	assert.ErrorIs(t, b.Registry().Err(), context.Canceled)
}

func TestBomb_LimitOfOne(t *testing.T) {
	b := New(Options{Limit: 1})
	b.SetLogger(discardLogger())

	err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrSpawnRefused)
	assert.Equal(t, 1, b.Registry().Len())
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Handles())
	assert.NoError(t, r.Err())
}

func TestRegistry_HandlesIsCopy(t *testing.T) {
	r := NewRegistry()
	r.mu.Lock()
	r.append(0, 1)
	r.append(1, 2)
	r.mu.Unlock()

	hs := r.Handles()
	hs[0].Seq = 99

	assert.Equal(t, 1, r.Handles()[0].Seq)
}

func TestSpawner_RefusesAtLimit(t *testing.T) {
	s := NewSpawner(2)
	block := make(chan struct{})

	assert.True(t, s.Spawn(func() error { <-block; return nil }))
	assert.True(t, s.Spawn(func() error { <-block; return nil }))
	assert.False(t, s.Spawn(func() error { return nil }))

	close(block)
	require.NoError(t, s.Wait())
	assert.Equal(t, 2, s.Limit())
}

func TestSpawner_Unbounded(t *testing.T) {
	s := NewSpawner(0)
	for i := 0; i < 100; i++ {
		require.True(t, s.Spawn(func() error { return nil }))
	}
	require.NoError(t, s.Wait())
	assert.Equal(t, 0, s.Limit())
}
