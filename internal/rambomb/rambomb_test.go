package rambomb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietBomb(t *testing.T, opts Options) *Bomb {
	t.Helper()
	b, err := New(opts)
	require.NoError(t, err)
	b.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return b
}

func TestBomb_EightMiBCeiling(t *testing.T) {
	var progress []Progress
	b := quietBomb(t, Options{
		Ceiling:  8 * ChunkSize,
		Seed:     1,
		Observer: func(p Progress) { progress = append(progress, p) },
	})

	err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrCeilingReached)

	require.Len(t, progress, 8)
	for i, p := range progress {
		assert.Equal(t, i+1, p.Iteration)
		assert.Equal(t, int64(p.Iteration)*ChunkSize, p.Bytes)
	}
	assert.Equal(t, int64(8*ChunkSize), b.Buffer().Bytes())
}

func TestBomb_LengthIsMultipleOfChunk(t *testing.T) {
	const chunk = 4096
	b := quietBomb(t, Options{ChunkBytes: chunk, Ceiling: 10 * chunk, Seed: 7})

	for i := 1; i <= 10; i++ {
		require.NoError(t, b.Step())
		assert.Equal(t, 0, b.Buffer().Len()%(chunk/elemSize))
		assert.Equal(t, int64(i*chunk), b.Buffer().Bytes())
	}

	err := b.Step()
	require.ErrorIs(t, err, ErrCeilingReached)
	assert.Equal(t, int64(10*chunk), b.Buffer().Bytes(), "failed step must not grow the buffer")
}

func TestBomb_CeilingBelowOneChunk(t *testing.T) {
	b := quietBomb(t, Options{Ceiling: ChunkSize - 1})

	err := b.Run(context.Background())
	require.ErrorIs(t, err, ErrCeilingReached)
	assert.Equal(t, 0, b.Buffer().Len())
}

func TestBomb_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := quietBomb(t, Options{ChunkBytes: 64})
	err := b.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Buffer().Len())
}

func TestBomb_CancelFromObserver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := quietBomb(t, Options{
		ChunkBytes: 1024,
		Observer: func(p Progress) {
			if p.Iteration == 5 {
				cancel()
			}
		},
	})

	err := b.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(5*1024), b.Buffer().Bytes())
}

func TestBomb_LogsProgress(t *testing.T) {
	var buf bytes.Buffer
	b, err := New(Options{ChunkBytes: 1024, Ceiling: 3 * 1024, Seed: 3})
	require.NoError(t, err)
	b.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.ErrorIs(t, b.Run(context.Background()), ErrCeilingReached)

	var iterations []int
	var sizes []int64
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line struct {
			Msg       string `json:"msg"`
			Iteration int    `json:"iteration"`
			Bytes     int64  `json:"bytes"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line.Msg == "grow" {
			iterations = append(iterations, line.Iteration)
			sizes = append(sizes, line.Bytes)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, iterations)
	assert.Equal(t, []int64{1024, 2048, 3072}, sizes)
}

func TestBomb_SameSeedSameData(t *testing.T) {
	a := quietBomb(t, Options{ChunkBytes: 256, Seed: 42})
	b := quietBomb(t, Options{ChunkBytes: 256, Seed: 42})

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Step())
		require.NoError(t, b.Step())
	}
	assert.Equal(t, a.Buffer().data, b.Buffer().data)
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "negative chunk", opts: Options{ChunkBytes: -4}},
		{name: "unaligned chunk", opts: Options{ChunkBytes: 1023}},
		{name: "negative ceiling", opts: Options{Ceiling: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestBuffer_GrowFillsNewSlots(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	var buf Buffer

	buf.Grow(1000, rng)
	require.Equal(t, 1000, buf.Len())
	assert.Equal(t, int64(4000), buf.Bytes())

	nonZero := 0
	for _, v := range buf.data {
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 990)

	first := append([]uint32(nil), buf.data...)
	buf.Grow(10, rng)
	assert.Equal(t, first, buf.data[:1000], "existing values must be preserved")
}

func TestBuffer_SampleComesFromBuffer(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	var buf Buffer
	buf.Grow(16, rng)

	for i := 0; i < 50; i++ {
		assert.Contains(t, buf.data, buf.Sample(rng))
	}
}
