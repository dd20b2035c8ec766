package executor

import (
	"bytes"
	"sync"
)

// maxPartial bounds a kept line; only its last bytes are retained
const maxPartial = 4 << 10

// tailBuffer is an io.Writer keeping the last n complete lines written to it.
// A trailing partial line is reported as well, truncated to its last
// maxPartial bytes.
type tailBuffer struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.push(string(data[:i]))
		data = data[i+1:]
	}
	if len(data) > maxPartial {
		data = data[len(data)-maxPartial:]
	}
	t.partial = append(t.partial[:0:0], data...)
	return len(p), nil
}

// push must be called with mu held
func (t *tailBuffer) push(line string) {
	if t.n <= 0 {
		return
	}
	if len(line) > maxPartial {
		line = line[len(line)-maxPartial:]
	}
	if len(t.lines) == t.n {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.n-1]
	}
	t.lines = append(t.lines, line)
}

// Lines returns a copy of the retained lines, oldest first
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lines)+1)
	out = append(out, t.lines...)
	if len(t.partial) > 0 && t.n > 0 {
		out = append(out, string(t.partial))
		if len(out) > t.n {
			out = out[1:]
		}
	}
	return out
}
