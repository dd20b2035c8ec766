package forkbomb

import (
	"sync"
	"time"
)

// Handle records one spawned thread
type Handle struct {
	Seq      int       // 1-based creation order; also the id of the spawned loop
	Loop     int       // loop that performed the spawn, 0 for the first
	ThreadID int       // OS thread (or pid, see threadIDKey) that performed the spawn
	Spawned  time.Time // when the spawn was accepted
}

// Registry is the process-scoped state shared by every loop.
// Entries are appended under mu and never removed.
type Registry struct {
	mu      sync.Mutex
	handles []Handle
	err     error // terminal error, set once; stops all loops
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Len returns the number of threads spawned so far
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Handles returns a copy of the registry contents
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, len(r.handles))
	copy(out, r.handles)
	return out
}

// Err returns the error that stopped growth, if any
func (r *Registry) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// append must be called with mu held
func (r *Registry) append(loop, tid int) Handle {
	h := Handle{
		Seq:      len(r.handles) + 1,
		Loop:     loop,
		ThreadID: tid,
		Spawned:  time.Now(),
	}
	r.handles = append(r.handles, h)
	return h
}
