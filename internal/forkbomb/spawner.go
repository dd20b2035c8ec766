package forkbomb

import (
	"golang.org/x/sync/errgroup"
)

// Spawner starts each submitted task on its own goroutine.
// A positive limit caps the number of live tasks and stands in for an
// OS thread quota: once reached, Spawn refuses instead of blocking.
type Spawner struct {
	group errgroup.Group
	limit int
}

// NewSpawner creates a spawner. limit <= 0 means unbounded.
func NewSpawner(limit int) *Spawner {
	s := &Spawner{limit: limit}
	if limit > 0 {
		s.group.SetLimit(limit)
	}
	return s
}

// Spawn submits fn. It reports false when the task could not be started.
func (s *Spawner) Spawn(fn func() error) bool {
	return s.group.TryGo(fn)
}

// Limit returns the configured cap, 0 if unbounded
func (s *Spawner) Limit() int {
	if s.limit < 0 {
		return 0
	}
	return s.limit
}

// Wait blocks until every spawned task returned and reports the first error
func (s *Spawner) Wait() error {
	return s.group.Wait()
}
