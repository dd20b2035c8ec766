package executor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const defaultSampleInterval = 50 * time.Millisecond

// monitor polls a running bomb and records its peak resident memory and
// thread count.
type monitor struct {
	pid      int32
	interval time.Duration

	mu          sync.Mutex
	peakRSS     uint64
	peakThreads int32
	samples     int
}

func newMonitor(pid int, interval time.Duration) *monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &monitor{pid: int32(pid), interval: interval}
}

// run samples until ctx is done. It returns early if the process is gone.
func (m *monitor) run(ctx context.Context) {
	proc, err := process.NewProcessWithContext(ctx, m.pid)
	if err != nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.sample(ctx, proc)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) sample(ctx context.Context, proc *process.Process) {
	info, memErr := proc.MemoryInfoWithContext(ctx)
	threads, thrErr := proc.NumThreadsWithContext(ctx)
	if memErr != nil && thrErr != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples++
	if memErr == nil && info.RSS > m.peakRSS {
		m.peakRSS = info.RSS
	}
	if thrErr == nil && threads > m.peakThreads {
		m.peakThreads = threads
	}
}

// peaks returns the highest RSS in bytes and thread count seen so far
func (m *monitor) peaks() (rss uint64, threads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakRSS, int(m.peakThreads)
}
