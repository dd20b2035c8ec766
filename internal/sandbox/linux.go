//go:build linux

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kolejka/kolejka/internal/limits"
)

func init() {
	platformNewSandbox = func() Sandbox {
		return newLinuxSandbox()
	}
}

// LinuxSandbox limits a bomb with rlimits and, when writable, a cgroup v2
// of its own. Rlimits are mandatory; cgroups are best effort.
type LinuxSandbox struct {
	useCgroupsV2   bool
	cgroupPath     string // cgroup v2 mountpoint
	mu             sync.Mutex
	trackedCgroups map[int]string // pid -> cgroup path for cleanup
	logger         *slog.Logger
}

func newLinuxSandbox() *LinuxSandbox {
	ls := &LinuxSandbox{
		cgroupPath:     "/sys/fs/cgroup",
		trackedCgroups: make(map[int]string),
		logger:         slog.Default(),
	}

	if _, err := os.Stat(filepath.Join(ls.cgroupPath, "cgroup.controllers")); err == nil {
		ls.useCgroupsV2 = true
		ls.logger.Debug("cgroups v2 detected and available")
	} else {
		ls.logger.Debug("cgroups v2 not available - limits will use rlimits only")
	}

	return ls
}

// SetLogger sets the logger
func (s *LinuxSandbox) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Apply puts the child in its own process group and ties its lifetime to
// the launching thread.
func (s *LinuxSandbox) Apply(cmd *exec.Cmd, l *limits.Limits) error {
	if cmd == nil || l == nil {
		return fmt.Errorf("command and limits cannot be nil")
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL

	return nil
}

// PostStart assigns the child to a cgroup when one can be created, then
// applies rlimits via prlimit(2) for whatever the cgroup did not cover.
func (s *LinuxSandbox) PostStart(pid int, l *limits.Limits) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if l == nil {
		return fmt.Errorf("limits cannot be nil")
	}

	var applied cgroupLimits
	if s.useCgroupsV2 {
		var err error
		applied, err = s.applyCgroupsV2(pid, l)
		if err != nil {
			s.logger.Warn("cgroups v2 unavailable for this run, falling back to rlimits",
				slog.Int("pid", pid),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.applyPrlimits(pid, l, applied); err != nil {
		return fmt.Errorf("failed to apply rlimits: %w", err)
	}
	return nil
}

// applyPrlimits sets the child's rlimits. Memory goes through RLIMIT_DATA
// whenever memory.max was not written for this child.
func (s *LinuxSandbox) applyPrlimits(pid int, l *limits.Limits, applied cgroupLimits) error {
	if l.CPUs > 0 && l.Time > 0 {
		cpuSeconds := uint64(l.Time.Seconds() * float64(l.CPUs))
		if cpuSeconds < 1 {
			cpuSeconds = 1
		}
		if err := prlimit(pid, unix.RLIMIT_CPU, cpuSeconds); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
		s.logger.Debug("RLIMIT_CPU set via prlimit", slog.Uint64("seconds", cpuSeconds))
	}

	if l.PIDs > 0 {
		if err := prlimit(pid, unix.RLIMIT_NPROC, uint64(l.PIDs)); err != nil {
			return fmt.Errorf("RLIMIT_NPROC: %w", err)
		}
		s.logger.Debug("RLIMIT_NPROC set via prlimit", slog.Int("count", l.PIDs))
		if !applied.pids && os.Geteuid() == 0 {
			s.logger.Warn("running as root without pids.max: thread count is not limited",
				slog.Int("pid", pid),
				slog.Int("pids", l.PIDs),
			)
		}
	}

	if l.Memory > 0 && !applied.memory {
		if err := prlimit(pid, unix.RLIMIT_DATA, uint64(l.Memory)); err != nil {
			return fmt.Errorf("RLIMIT_DATA: %w", err)
		}
		s.logger.Debug("RLIMIT_DATA set via prlimit", slog.Int64("bytes", l.Memory))
	}

	return nil
}

func prlimit(pid, resource int, value uint64) error {
	rlim := unix.Rlimit{Cur: value, Max: value}
	return unix.Prlimit(pid, resource, &rlim, nil)
}

// cgroupLimits records which limits a child's cgroup actually carries
type cgroupLimits struct {
	memory bool
	pids   bool
}

// applyCgroupsV2 creates kolejka-bomb-<pid>, writes the limits and moves the
// child in. Individual limit writes are best effort; the result reports the
// ones that took. Nothing is reported when the child never joins the group.
func (s *LinuxSandbox) applyCgroupsV2(pid int, l *limits.Limits) (cgroupLimits, error) {
	cgroupPath := filepath.Join(s.cgroupPath, fmt.Sprintf("kolejka-bomb-%d", pid))

	if err := os.Mkdir(cgroupPath, 0o755); err != nil {
		return cgroupLimits{}, fmt.Errorf("cannot create cgroup directory (may require elevated privileges): %w", err)
	}

	// Limits go in before the process so it never runs unconstrained inside the group.
	var applied cgroupLimits
	if l.Memory > 0 {
		applied.memory = s.writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(l.Memory, 10))
		s.writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	if l.PIDs > 0 {
		applied.pids = s.writeCgroupValue(cgroupPath, "pids.max", strconv.Itoa(l.PIDs))
	}
	if l.CPUs > 0 {
		period := int64(100000) // 100ms standard period
		s.writeCgroupValue(cgroupPath, "cpu.max", fmt.Sprintf("%d %d", int64(l.CPUs)*period, period))
	}

	if err := os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = os.Remove(cgroupPath)
		return cgroupLimits{}, fmt.Errorf("cannot add process to cgroup: %w", err)
	}

	s.mu.Lock()
	s.trackedCgroups[pid] = cgroupPath
	s.mu.Unlock()

	s.logger.Debug("cgroups v2 applied",
		slog.Int("pid", pid),
		slog.String("path", cgroupPath),
		slog.Bool("memory", applied.memory),
		slog.Bool("pids", applied.pids),
	)
	return applied, nil
}

// writeCgroupValue reports whether the value was written
func (s *LinuxSandbox) writeCgroupValue(cgroupPath, file, value string) bool {
	if err := os.WriteFile(filepath.Join(cgroupPath, file), []byte(value), 0o644); err != nil {
		s.logger.Warn("failed to set cgroup value",
			slog.String("file", file),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.logger.Debug("cgroup value set", slog.String("file", file), slog.String("value", value))
	return true
}

// Cleanup removes the cgroup created for pid, if any
func (s *LinuxSandbox) Cleanup(pid int) error {
	s.mu.Lock()
	cgroupPath, exists := s.trackedCgroups[pid]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.trackedCgroups, pid)
	s.mu.Unlock()

	// A cgroup directory can only be removed with rmdir, and only once empty.
	if err := os.Remove(cgroupPath); err != nil {
		s.logger.Debug("failed to cleanup cgroup", slog.String("path", cgroupPath), slog.String("error", err.Error()))
		return nil
	}

	s.logger.Debug("cgroup cleaned up", slog.String("path", cgroupPath))
	return nil
}

// Capabilities reports what this host can enforce. Cgroups count only when
// the hierarchy is writable by this process.
func (s *LinuxSandbox) Capabilities() Capabilities {
	root := os.Geteuid() == 0
	usable := s.cgroupsUsable()
	controllers := s.subtreeControllers()
	pidsMax := usable && controllers["pids"]

	caps := Capabilities{
		CPULimit:     true, // RLIMIT_CPU
		MemoryLimit:  true, // memory.max or RLIMIT_DATA
		PIDLimit:     !root || pidsMax,
		Cgroups:      usable,
		ProcessGroup: true,
	}

	switch {
	case !s.useCgroupsV2:
		caps.Warnings = append(caps.Warnings,
			"[DEGRADED] cgroups v2 not available - memory limited with RLIMIT_DATA only",
		)
	case !usable:
		caps.Warnings = append(caps.Warnings,
			fmt.Sprintf("[DEGRADED] %s is not writable - memory limited with RLIMIT_DATA only", s.cgroupPath),
		)
	case !controllers["memory"]:
		caps.Warnings = append(caps.Warnings,
			"[DEGRADED] memory controller not delegated - memory limited with RLIMIT_DATA only",
		)
	}
	if root && !pidsMax {
		caps.Warnings = append(caps.Warnings,
			"[DEGRADED] root ignores RLIMIT_NPROC and no pids.max is available",
		)
	}

	return caps
}

// cgroupsUsable reports whether a child cgroup can be created here
func (s *LinuxSandbox) cgroupsUsable() bool {
	return s.useCgroupsV2 && unix.Access(s.cgroupPath, unix.W_OK) == nil
}

// subtreeControllers lists the controllers enabled for child cgroups
func (s *LinuxSandbox) subtreeControllers() map[string]bool {
	out := make(map[string]bool)
	data, err := os.ReadFile(filepath.Join(s.cgroupPath, "cgroup.subtree_control"))
	if err != nil {
		return out
	}
	for _, name := range strings.Fields(string(data)) {
		out[name] = true
	}
	return out
}

// Name returns the sandbox implementation name
func (s *LinuxSandbox) Name() string {
	return "linux"
}

// rlimInfinity is RLIM_INFINITY as returned by the 64-bit rlimit syscalls
const rlimInfinity = ^uint64(0)

// currentRlimits reports the soft limits relevant to the bombs
func currentRlimits() map[string]string {
	out := make(map[string]string)
	for name, res := range map[string]int{
		"nproc": unix.RLIMIT_NPROC,
		"data":  unix.RLIMIT_DATA,
		"as":    unix.RLIMIT_AS,
		"cpu":   unix.RLIMIT_CPU,
	} {
		var rlim unix.Rlimit
		if err := unix.Getrlimit(res, &rlim); err != nil {
			out[name] = "unknown"
			continue
		}
		if rlim.Cur == rlimInfinity {
			out[name] = "unlimited"
			continue
		}
		if name == "data" || name == "as" {
			out[name] = limits.FormatMemory(int64(rlim.Cur))
			continue
		}
		out[name] = strconv.FormatUint(rlim.Cur, 10)
	}
	return out
}
