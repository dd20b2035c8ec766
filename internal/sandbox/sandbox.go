package sandbox

import (
	"os"
	"os/exec"
	"runtime"

	gops "github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/kolejka/kolejka/internal/limits"
)

// Sandbox confines a bomb process to a set of resource limits
type Sandbox interface {
	// Apply prepares cmd before it is started.
	Apply(cmd *exec.Cmd, l *limits.Limits) error

	// PostStart applies restrictions that need the child PID
	// (prlimit, cgroup assignment).
	PostStart(pid int, l *limits.Limits) error

	// Cleanup releases per-process resources such as cgroup directories.
	Cleanup(pid int) error

	// Capabilities returns what this sandbox can enforce
	Capabilities() Capabilities

	// Name returns the sandbox implementation name
	Name() string
}

// Capabilities describes which limits can actually be enforced
type Capabilities struct {
	CPULimit     bool
	MemoryLimit  bool
	PIDLimit     bool
	Cgroups      bool
	ProcessGroup bool // the whole bomb can be killed as one group
	Warnings     []string
}

// New creates a platform-specific sandbox
func New() Sandbox {
	sb := platformNewSandbox()
	if sb != nil {
		return sb
	}
	return &NoOpSandbox{}
}

// platformNewSandbox is replaced by linux.go on Linux
var platformNewSandbox = func() Sandbox {
	return nil
}

// NoOpSandbox enforces nothing; bombs only stop on their in-process caps
type NoOpSandbox struct{}

func (s *NoOpSandbox) Apply(cmd *exec.Cmd, l *limits.Limits) error {
	return nil
}

func (s *NoOpSandbox) PostStart(pid int, l *limits.Limits) error {
	return nil
}

func (s *NoOpSandbox) Cleanup(pid int) error {
	return nil
}

func (s *NoOpSandbox) Capabilities() Capabilities {
	return Capabilities{
		Warnings: []string{"Platform does not support resource limits; only in-process caps apply"},
	}
}

func (s *NoOpSandbox) Name() string {
	return "noop"
}

// DiagnosticInfo contains system information relevant to running bombs
type DiagnosticInfo struct {
	OS              string
	Arch            string
	NumCPU          int
	Capabilities    Capabilities
	RunningAsRoot   bool
	CgroupsVersion  string
	Rlimits         map[string]string // current soft limits of this process
	MemoryTotal     uint64
	MemoryAvailable uint64
	Processes       int // processes visible on the host
	Recommendations []string
	Warnings        []string
}

// Diagnose returns diagnostic information about the current system
func Diagnose() DiagnosticInfo {
	info := DiagnosticInfo{
		OS:     runtime.GOOS,
		Arch:   runtime.GOARCH,
		NumCPU: runtime.NumCPU(),
	}

	info.RunningAsRoot = os.Geteuid() == 0
	info.Capabilities = New().Capabilities()
	info.Rlimits = currentRlimits()

	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryAvailable = vm.Available
	}
	if procs, err := gops.Processes(); err == nil {
		info.Processes = len(procs)
	}

	if runtime.GOOS == "linux" {
		info.CgroupsVersion = detectCgroupsVersion()
		if info.RunningAsRoot {
			info.Warnings = append(info.Warnings,
				"Running as root: RLIMIT_NPROC is not enforced, forkbomb relies on pids.max or --limit",
			)
		}
		if info.CgroupsVersion != "v2" {
			info.Recommendations = append(info.Recommendations,
				"cgroups v2 not available - memory is capped with RLIMIT_DATA, which the OOM killer does not see",
			)
		}
	} else {
		info.Warnings = append(info.Warnings,
			"No OS level limits on this platform - use --ceiling and --limit to bound bombs",
		)
	}

	if info.MemoryAvailable > 0 && uint64(limits.DefaultMemory) > info.MemoryAvailable {
		info.Warnings = append(info.Warnings,
			"Less memory available than the default contained run limit - pass --memory to run",
		)
	}

	if !info.Capabilities.PIDLimit {
		info.Recommendations = append(info.Recommendations,
			"Never run forkbomb without --limit on this system",
		)
	}

	return info
}

// detectCgroupsVersion attempts to detect which cgroups version is available on Linux
func detectCgroupsVersion() string {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err == nil {
		return "v2"
	}
	if _, err := os.Stat("/sys/fs/cgroup/cpu"); err == nil {
		return "v1"
	}
	return "unavailable"
}
