package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"runtime"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kolejka/kolejka/internal/sandbox"
)

type doctorCmdFlags struct {
	jsonOutput bool
}

var doctorFlags doctorCmdFlags

// doctorCmd diagnoses system capabilities
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose system capabilities",
	Long:  `Diagnose which limits can be enforced on contained runs (OS, rlimits, cgroups).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor(cmd.OutOrStdout())
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFlags.jsonOutput, "json", false, "Output in JSON format")
}

func runDoctor(w io.Writer) error {
	info := sandbox.Diagnose()

	if doctorFlags.jsonOutput {
		return outputDoctorJSON(w, &info)
	}
	return outputDoctorText(w, &info)
}

func outputDoctorText(w io.Writer, info *sandbox.DiagnosticInfo) error {
	fmt.Fprintf(w, "kolejka-bombs Diagnostics\n")
	fmt.Fprintf(w, "=========================\n\n")

	fmt.Fprintf(w, "System Information:\n")
	fmt.Fprintf(w, "  OS:          %s\n", info.OS)
	fmt.Fprintf(w, "  Arch:        %s\n", info.Arch)
	fmt.Fprintf(w, "  CPUs:        %d\n", info.NumCPU)
	if info.MemoryTotal > 0 {
		fmt.Fprintf(w, "  Memory:      %s total, %s available\n", formatSize(info.MemoryTotal), formatSize(info.MemoryAvailable))
	}
	if info.Processes > 0 {
		fmt.Fprintf(w, "  Processes:   %d\n", info.Processes)
	}
	fmt.Fprintf(w, "  Go Version:  %s\n", runtime.Version())
	if info.RunningAsRoot {
		fmt.Fprintf(w, "  Running as:  root\n")
	} else {
		fmt.Fprintf(w, "  Running as:  non-root user\n")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Sandbox Capabilities:\n")
	caps := info.Capabilities
	printCapability(w, "CPU Limiting", caps.CPULimit)
	printCapability(w, "Memory Limiting", caps.MemoryLimit)
	printCapability(w, "PID Limiting", caps.PIDLimit)
	printCapability(w, "Cgroups", caps.Cgroups)
	printCapability(w, "Process Group Kill", caps.ProcessGroup)
	fmt.Fprintln(w)

	if info.OS == "linux" {
		fmt.Fprintf(w, "Linux-Specific Information:\n")
		fmt.Fprintf(w, "  Cgroups Version: %s\n", info.CgroupsVersion)
		for _, name := range slices.Sorted(maps.Keys(info.Rlimits)) {
			fmt.Fprintf(w, "  %-15s %s\n", name+":", info.Rlimits[name])
		}
		fmt.Fprintln(w)
	}

	warnings := append(slices.Clone(caps.Warnings), info.Warnings...)
	if len(warnings) > 0 {
		fmt.Fprintf(w, "Warnings:\n")
		for _, warn := range warnings {
			fmt.Fprintf(w, "  [!] %s\n", warn)
		}
		fmt.Fprintln(w)
	}

	if len(info.Recommendations) > 0 {
		fmt.Fprintf(w, "Recommendations:\n")
		for _, r := range info.Recommendations {
			fmt.Fprintf(w, "  [*] %s\n", r)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Summary:\n")
	fmt.Fprintf(w, "  %d/%d features available\n", countEnabledCapabilities(caps), capabilityCount)

	return nil
}

func outputDoctorJSON(w io.Writer, info *sandbox.DiagnosticInfo) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func printCapability(w io.Writer, name string, enabled bool) {
	status := "✗"
	if enabled {
		status = "✓"
	}
	fmt.Fprintf(w, "  [%s] %s\n", status, name)
}

const capabilityCount = 5

func countEnabledCapabilities(caps sandbox.Capabilities) int {
	count := 0
	for _, enabled := range []bool{caps.CPULimit, caps.MemoryLimit, caps.PIDLimit, caps.Cgroups, caps.ProcessGroup} {
		if enabled {
			count++
		}
	}
	return count
}
