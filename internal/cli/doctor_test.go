package cli

import (
	"bytes"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolejka/kolejka/internal/sandbox"
)

func TestDoctor_Text(t *testing.T) {
	stdout, _, err := executeCommand(t, "doctor")
	require.NoError(t, err)

	assert.Contains(t, stdout, "System Information:")
	assert.Contains(t, stdout, "OS:          "+runtime.GOOS)
	assert.Contains(t, stdout, "Sandbox Capabilities:")
	assert.Contains(t, stdout, "Summary:")
	if runtime.GOOS == "linux" {
		assert.Contains(t, stdout, "Cgroups Version:")
		assert.Contains(t, stdout, "nproc:")
	}
}

func TestDoctor_JSON(t *testing.T) {
	stdout, _, err := executeCommand(t, "doctor", "--json")
	require.NoError(t, err)

	var info sandbox.DiagnosticInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Positive(t, info.NumCPU)
}

func TestPrintCapability(t *testing.T) {
	var buf bytes.Buffer
	printCapability(&buf, "Cgroups", true)
	printCapability(&buf, "PID Limiting", false)

	assert.Equal(t, "  [✓] Cgroups\n  [✗] PID Limiting\n", buf.String())
}

func TestCountEnabledCapabilities(t *testing.T) {
	assert.Equal(t, 0, countEnabledCapabilities(sandbox.Capabilities{}))
	assert.Equal(t, capabilityCount, countEnabledCapabilities(sandbox.Capabilities{
		CPULimit:     true,
		MemoryLimit:  true,
		PIDLimit:     true,
		Cgroups:      true,
		ProcessGroup: true,
	}))
	assert.Equal(t, 2, countEnabledCapabilities(sandbox.Capabilities{CPULimit: true, ProcessGroup: true}))
}
