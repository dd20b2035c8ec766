//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func signalOf(state *os.ProcessState) (string, bool) {
	return "", false
}
