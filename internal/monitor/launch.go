package monitor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Launch starts a detached engine for the app: the control binary
// re-executed with its hidden `monitor <id>` verb, in a fresh session
// with stdio on /dev/null, so it survives the control tool's exit.
// Returns the monitor's pid; the engine itself records that pid in the
// app's pid file.
func Launch(id, workingDirectory string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("cannot locate own binary: %w", err)
	}

	cmd := exec.Command(exe, "monitor", id)
	cmd.Dir = workingDirectory
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("cannot launch monitor: %w", err)
	}
	return cmd.Process.Pid, nil
}
