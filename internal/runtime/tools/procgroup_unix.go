//go:build unix

package tools

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in its own process group and kills the whole
// group on cancellation, so children of bash -c do not outlive the command.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
