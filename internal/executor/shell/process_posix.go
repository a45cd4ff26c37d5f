//go:build !windows
// +build !windows

package shell

import (
	"os/exec"
	"syscall"
)

// commands are started in their own process group, so children spawned by
// the shell are killed too
func setpgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
