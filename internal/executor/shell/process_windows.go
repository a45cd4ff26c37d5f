//go:build windows
// +build windows

package shell

import (
	"os/exec"
)

func setpgid(cmd *exec.Cmd) {}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}
