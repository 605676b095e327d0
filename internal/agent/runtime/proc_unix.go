//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the agent in its own process group so cancellation also stops
// anything it spawned (otherwise a child holding stdout keeps the stream open).
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
