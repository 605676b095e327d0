//go:build windows

package runtime

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
