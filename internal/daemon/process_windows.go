//go:build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// instanceLock is an exclusively created lock file, removed on release.
type instanceLock struct {
	f    *os.File
	path string
}

func acquireLock(lockFile string) (*instanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("maude is already running (%s exists)", lockFile)
		}
		return nil, err
	}
	return &instanceLock{f: f, path: lockFile}, nil
}

func (l *instanceLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
}

func detach(cmd *exec.Cmd) {}

// processExists cannot probe a pid without x/sys/windows; a stale pid file is caught when the
// client fails to connect.
func processExists(pid int) bool {
	return pid > 0
}

func signalTerm(proc *os.Process) error {
	return proc.Kill()
}
