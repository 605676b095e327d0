//go:build !windows

package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireLock_secondHolderNamesFirst(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "protected", "daemon.lock")
	l, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	_, err = acquireLock(path)
	if err == nil || !strings.Contains(err.Error(), "pid "+strconv.Itoa(os.Getpid())) {
		t.Fatalf("second acquireLock: %v", err)
	}
	l.release()
	l2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock after release: %v", err)
	}
	l2.release()
}
