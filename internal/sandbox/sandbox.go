// Package sandbox confines agent processes and quality-check commands to their workspace.
package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// WrapCommand returns an *exec.Cmd that runs binary with args. If workspace is non-empty and
// bubblewrap (bwrap) is available on Linux, the command runs inside a bubblewrap sandbox where
// the root filesystem is read-only and only workspace (plus a private /tmp) is writable.
// Otherwise the command runs unconfined.
func WrapCommand(ctx context.Context, workspace, binary string, args []string) *exec.Cmd {
	if workspace == "" || runtime.GOOS != "linux" {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	absWS, err := filepath.Abs(workspace)
	if err != nil {
		return exec.CommandContext(ctx, binary, args...)
	}
	bwrapArgs := []string{
		"--ro-bind", "/", "/",
		"--bind", absWS, absWS,
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--die-with-parent",
		"--chdir", absWS,
	}
	// Agent CLIs keep caches under $HOME/.cache.
	if home, err := os.UserHomeDir(); err == nil && home != "" && !within(absWS, home) {
		bwrapArgs = append(bwrapArgs, "--bind-try", filepath.Join(home, ".cache"), filepath.Join(home, ".cache"))
	}
	bwrapArgs = append(bwrapArgs, "--", binary)
	bwrapArgs = append(bwrapArgs, args...)
	return exec.CommandContext(ctx, bwrap, bwrapArgs...)
}

// Available reports whether WrapCommand will actually confine commands on this host.
func Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("bwrap")
	return err == nil
}

// within reports whether path is dir or below it. Both must be absolute and clean.
func within(dir, path string) bool {
	return path == dir || (len(path) > len(dir) && path[:len(dir)] == dir && path[len(dir)] == filepath.Separator)
}
