package gitsafety

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// run executes git with args in dir and returns trimmed stdout+stderr.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// HeadSHA returns the commit HEAD points at.
func HeadSHA(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("git rev-parse: empty workspace path")
	}
	return run(ctx, dir, "rev-parse", "HEAD")
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// IsDirty reports uncommitted changes to tracked files. Untracked files are ignored.
func IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := run(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StashCreate records the tracked working tree and index as a dangling stash commit without
// touching either. Returns "" when there is nothing to record.
func StashCreate(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "stash", "create")
}

// ResetHard moves HEAD, index and tracked files to sha. Untracked files are left alone.
func ResetHard(ctx context.Context, dir, sha string) error {
	_, err := run(ctx, dir, "reset", "--hard", sha)
	return err
}

// StashApply reapplies a stash commit on top of the current tree.
func StashApply(ctx context.Context, dir, sha string) error {
	_, err := run(ctx, dir, "stash", "apply", sha)
	return err
}

// CommitAll stages tracked and untracked changes and commits them with msg.
// Returns the new HEAD, or "" when the tree was clean.
func CommitAll(ctx context.Context, dir, msg string) (string, error) {
	if _, err := run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	out, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", nil
	}
	args := append(identityArgs(ctx, dir), "commit", "--no-verify", "-m", msg)
	if _, err := run(ctx, dir, args...); err != nil {
		return "", err
	}
	return HeadSHA(ctx, dir)
}

// identityArgs supplies a committer when the repository has none configured.
func identityArgs(ctx context.Context, dir string) []string {
	var args []string
	if v, err := run(ctx, dir, "config", "user.name"); err != nil || v == "" {
		args = append(args, "-c", "user.name=maude")
	}
	if v, err := run(ctx, dir, "config", "user.email"); err != nil || v == "" {
		args = append(args, "-c", "user.email=maude@localhost")
	}
	return args
}

// RunShell runs a quality check command through sh -c in dir and returns its combined output.
func RunShell(ctx context.Context, dir, command string) (string, error) {
	if dir == "" || command == "" {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", command, err)
	}
	return string(out), nil
}
