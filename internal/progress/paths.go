package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// WorkspaceKey returns a stable directory-safe key for a workspace path.
func WorkspaceKey(workspacePath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(workspacePath)))
	return hex.EncodeToString(sum[:8])
}

// WorkspaceDir returns <home>/workspaces/<key>/.
func WorkspaceDir(home, workspacePath string) string {
	return filepath.Join(home, "workspaces", WorkspaceKey(workspacePath))
}

// JournalPath returns the progress journal of a workspace: <home>/workspaces/<key>/progress.md.
func JournalPath(home, workspacePath string) string {
	return filepath.Join(WorkspaceDir(home, workspacePath), "progress.md")
}
