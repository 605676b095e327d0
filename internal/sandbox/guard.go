package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceGuard decides which directories may be handed to an agent as its workspace.
// A workspace must be an existing absolute directory outside the maude home, so an agent can
// never be pointed at the daemon's own database or pid files.
type WorkspaceGuard struct {
	Home string // maude home (e.g. ~/.maude)
}

// Check returns the cleaned absolute workspace path, or an error explaining why it is refused.
func (g WorkspaceGuard) Check(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace path required")
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("workspace path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("workspace path cannot be the filesystem root")
	}
	if home := g.normalizeDir(g.Home); home != "" && (within(home, clean) || within(clean, home)) {
		return "", fmt.Errorf("workspace path overlaps the maude home: %s", clean)
	}
	fi, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("workspace path: %w", err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("workspace path is not a directory: %s", clean)
	}
	return clean, nil
}

func (g WorkspaceGuard) normalizeDir(dir string) string {
	if dir == "" {
		return ""
	}
	clean := filepath.Clean(dir)
	abs, err := filepath.Abs(clean)
	if err != nil {
		return clean
	}
	return abs
}
