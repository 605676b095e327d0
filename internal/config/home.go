package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// EnvHome overrides the default home directory.
const EnvHome = "MAUDE_HOME"

type homeKey struct{}

// WithHome stores the maude home path in the context.
func WithHome(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeKey{}, home)
}

// HomeFrom returns the maude home path from the context, if set.
func HomeFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(homeKey{})
	s, ok := v.(string)
	return s, ok
}

// MustHomeFrom returns the home path from the context, or panics if not set.
func MustHomeFrom(ctx context.Context) string {
	if h, ok := HomeFrom(ctx); ok && h != "" {
		return h
	}
	panic("maude home missing from context")
}

// ResolveHome returns the maude home directory (override, MAUDE_HOME, or default ~/.maude).
// A leading ~/ in the override or env value is expanded; the result is absolute.
func ResolveHome(override string) (string, error) {
	dir := override
	if dir == "" {
		dir = os.Getenv(EnvHome)
	}
	if dir == "" {
		dir = "~/.maude"
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		user, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("could not determine user home directory")
		}
		dir = filepath.Join(user, strings.TrimPrefix(dir[1:], "/"))
	}
	return filepath.Abs(dir)
}
