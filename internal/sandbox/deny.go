package sandbox

import (
	"fmt"
	"strings"
)

// shellDenyList contains substrings that must not appear in quality-check command lines.
// Checks run unattended after every attempt, so anything destructive is rejected up front.
var shellDenyList = []string{
	"sqlite3",
	"DROP TABLE",
	"DELETE FROM",
	"rm -rf .git",
	"rm -rf ~",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	"sudo ",
	":(){ :|:& };:", // fork bomb
}

// disallowedGitCommands are git command prefixes that checks must not run. History and
// working-tree state belong to the loop (snapshots, auto-commit, rollback).
var disallowedGitCommands = []string{
	"git rebase",
	"git merge",
	"git pull",
	"git push",
	"git fetch",
	"git checkout",
	"git switch",
	"git reset",
	"git stash",
	"git clean",
	"git commit",
	"git worktree",
	"git branch ",
	"git branch -",
	"git remote",
	"git filter-branch",
	"git reflog expire",
}

// BlockedShellCommand returns true if the command line contains any denied substring or runs
// a disallowed git command in any of its `&&`, `||` or `;` separated parts. Matching is
// case-insensitive.
func BlockedShellCommand(cmdLine string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, deny := range shellDenyList {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return true
		}
	}
	for _, part := range splitCommands(lower) {
		fields := strings.Fields(part)
		if len(fields) > 1 && fields[0] == "git" && BlockedGitCommand(fields[1:]) {
			return true
		}
	}
	return false
}

// BlockedGitCommand returns true if the given git arguments (after "git" in argv) represent a
// disallowed git command.
func BlockedGitCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	cmdLine := "git " + strings.TrimSpace(strings.Join(args, " "))
	lower := strings.ToLower(cmdLine)
	for _, dis := range disallowedGitCommands {
		if strings.HasPrefix(lower, strings.ToLower(dis)) {
			return true
		}
	}
	return false
}

// ScreenCommand returns an error naming the command if it is blocked.
func ScreenCommand(name, cmdLine string) error {
	if strings.TrimSpace(cmdLine) == "" {
		return fmt.Errorf("quality check %q: empty command", name)
	}
	if BlockedShellCommand(cmdLine) {
		return fmt.Errorf("quality check %q: command is not allowed: %s", name, cmdLine)
	}
	return nil
}

func splitCommands(cmdLine string) []string {
	r := strings.NewReplacer("&&", ";", "||", ";", "\n", ";")
	return strings.Split(r.Replace(cmdLine), ";")
}
