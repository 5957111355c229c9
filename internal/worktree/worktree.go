// Package worktree provisions isolated git branches and worktrees for
// builders, and links shared untracked configuration into them.
//
// Teardown is deliberately not automatic: worktrees and branches are
// preserved after a builder finishes so its artifacts stay inspectable.
// Callers are expected to run Prune opportunistically (before spawns and
// after cleanup) to clear stale worktree metadata left by crashes or manual
// deletions.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/electricddev/codev-sub000/internal/errors"
)

// Manager handles git worktree operations for one repository.
type Manager struct {
	repoDir string
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. The .git entry can be a directory (normal repo) or a file
// (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no .git found from %s", errors.ErrNotGitRepository, startDir)
		}
		dir = parent
	}
}

// New creates a worktree Manager rooted at the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{repoDir: gitRoot}, nil
}

// RepoDir returns the repository root this manager operates on.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// Create creates branch (if absent) and adds a worktree for it at path.
// An already-existing branch is tolerated: a prior run may have created the
// branch and crashed before the worktree add. A failure of the worktree add
// itself is fatal to the caller's spawn; there is no partial state worth
// proceeding with.
func (m *Manager) Create(branch, path string) error {
	branchCmd := exec.Command("git", "branch", branch)
	branchCmd.Dir = m.repoDir
	if output, err := branchCmd.CombinedOutput(); err != nil {
		if !strings.Contains(string(output), "already exists") {
			return fmt.Errorf("failed to create branch %s: %w\n%s", branch, err, string(output))
		}
	}

	addCmd := exec.Command("git", "worktree", "add", path, branch)
	addCmd.Dir = m.repoDir
	if output, err := addCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to add worktree at %s: %w\n%s", path, err, string(output))
	}
	return nil
}

// LinkSharedConfig symlinks the named untracked config file from the project
// root into the worktree, so edits to the root config are visible inside it.
// A symlink, not a copy. No-op when the root file is missing or the worktree
// already has one. Callers treat failure as non-fatal.
func (m *Manager) LinkSharedConfig(worktreePath, fileName string) error {
	if fileName == "" {
		return nil
	}

	src := filepath.Join(m.repoDir, fileName)
	if _, err := os.Lstat(src); err != nil {
		return nil
	}

	dst := filepath.Join(worktreePath, fileName)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}

	if err := os.Symlink(src, dst); err != nil {
		return fmt.Errorf("failed to link %s into worktree: %w", fileName, err)
	}
	return nil
}

// UncommittedChanges returns the paths with uncommitted changes in a
// worktree, excluding files matching the scaffold ignore globs (the tool's
// own prompt files and state directory are not "real" changes).
func (m *Manager) UncommittedChanges(path string, ignoreGlobs []string) ([]string, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to check status of %s: %w", path, err)
	}

	matchers := make([]glob.Glob, 0, len(ignoreGlobs))
	for _, pattern := range ignoreGlobs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("bad scaffold ignore pattern %q: %w", pattern, err)
		}
		matchers = append(matchers, g)
	}

	var changes []string
	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain format: XY <path>, rename entries are "XY old -> new".
		entry := strings.TrimSpace(line[3:])
		if idx := strings.Index(entry, " -> "); idx >= 0 {
			entry = entry[idx+4:]
		}
		ignored := false
		for _, g := range matchers {
			if g.Match(entry) {
				ignored = true
				break
			}
		}
		if !ignored {
			changes = append(changes, entry)
		}
	}
	return changes, nil
}

// List returns the paths of all worktrees of the repository.
func (m *Manager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}

// Exists reports whether a worktree is registered at path.
func (m *Manager) Exists(path string) bool {
	worktrees, err := m.List()
	if err != nil {
		// Fall back to a directory check; a stale dir still blocks reuse.
		_, statErr := os.Stat(path)
		return statErr == nil
	}
	resolved := resolveOrClean(path)
	for _, wt := range worktrees {
		if resolveOrClean(wt) == resolved {
			return true
		}
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// Prune clears stale worktree metadata left behind by crashes or manual
// deletion of worktree directories. Run before new spawns and after cleanup;
// prevents "can't find worktree" failures on later operations.
func (m *Manager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w\n%s", err, string(output))
	}
	return nil
}

// Remove removes a worktree. Used only by explicit teardown paths, never by
// routine cleanup.
func (m *Manager) Remove(path string) error {
	cmd := exec.Command("git", "worktree", "remove", "--force", path)
	cmd.Dir = m.repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(path)
		_ = m.Prune()
		return fmt.Errorf("failed to remove worktree cleanly: %w\n%s", err, string(output))
	}
	return nil
}

// DeleteBranch force-deletes a branch. Explicit teardown only.
func (m *Manager) DeleteBranch(branch string) error {
	cmd := exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w\n%s", branch, err, string(output))
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = m.repoDir
	return cmd.Run() == nil
}

func resolveOrClean(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
