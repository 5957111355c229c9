package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/electricddev/codev-sub000/internal/errors"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init", "-b", "main")
	run(t, dir, "git", "config", "user.email", "test@example.com")
	run(t, dir, "git", "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v failed: %v\n%s", name, args, err, output)
	}
}

func TestFindGitRoot(t *testing.T) {
	repo := initRepo(t)
	nested := filepath.Join(repo, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	root, err := FindGitRoot(nested)
	if err != nil {
		t.Fatalf("FindGitRoot: %v", err)
	}
	if root != repo {
		t.Errorf("root = %q, want %q", root, repo)
	}
}

func TestFindGitRootNotARepo(t *testing.T) {
	_, err := FindGitRoot(t.TempDir())
	if !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("err = %v, want ErrNotGitRepository", err)
	}
}

func TestCreateWorktree(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-feature")
	if err := m.Create("codev/feature", wtPath); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(filepath.Join(wtPath, "README.md")); err != nil {
		t.Errorf("worktree missing checked-out file: %v", err)
	}
	if !m.BranchExists("codev/feature") {
		t.Error("branch codev/feature should exist")
	}
	if !m.Exists(wtPath) {
		t.Error("Exists should report the new worktree")
	}
}

func TestCreateToleratesExistingBranch(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	// Branch left behind by an earlier crashed run.
	run(t, repo, "git", "branch", "codev/retry")

	wtPath := filepath.Join(t.TempDir(), "wt-retry")
	if err := m.Create("codev/retry", wtPath); err != nil {
		t.Fatalf("Create with pre-existing branch: %v", err)
	}
	if _, err := os.Stat(wtPath); err != nil {
		t.Errorf("worktree not created: %v", err)
	}
}

func TestLinkSharedConfig(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(repo, ".env"), []byte("KEY=v\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-env")
	if err := m.Create("codev/env", wtPath); err != nil {
		t.Fatal(err)
	}

	if err := m.LinkSharedConfig(wtPath, ".env"); err != nil {
		t.Fatalf("LinkSharedConfig: %v", err)
	}

	link := filepath.Join(wtPath, ".env")
	info, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("linked file missing: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Error("shared config should be a symlink, not a copy")
	}

	// Idempotent.
	if err := m.LinkSharedConfig(wtPath, ".env"); err != nil {
		t.Errorf("second LinkSharedConfig: %v", err)
	}
}

func TestLinkSharedConfigMissingSource(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-noenv")
	if err := m.Create("codev/noenv", wtPath); err != nil {
		t.Fatal(err)
	}
	if err := m.LinkSharedConfig(wtPath, ".env"); err != nil {
		t.Errorf("missing source should be a no-op, got %v", err)
	}
}

func TestUncommittedChangesFiltersScaffold(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-dirty")
	if err := m.Create("codev/dirty", wtPath); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Join(wtPath, ".codev"), 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite := func(rel, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(wtPath, rel), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite(".codev/role.md", "role")
	mustWrite("task.codev-prompt.md", "prompt")
	mustWrite("real-change.go", "package main")

	ignore := []string{".codev/**", "*.codev-prompt.md"}
	changes, err := m.UncommittedChanges(wtPath, ignore)
	if err != nil {
		t.Fatalf("UncommittedChanges: %v", err)
	}
	if len(changes) != 1 || changes[0] != "real-change.go" {
		t.Errorf("changes = %v, want [real-change.go]", changes)
	}
}

func TestUncommittedChangesIgnoresLinkedSharedConfig(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(repo, ".env"), []byte("KEY=v\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-linked")
	if err := m.Create("codev/linked", wtPath); err != nil {
		t.Fatal(err)
	}
	if err := m.LinkSharedConfig(wtPath, ".env"); err != nil {
		t.Fatal(err)
	}

	// The symlink is an untracked file to git, but it is the tool's own
	// scaffold and must not count as a real change.
	changes, err := m.UncommittedChanges(wtPath, []string{".codev/**", "*.codev-prompt.md", ".env"})
	if err != nil {
		t.Fatalf("UncommittedChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("linked shared config reported as change: %v", changes)
	}
}

func TestUncommittedChangesCleanWorktree(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-clean")
	if err := m.Create("codev/clean", wtPath); err != nil {
		t.Fatal(err)
	}
	changes, err := m.UncommittedChanges(wtPath, []string{".codev/**"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Errorf("clean worktree reported changes: %v", changes)
	}
}

func TestPruneAfterManualDeletion(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-gone")
	if err := m.Create("codev/gone", wtPath); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(wtPath); err != nil {
		t.Fatal(err)
	}

	if err := m.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	worktrees, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, wt := range worktrees {
		if wt == wtPath {
			t.Errorf("pruned worktree still listed: %s", wt)
		}
	}
}

func TestRemoveAndDeleteBranch(t *testing.T) {
	repo := initRepo(t)
	m, err := New(repo)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-remove")
	if err := m.Create("codev/remove", wtPath); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove(wtPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}

	if err := m.DeleteBranch("codev/remove"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if m.BranchExists("codev/remove") {
		t.Error("branch should be deleted")
	}
}
