package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/issue"
	"github.com/electricddev/codev-sub000/internal/logging"
	"github.com/electricddev/codev-sub000/internal/ports"
	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/worktree"
)

type spawnedSession struct {
	name    string
	cwd     string
	port    int
	command []string
}

type fakeSessions struct {
	spawned  []spawnedSession
	killed   []string
	spawnErr error
}

func (f *fakeSessions) Socket() string { return "codev-test" }

func (f *fakeSessions) SpawnSession(name, cwd string, port int, command ...string) (int, error) {
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.spawned = append(f.spawned, spawnedSession{name, cwd, port, command})
	return os.Getpid(), nil
}

func (f *fakeSessions) KillGracefully(pid int, session string) {
	f.killed = append(f.killed, session)
}

type fakeIssues struct {
	issue     *issue.Issue
	fetchErr  error
	prs       []issue.PR
	searchErr error
	acked     []int
	fetched   int
}

func (f *fakeIssues) Fetch(number int) (*issue.Issue, error) {
	f.fetched++
	return f.issue, f.fetchErr
}

func (f *fakeIssues) SearchPRs(number int) ([]issue.PR, error) {
	return f.prs, f.searchErr
}

func (f *fakeIssues) Ack(number int, builderID string) error {
	f.acked = append(f.acked, number)
	return nil
}

func testCfg() *config.Config {
	return &config.Config{
		Branch: config.BranchConfig{Prefix: "codev"},
		Agent: config.AgentConfig{
			Command:          "claude",
			RoleFile:         ".codev/role.md",
			SharedConfigFile: ".env",
		},
		Session: config.SessionConfig{GracefulStopMs: 100, ReadyTimeoutMs: 200},
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, output)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "initial"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, output)
		}
	}
	return dir
}

func testSpawner(t *testing.T) (*Spawner, *fakeSessions, *fakeIssues, *state.Store, string) {
	t.Helper()
	root := initRepo(t)
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	trees, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}

	sessions := &fakeSessions{}
	issues := &fakeIssues{}
	block := &ports.Block{BasePort: 14000}
	s := New(root, testCfg(), store, sessions, trees, issues, block, logging.NopLogger())
	s.probe = func(int) bool { return false }
	return s, sessions, issues, store, root
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{"no mode", Options{}, errors.ErrNoSpawnMode},
		{"two modes", Options{Task: "x", Shell: true}, errors.ErrMultipleSpawnModes},
		{"three modes", Options{SpecFile: "s.md", Task: "x", Worktree: true}, errors.ErrMultipleSpawnModes},
		{"files without task", Options{Shell: true, TaskFiles: []string{"a.go"}}, errors.ErrInvalidInput},
		{"plan without spec", Options{Task: "x", PlanFile: "plan.md"}, errors.ErrInvalidInput},
		{"force without issue", Options{Task: "x", Force: true}, errors.ErrInvalidInput},
		{"task ok", Options{Task: "do the thing"}, nil},
		{"spec with plan ok", Options{SpecFile: "s.md", PlanFile: "p.md"}, nil},
		{"issue with force ok", Options{IssueNumber: 7, Force: true}, nil},
		{"shell ok", Options{Shell: true}, nil},
		{"worktree ok", Options{Worktree: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationRunsBeforeSideEffects(t *testing.T) {
	// All dependencies nil: if validation were not first, this would panic.
	s := &Spawner{logger: logging.NopLogger()}
	_, _, err := s.Spawn(&Options{Task: "x", Shell: true})
	if !errors.Is(err, errors.ErrMultipleSpawnModes) {
		t.Fatalf("err = %v", err)
	}
}

func TestSpawnTask(t *testing.T) {
	s, sessions, _, store, root := testSpawner(t)

	b, warnings, err := s.Spawn(&Options{Task: "add retry logic", TaskFiles: []string{"client.go"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}

	if b.Type != state.TypeTask || b.Status != state.StatusSpawning {
		t.Errorf("type/status = %s/%s", b.Type, b.Status)
	}
	if b.Port != 14010 {
		t.Errorf("port = %d, want first of builder range", b.Port)
	}
	if b.Worktree != config.WorktreePath(root, b.ID) {
		t.Errorf("worktree = %q", b.Worktree)
	}
	if b.Branch != "codev/"+b.ID {
		t.Errorf("branch = %q", b.Branch)
	}
	if !strings.HasPrefix(b.TmuxSession, "codev-bld-") {
		t.Errorf("session = %q", b.TmuxSession)
	}
	if _, err := os.Stat(b.Worktree); err != nil {
		t.Errorf("worktree dir missing: %v", err)
	}

	// Prompt content lives in a file; the command line only references it.
	promptPath := filepath.Join(config.PromptsDir(root), b.ID+".codev-prompt.md")
	data, err := os.ReadFile(promptPath)
	if err != nil {
		t.Fatalf("prompt file: %v", err)
	}
	if !strings.Contains(string(data), "add retry logic") || !strings.Contains(string(data), "client.go") {
		t.Errorf("prompt = %q", data)
	}
	if len(sessions.spawned) != 1 {
		t.Fatalf("spawned = %+v", sessions.spawned)
	}
	cmdline := strings.Join(sessions.spawned[0].command, " ")
	if strings.Contains(cmdline, "retry logic") {
		t.Error("raw task text must not appear on the command line")
	}
	if !strings.Contains(cmdline, promptPath) {
		t.Errorf("command does not reference prompt file: %q", cmdline)
	}
	if !strings.Contains(cmdline, "--system-prompt-file") {
		t.Errorf("role injection missing: %q", cmdline)
	}

	got, err := store.GetBuilder(b.ID)
	if err != nil || got == nil {
		t.Fatalf("builder not persisted: %v", err)
	}
}

func TestSpawnShell(t *testing.T) {
	s, sessions, _, _, root := testSpawner(t)

	b, _, err := s.Spawn(&Options{Shell: true})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if b.Worktree != "" || b.Branch != "" {
		t.Errorf("shell builder got a worktree: %+v", b)
	}
	if sessions.spawned[0].cwd != root {
		t.Errorf("cwd = %q, want project root", sessions.spawned[0].cwd)
	}
	if len(sessions.spawned[0].command) != 0 {
		t.Errorf("shell session should run the default shell, got %v", sessions.spawned[0].command)
	}
}

func TestSpawnWorktreeModeNoPrompt(t *testing.T) {
	s, sessions, _, _, root := testSpawner(t)

	b, _, err := s.Spawn(&Options{Worktree: true})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if b.Worktree == "" {
		t.Error("worktree mode must be isolated")
	}
	cmdline := strings.Join(sessions.spawned[0].command, " ")
	if strings.Contains(cmdline, ".codev-prompt.md") {
		t.Errorf("worktree mode should have no initial prompt: %q", cmdline)
	}
	if _, err := os.Stat(filepath.Join(config.PromptsDir(root), b.ID+".codev-prompt.md")); !os.IsNotExist(err) {
		t.Error("no prompt file expected")
	}
}

func TestSpawnTwoTasksDistinct(t *testing.T) {
	s, _, _, _, _ := testSpawner(t)

	b1, _, err := s.Spawn(&Options{Task: "one"})
	if err != nil {
		t.Fatal(err)
	}
	b2, _, err := s.Spawn(&Options{Task: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if b1.ID == b2.ID {
		t.Error("IDs must be distinct")
	}
	if b1.Port == b2.Port {
		t.Errorf("ports must be distinct, both %d", b1.Port)
	}
}

func TestSpawnSkipsReservedPort(t *testing.T) {
	s, _, _, store, _ := testSpawner(t)

	// Another spawner mid-flight holds the first builder port. Its session
	// has not bound the port yet, so only the reservation protects it.
	if err := store.ReservePort(14010, "in-flight", os.Getpid()); err != nil {
		t.Fatal(err)
	}

	b, _, err := s.Spawn(&Options{Task: "x"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if b.Port != 14011 {
		t.Errorf("port = %d, want 14011 (14010 reserved)", b.Port)
	}

	// Our own reservation is released once the record holds the port; the
	// foreign one is untouched.
	reserved, err := store.ReservedPorts()
	if err != nil {
		t.Fatal(err)
	}
	if !reserved[14010] || len(reserved) != 1 {
		t.Errorf("reserved = %v, want only 14010", reserved)
	}
}

func TestSpawnFailureReleasesReservation(t *testing.T) {
	s, sessions, _, store, _ := testSpawner(t)
	sessions.spawnErr = fmt.Errorf("boom")

	if _, _, err := s.Spawn(&Options{Task: "x"}); err == nil {
		t.Fatal("expected spawn failure")
	}

	reserved, err := store.ReservedPorts()
	if err != nil {
		t.Fatal(err)
	}
	if len(reserved) != 0 {
		t.Errorf("reservation leaked after failure: %v", reserved)
	}
}

func TestSpawnSpec(t *testing.T) {
	s, _, _, _, root := testSpawner(t)

	specPath := filepath.Join(root, "My Feature.md")
	if err := os.WriteFile(specPath, []byte("# feature spec"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, _, err := s.Spawn(&Options{SpecFile: specPath})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if b.ID != "my-feature" {
		t.Errorf("id = %q, want my-feature", b.ID)
	}

	// Same spec again collides with the existing builder.
	_, _, err = s.Spawn(&Options{SpecFile: specPath})
	var fatal *errors.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if !strings.Contains(fatal.Remediation, "cleanup") {
		t.Errorf("remediation = %q", fatal.Remediation)
	}
}

func TestSpawnSpecMissing(t *testing.T) {
	s, sessions, _, _, _ := testSpawner(t)
	_, _, err := s.Spawn(&Options{SpecFile: "/nonexistent/spec.md"})
	var fatal *errors.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if len(sessions.spawned) != 0 {
		t.Error("nothing should be spawned")
	}
}

func TestSpawnBugfixWorktreeExists(t *testing.T) {
	s, _, issues, _, root := testSpawner(t)

	// Leftovers from a previous attempt at the same issue.
	trees, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := trees.Create("codev/bugfix-7", config.WorktreePath(root, "bugfix-7")); err != nil {
		t.Fatal(err)
	}

	_, _, err = s.Spawn(&Options{IssueNumber: 7})
	if !errors.Is(err, errors.ErrWorktreeExists) {
		t.Fatalf("err = %v, want ErrWorktreeExists", err)
	}
	if issues.fetched != 0 {
		t.Error("worktree check should run before the issue fetch")
	}
}

func TestSpawnBugfixClaimed(t *testing.T) {
	s, _, issues, _, _ := testSpawner(t)
	issues.issue = &issue.Issue{
		Number: 7, Title: "crash", State: "OPEN",
		Comments: []issue.Comment{{
			Author:    issue.Author{Login: "bob"},
			Body:      issue.AckMarker + "\nClaimed by `bugfix-7`",
			CreatedAt: time.Now().Add(-time.Hour),
		}},
	}

	_, _, err := s.Spawn(&Options{IssueNumber: 7})
	if !errors.Is(err, errors.ErrIssueClaimed) {
		t.Fatalf("err = %v, want ErrIssueClaimed", err)
	}

	b, warnings, err := s.Spawn(&Options{IssueNumber: 7, Force: true})
	if err != nil {
		t.Fatalf("forced spawn: %v", err)
	}
	if b.ID != "bugfix-7" || b.IssueNumber != 7 {
		t.Errorf("builder = %+v", b)
	}
	if len(warnings) == 0 {
		t.Error("forcing past a claim should warn")
	}
	if len(issues.acked) != 1 || issues.acked[0] != 7 {
		t.Errorf("acked = %v", issues.acked)
	}
}

func TestSpawnBugfixOpenPR(t *testing.T) {
	s, _, issues, _, _ := testSpawner(t)
	issues.issue = &issue.Issue{Number: 9, Title: "bug", State: "OPEN"}
	issues.prs = []issue.PR{{Number: 12, URL: "https://example.com/pull/12"}}

	_, _, err := s.Spawn(&Options{IssueNumber: 9})
	if !errors.Is(err, errors.ErrIssueClaimed) {
		t.Fatalf("err = %v, want ErrIssueClaimed", err)
	}
}

func TestSpawnBugfixClosedWarns(t *testing.T) {
	s, _, issues, _, _ := testSpawner(t)
	issues.issue = &issue.Issue{Number: 11, Title: "old bug", State: "CLOSED"}

	b, warnings, err := s.Spawn(&Options{IssueNumber: 11})
	if err != nil {
		t.Fatalf("closed issue should warn, not fail: %v", err)
	}
	if b == nil {
		t.Fatal("no builder")
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "closed") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want closed-issue warning", warnings)
	}
}

func TestSpawnFailurePreservesWorktreeInfo(t *testing.T) {
	s, sessions, _, store, _ := testSpawner(t)
	sessions.spawnErr = fmt.Errorf("ttyd refused to start")

	_, _, err := s.Spawn(&Options{Task: "doomed"})
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if !strings.Contains(err.Error(), "worktree preserved at") || !strings.Contains(err.Error(), "codev/") {
		t.Errorf("error should name worktree path and branch: %v", err)
	}

	snapshot, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Builders) != 0 {
		t.Error("no record should be persisted for a failed spawn")
	}
}

func TestSpawnUtil(t *testing.T) {
	s, sessions, _, store, _ := testSpawner(t)

	u, err := s.SpawnUtil("scratch")
	if err != nil {
		t.Fatalf("SpawnUtil: %v", err)
	}
	if u.Port != 14030 {
		t.Errorf("port = %d, want first of util range", u.Port)
	}
	if !strings.HasPrefix(u.TmuxSession, "codev-util-") {
		t.Errorf("session = %q", u.TmuxSession)
	}
	if len(sessions.spawned[0].command) != 0 {
		t.Error("util should run the default shell")
	}

	snapshot, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Utils) != 1 || snapshot.Utils[0].Name != "scratch" {
		t.Errorf("utils = %+v", snapshot.Utils)
	}
}

func TestSpawnUtilBadName(t *testing.T) {
	s, sessions, _, _, _ := testSpawner(t)
	for _, name := range []string{"has space", "semi;colon", "$(rm -rf)", strings.Repeat("a", 33)} {
		if _, err := s.SpawnUtil(name); !errors.IsValidation(err) {
			t.Errorf("SpawnUtil(%q) = %v, want validation error", name, err)
		}
	}
	if len(sessions.spawned) != 0 {
		t.Error("nothing should be spawned")
	}
}

func TestSpawnAnnotation(t *testing.T) {
	s, _, _, store, root := testSpawner(t)

	file := filepath.Join(root, "README.md")
	a, err := s.SpawnAnnotation(file, "")
	if err != nil {
		t.Fatalf("SpawnAnnotation: %v", err)
	}
	if a.Port != 14050 {
		t.Errorf("port = %d, want first of annotation range", a.Port)
	}

	// Open again while alive: same annotation, no second spawn.
	again, err := s.SpawnAnnotation(file, "")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != a.ID {
		t.Errorf("expected dedupe, got %s and %s", a.ID, again.ID)
	}

	snapshot, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Annotations) != 1 {
		t.Errorf("annotations = %+v", snapshot.Annotations)
	}
}

func TestSpawnAnnotationPathChecks(t *testing.T) {
	s, _, _, _, root := testSpawner(t)

	if _, err := s.SpawnAnnotation("../../../etc/passwd", ""); err == nil {
		t.Error("traversal should be rejected")
	}
	if _, err := s.SpawnAnnotation(filepath.Join(root, "missing.go"), ""); !errors.IsNotFound(err) {
		t.Errorf("missing file = %v, want not-found", err)
	}
}

func TestLoadProtocol(t *testing.T) {
	root := initRepo(t)
	dir := filepath.Join(config.ProjectDir(root), "protocols")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tdd.yaml"), []byte(`
name: tdd
description: red, green, refactor
steps:
  - write a failing test
  - make it pass
  - refactor
`), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProtocol(root, "tdd")
	if err != nil {
		t.Fatalf("LoadProtocol: %v", err)
	}
	if len(p.Steps) != 3 {
		t.Errorf("steps = %v", p.Steps)
	}
	prompt := p.Prompt()
	if !strings.Contains(prompt, "1. write a failing test") {
		t.Errorf("prompt = %q", prompt)
	}

	if _, err := LoadProtocol(root, "nope"); err == nil {
		t.Error("missing protocol should fail")
	}

	if err := os.WriteFile(filepath.Join(dir, "empty.yaml"), []byte("name: empty\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProtocol(root, "empty"); !errors.IsValidation(err) {
		t.Errorf("stepless protocol = %v, want validation error", err)
	}
}

func TestRoleOverride(t *testing.T) {
	s, sessions, _, _, root := testSpawner(t)

	if err := os.MkdirAll(config.ProjectDir(root), 0o755); err != nil {
		t.Fatal(err)
	}
	rolePath := filepath.Join(config.ProjectDir(root), "role.md")
	if err := os.WriteFile(rolePath, []byte("custom role"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Spawn(&Options{Task: "x"}); err != nil {
		t.Fatal(err)
	}
	cmdline := strings.Join(sessions.spawned[0].command, " ")
	if !strings.Contains(cmdline, rolePath) {
		t.Errorf("project role override not used: %q", cmdline)
	}
}

func TestNoRole(t *testing.T) {
	s, sessions, _, _, _ := testSpawner(t)
	if _, _, err := s.Spawn(&Options{Task: "x", NoRole: true}); err != nil {
		t.Fatal(err)
	}
	cmdline := strings.Join(sessions.spawned[0].command, " ")
	if strings.Contains(cmdline, "--system-prompt-file") {
		t.Errorf("role injection should be disabled: %q", cmdline)
	}
}

func TestSanitizeID(t *testing.T) {
	for in, want := range map[string]string{
		"My Feature":   "my-feature",
		"auth/v2 spec": "auth-v2-spec",
		"--edge--":     "edge",
	} {
		if got := sanitizeID(in); got != want {
			t.Errorf("sanitizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"scratch":     true,
		"my_shell-2":  true,
		"":            false,
		"has space":   false,
		"semi;colon":  false,
		"über":        false,
	} {
		if got := ValidName(name); got != want {
			t.Errorf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}
