// Package spawn is the orchestration entry point for new sessions: it
// validates the requested mode, resolves mode-specific context, provisions a
// worktree, assembles the agent command, starts the session pair, and
// persists the resulting record.
package spawn

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/issue"
	"github.com/electricddev/codev-sub000/internal/logging"
	"github.com/electricddev/codev-sub000/internal/ports"
	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/tmux"
	"github.com/electricddev/codev-sub000/internal/util"
	"github.com/electricddev/codev-sub000/internal/worktree"
)

// ackWindow is how far back a claim comment on an issue still counts as
// "someone is on it".
const ackWindow = 24 * time.Hour

// portReserveAttempts bounds the rescan loop when racing spawners collide on
// a port reservation.
const portReserveAttempts = 5

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidName reports whether a user-supplied session name is safe to embed in
// a tmux session name and command line.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Sessions is the slice of the lifecycle manager the spawner needs.
// Satisfied by *lifecycle.Manager.
type Sessions interface {
	Socket() string
	SpawnSession(name, cwd string, port int, command ...string) (int, error)
	KillGracefully(pid int, session string)
}

// IssueService is the slice of the issue tracker the bugfix preflight needs.
// Satisfied by *issue.Service.
type IssueService interface {
	Fetch(number int) (*issue.Issue, error)
	SearchPRs(number int) ([]issue.PR, error)
	Ack(number int, builderID string) error
}

// Spawner creates builder, util, and annotation sessions for one project.
type Spawner struct {
	projectRoot string
	cfg         *config.Config
	store       *state.Store
	life        Sessions
	trees       *worktree.Manager
	issues      IssueService
	block       *ports.Block
	logger      *logging.Logger

	// probe overrides the free-port liveness check in tests.
	probe func(port int) bool
}

// New creates a Spawner. trees may be nil only if every spawn will be
// shell-mode.
func New(projectRoot string, cfg *config.Config, store *state.Store, life Sessions,
	trees *worktree.Manager, issues IssueService, block *ports.Block, logger *logging.Logger) *Spawner {
	return &Spawner{
		projectRoot: projectRoot,
		cfg:         cfg,
		store:       store,
		life:        life,
		trees:       trees,
		issues:      issues,
		block:       block,
		logger:      logger.WithComponent("spawn"),
	}
}

// spawnContext is the resolved per-mode input to the common spawn path.
type spawnContext struct {
	id            string
	prompt        string
	needsWorktree bool
	taskText      string
	protocolName  string
	issueNumber   int
}

// Spawn validates opts, resolves the mode, and creates the builder session.
// Returned warnings are advisory (e.g. "issue already closed") and should be
// shown to the user; they never abort the spawn.
func (s *Spawner) Spawn(opts *Options) (*state.Builder, []string, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}

	ctx, warnings, err := s.resolve(opts)
	if err != nil {
		return nil, warnings, err
	}

	if existing, err := s.store.GetBuilder(ctx.id); err != nil {
		return nil, warnings, err
	} else if existing != nil {
		return nil, warnings, errors.NewFatal(
			fmt.Sprintf("builder %s already exists", ctx.id), nil,
		).WithRemediation("codev cleanup " + ctx.id)
	}

	lo, hi := s.block.BuilderRange()
	port, err := s.reservePort(ctx.id, lo, hi)
	if err != nil {
		return nil, warnings, err
	}
	// Once the builder record is persisted it carries the port; until then
	// the reservation row keeps other spawners off it.
	defer func() { _ = s.store.ReleasePort(port) }()

	var worktreePath, branch string
	if ctx.needsWorktree {
		worktreePath, branch, err = s.provisionWorktree(ctx.id)
		if err != nil {
			return nil, warnings, err
		}
	}

	command, err := s.agentCommand(ctx, worktreePath, opts.NoRole)
	if err != nil {
		return nil, warnings, err
	}

	cwd := worktreePath
	if cwd == "" {
		cwd = s.projectRoot
	}
	session := tmux.SessionName(tmux.KindBuilder, ctx.id)
	pid, err := s.life.SpawnSession(session, cwd, port, command...)
	if err != nil {
		if worktreePath != "" {
			return nil, warnings, fmt.Errorf(
				"failed to start builder %s (worktree preserved at %s, branch %s — remove manually if unwanted): %w",
				ctx.id, worktreePath, branch, err)
		}
		return nil, warnings, err
	}

	name := opts.Name
	if name == "" {
		name = ctx.id
	}
	builder := &state.Builder{
		ID:           ctx.id,
		Name:         name,
		Port:         port,
		PID:          pid,
		Status:       state.StatusSpawning,
		Worktree:     worktreePath,
		Branch:       branch,
		TmuxSession:  session,
		Type:         opts.Mode(),
		TaskText:     ctx.taskText,
		ProtocolName: ctx.protocolName,
		IssueNumber:  ctx.issueNumber,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.UpsertBuilder(builder); err != nil {
		s.life.KillGracefully(pid, session)
		return nil, warnings, fmt.Errorf("failed to record builder %s: %w", ctx.id, err)
	}

	if ctx.issueNumber != 0 {
		if err := s.issues.Ack(ctx.issueNumber, ctx.id); err != nil {
			warnings = append(warnings, fmt.Sprintf("could not post claim comment on issue #%d: %v", ctx.issueNumber, err))
		}
	}

	s.logger.Info("spawned builder", "builder", ctx.id, "type", builder.Type, "port", port, "pid", pid)
	return builder, warnings, nil
}

func (s *Spawner) resolve(opts *Options) (*spawnContext, []string, error) {
	switch opts.Mode() {
	case state.TypeSpec:
		return s.resolveSpec(opts)
	case state.TypeTask:
		return &spawnContext{
			id:            util.ShortID(),
			prompt:        taskPrompt(opts.Task, opts.TaskFiles),
			needsWorktree: true,
			taskText:      opts.Task,
		}, nil, nil
	case state.TypeProtocol:
		p, err := LoadProtocol(s.projectRoot, opts.Protocol)
		if err != nil {
			return nil, nil, err
		}
		return &spawnContext{
			id:            sanitizeID(p.Name) + "-" + util.ShortID(),
			prompt:        p.Prompt(),
			needsWorktree: true,
			protocolName:  p.Name,
		}, nil, nil
	case state.TypeBugfix:
		return s.resolveBugfix(opts)
	case state.TypeShell:
		return &spawnContext{id: util.ShortID()}, nil, nil
	case state.TypeWorktree:
		return &spawnContext{id: util.ShortID(), needsWorktree: true}, nil, nil
	}
	return nil, nil, errors.ErrNoSpawnMode
}

func (s *Spawner) resolveSpec(opts *Options) (*spawnContext, []string, error) {
	content, err := os.ReadFile(opts.SpecFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NewFatal(fmt.Sprintf("spec file not found: %s", opts.SpecFile), err)
		}
		return nil, nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	if opts.PlanFile != "" && !util.FileExists(opts.PlanFile) {
		return nil, nil, errors.NewFatal(fmt.Sprintf("plan file not found: %s", opts.PlanFile), nil)
	}

	base := strings.TrimSuffix(opts.SpecFile[strings.LastIndex(opts.SpecFile, "/")+1:], ".md")
	return &spawnContext{
		id:            sanitizeID(base),
		prompt:        specPrompt(string(content), opts.PlanFile),
		needsWorktree: true,
	}, nil, nil
}

// resolveBugfix runs the collision preflight before any provisioning. The
// checks are best-effort heuristics against racing claimants, not a lock.
func (s *Spawner) resolveBugfix(opts *Options) (*spawnContext, []string, error) {
	id := fmt.Sprintf("bugfix-%d", opts.IssueNumber)

	// Cheapest check first, and the only one that is never overridable:
	// an existing worktree means a prior spawn's artifacts are in the way.
	if s.trees.Exists(config.WorktreePath(s.projectRoot, id)) {
		return nil, nil, errors.NewFatal(
			fmt.Sprintf("%v for issue #%d", errors.ErrWorktreeExists, opts.IssueNumber), errors.ErrWorktreeExists,
		).WithRemediation("codev cleanup " + id)
	}

	iss, err := s.issues.Fetch(opts.IssueNumber)
	if err != nil {
		return nil, nil, errors.NewFatal(
			fmt.Sprintf("failed to fetch issue #%d", opts.IssueNumber), err,
		).WithRemediation("gh auth status")
	}

	var warnings []string
	if ack := iss.RecentAck(ackWindow); ack != nil {
		if !opts.Force {
			return nil, nil, fmt.Errorf("%w: claim comment by %s on issue #%d within the last %s (use --force to proceed)",
				errors.ErrIssueClaimed, ack.Author.Login, opts.IssueNumber, ackWindow)
		}
		warnings = append(warnings, fmt.Sprintf("proceeding despite claim comment by %s", ack.Author.Login))
	}

	prs, err := s.issues.SearchPRs(opts.IssueNumber)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("could not search PRs for issue #%d: %v", opts.IssueNumber, err))
	} else if len(prs) > 0 {
		if !opts.Force {
			return nil, warnings, fmt.Errorf("%w: %d open PR(s) reference issue #%d, e.g. %s (use --force to proceed)",
				errors.ErrIssueClaimed, len(prs), opts.IssueNumber, prs[0].URL)
		}
		warnings = append(warnings, fmt.Sprintf("proceeding despite %d open PR(s) referencing the issue", len(prs)))
	}

	if iss.Closed() {
		warnings = append(warnings, fmt.Sprintf("issue #%d is already closed", opts.IssueNumber))
	}

	return &spawnContext{
		id:            id,
		prompt:        bugfixPrompt(iss),
		needsWorktree: true,
		issueNumber:   opts.IssueNumber,
	}, warnings, nil
}

// reservePort picks a free port in [lo, hi) and claims it in the store
// before any process starts. Two spawners that load identical snapshots can
// still pick the same port (neither session has bound it yet, so the OS
// probe passes both); the reservation insert's uniqueness constraint decides
// the winner and the loser rescans. The caller releases the reservation once
// the session record is persisted, or on failure.
func (s *Spawner) reservePort(sessionID string, lo, hi int) (int, error) {
	for attempt := 0; attempt < portReserveAttempts; attempt++ {
		snapshot, err := s.store.Load()
		if err != nil {
			return 0, err
		}
		used := snapshot.UsedPorts()
		reserved, err := s.store.ReservedPorts()
		if err != nil {
			return 0, err
		}
		for p := range reserved {
			used[p] = true
		}

		port, err := ports.FindFree(lo, hi, used, s.probe)
		if err != nil {
			return 0, err
		}
		err = s.store.ReservePort(port, sessionID, os.Getpid())
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, errors.ErrPortReserved) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: lost the reservation race %d times", errors.ErrNoFreePort, portReserveAttempts)
}

func (s *Spawner) provisionWorktree(id string) (path, branch string, err error) {
	if err := s.trees.Prune(); err != nil {
		s.logger.Warn("worktree prune failed", "error", err)
	}

	path = config.WorktreePath(s.projectRoot, id)
	if s.trees.Exists(path) {
		return "", "", errors.NewFatal(
			fmt.Sprintf("%v at %s", errors.ErrWorktreeExists, path), errors.ErrWorktreeExists,
		).WithRemediation("codev cleanup " + id)
	}

	branch = s.cfg.Branch.Prefix + "/" + id
	if err := s.trees.Create(branch, path); err != nil {
		return "", "", err
	}
	if err := s.trees.LinkSharedConfig(path, s.cfg.Agent.SharedConfigFile); err != nil {
		s.logger.Warn("could not link shared config", "worktree", path, "error", err)
	}
	return path, branch, nil
}

// agentCommand assembles the command the tmux session runs. Shell mode gets
// none (tmux starts the default shell). Prompt and role content reach the
// agent as file paths; raw text never touches the command line.
func (s *Spawner) agentCommand(ctx *spawnContext, worktreePath string, noRole bool) ([]string, error) {
	if !ctx.needsWorktree && ctx.prompt == "" {
		return nil, nil
	}

	args := strings.Fields(s.cfg.Agent.Command)

	rolePath, err := resolveRoleFile(s.projectRoot, s.cfg.Agent.RoleFile, noRole || s.cfg.Agent.NoRole)
	if err != nil {
		return nil, err
	}
	if rolePath != "" {
		args = append(args, "--system-prompt-file", util.ShellQuote(rolePath))
	}

	if ctx.prompt != "" {
		promptPath, err := writePromptFile(s.projectRoot, ctx.id, ctx.prompt)
		if err != nil {
			return nil, err
		}
		args = append(args, util.ShellQuote("Read "+promptPath+" and follow its instructions."))
	}
	return args, nil
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
