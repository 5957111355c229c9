package cmd

import (
	"fmt"
	"os"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/issue"
	"github.com/electricddev/codev-sub000/internal/lifecycle"
	"github.com/electricddev/codev-sub000/internal/logging"
	"github.com/electricddev/codev-sub000/internal/ports"
	"github.com/electricddev/codev-sub000/internal/spawn"
	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/tmux"
	"github.com/electricddev/codev-sub000/internal/worktree"
)

// app wires one CLI invocation's dependencies for the project containing the
// working directory. Every command is a short-lived process; nothing here is
// cached across invocations.
type app struct {
	root     string
	cfg      *config.Config
	logger   *logging.Logger
	registry *ports.Registry
	block    *ports.Block
	store    *state.Store
	life     *lifecycle.Manager
	trees    *worktree.Manager
	issues   *issue.Service
	spawner  *spawn.Spawner
}

func newApp() (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.ProjectDir(root), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", config.ProjectDir(root), err)
	}
	if err := os.MkdirAll(config.GlobalDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", config.GlobalDir(), err)
	}

	logger, err := logging.NewLogger(config.LogsDir(root), cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	registry, err := ports.Open(config.RegistryDBPath(), cfg.Ports.BaseStart, cfg.Ports.BlockSize)
	if err != nil {
		return nil, err
	}
	block, err := registry.GetOrAssign(root)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	store, err := state.Open(config.StateDBPath(root))
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	trees, err := worktree.New(root)
	if err != nil {
		_ = registry.Close()
		_ = store.Close()
		return nil, err
	}

	life := lifecycle.New(tmux.ProjectSocket(root), cfg, logger)
	issues := issue.New(root)
	spawner := spawn.New(root, cfg, store, life, trees, issues, block, logger)

	return &app{
		root:     root,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		block:    block,
		store:    store,
		life:     life,
		trees:    trees,
		issues:   issues,
		spawner:  spawner,
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.registry.Close()
	_ = a.logger.Close()
}

func (a *app) dashboardURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", a.block.DashboardPort())
}
