package spawn

import (
	"fmt"
	"os"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/tmux"
	"github.com/electricddev/codev-sub000/internal/util"
)

// SpawnUtil creates a bare shell session in the project root. No worktree,
// no role, no prompt. name defaults to the generated ID.
func (s *Spawner) SpawnUtil(name string) (*state.Util, error) {
	id := util.ShortID()
	if name == "" {
		name = id
	}
	if !ValidName(name) {
		return nil, errors.NewValidationError("name",
			"must be 1-32 characters of [a-zA-Z0-9_-]")
	}

	lo, hi := s.block.UtilRange()
	port, err := s.reservePort(id, lo, hi)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.store.ReleasePort(port) }()

	session := tmux.SessionName(tmux.KindUtil, id)
	pid, err := s.life.SpawnSession(session, s.projectRoot, port)
	if err != nil {
		return nil, err
	}

	u := &state.Util{ID: id, Name: name, Port: port, PID: pid, TmuxSession: session}
	if err := s.store.AddUtil(u); err != nil {
		s.life.KillGracefully(pid, session)
		return nil, fmt.Errorf("failed to record util %s: %w", id, err)
	}
	s.logger.Info("spawned util", "util", id, "port", port, "pid", pid)
	return u, nil
}

// SpawnAnnotation opens a read-only viewer on a file inside the project
// root. At most one annotation exists per file: a live one is returned
// as-is, a dead one is replaced. parent optionally names the session that
// requested the view.
func (s *Spawner) SpawnAnnotation(file, parent string) (*state.Annotation, error) {
	resolved, err := util.ResolveWithinRoot(s.projectRoot, file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.NewNotFoundError("file", file).WithCause(err)
		}
		return nil, err
	}

	if existing, err := s.store.FindAnnotationByFile(resolved); err != nil {
		return nil, err
	} else if existing != nil {
		if tmux.IsProcessAlive(existing.PID) {
			return existing, nil
		}
		_ = tmux.KillSession(s.life.Socket(), tmux.SessionName(tmux.KindAnnotation, existing.ID))
		if _, err := s.store.RemoveAnnotation(existing.ID); err != nil {
			return nil, err
		}
	}

	id := util.ShortID()
	lo, hi := s.block.AnnotationRange()
	port, err := s.reservePort(id, lo, hi)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.store.ReleasePort(port) }()

	session := tmux.SessionName(tmux.KindAnnotation, id)
	pid, err := s.life.SpawnSession(session, s.projectRoot, port, "less", "-N", util.ShellQuote(resolved))
	if err != nil {
		return nil, err
	}

	a := &state.Annotation{ID: id, File: resolved, Port: port, PID: pid, Parent: parent}
	if err := s.store.AddAnnotation(a); err != nil {
		s.life.KillGracefully(pid, session)
		return nil, fmt.Errorf("failed to record annotation for %s: %w", file, err)
	}
	s.logger.Info("spawned annotation", "annotation", id, "file", resolved, "port", port)
	return a, nil
}
