// Package lifecycle owns session startup, shutdown, and reconciliation: tmux
// sessions paired with ttyd web terminals, graceful kills, and cleanup of
// orphans left by crashes.
package lifecycle

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/logging"
	"github.com/electricddev/codev-sub000/internal/state"
	"github.com/electricddev/codev-sub000/internal/tmux"
)

// Manager spawns and kills the tmux+ttyd session pairs for one project.
type Manager struct {
	socket string
	cfg    *config.Config
	logger *logging.Logger

	// startTtyd is swapped out in tests to avoid needing the real binary.
	startTtyd func(port int, socket, session string) (int, error)
	// probe reports whether a TCP port on loopback accepts connections.
	probe func(port int) bool
}

// New creates a Manager for the project whose tmux socket is socket.
func New(socket string, cfg *config.Config, logger *logging.Logger) *Manager {
	m := &Manager{
		socket: socket,
		cfg:    cfg,
		logger: logger.WithComponent("lifecycle"),
		probe:  portReachable,
	}
	m.startTtyd = m.execTtyd
	return m
}

// Socket returns the project tmux socket this manager operates on.
func (m *Manager) Socket() string {
	return m.socket
}

// SpawnSession ensures a tmux session named name exists running command in
// cwd, then starts a ttyd web terminal on port attached to it. Returns the
// ttyd PID. Idempotent on the tmux side: an existing session is reused, so a
// dashboard tab can be reopened onto a running agent without disturbing it.
//
// If ttyd never becomes reachable within the ready timeout, a session this
// call created is torn down again; a pre-existing session is left alone.
func (m *Manager) SpawnSession(name, cwd string, port int, command ...string) (int, error) {
	created := false
	if !tmux.SessionExists(m.socket, name) {
		if err := tmux.NewSession(m.socket, name, cwd, command...); err != nil {
			return 0, fmt.Errorf("failed to create session %s: %w", name, err)
		}
		created = true
		m.logger.Info("created tmux session", "session", name, "cwd", cwd)
	}

	pid, err := m.startTtyd(port, m.socket, name)
	if err != nil {
		if created {
			_ = tmux.KillSession(m.socket, name)
		}
		return 0, fmt.Errorf("failed to start terminal on port %d: %w", port, err)
	}

	if !m.waitReachable(port, m.cfg.ReadyTimeout()) {
		tmux.KillProcessTree(pid)
		if created {
			_ = tmux.KillSession(m.socket, name)
		}
		return 0, fmt.Errorf("%w: port %d not accepting connections for session %s",
			errors.ErrProcessNotReady, port, name)
	}

	m.logger.Info("session ready", "session", name, "port", port, "pid", pid)
	return pid, nil
}

func (m *Manager) execTtyd(port int, socket, session string) (int, error) {
	args := []string{
		"--port", strconv.Itoa(port),
		"--writable",
	}
	if theme := m.cfg.Session.TtydTheme; theme != "" {
		args = append(args, "--client-option", "theme="+theme)
	}
	args = append(args, "tmux", "-L", socket, "attach", "-t", session)

	cmd := exec.Command(m.cfg.Session.TtydCommand, args...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

func (m *Manager) waitReachable(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.probe(port) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return m.probe(port)
}

func portReachable(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// KillGracefully stops a session pair: SIGTERM to the recorded pid, a
// bounded wait for exit, SIGKILL to the survivors, then kill-session.
func (m *Manager) KillGracefully(pid int, session string) {
	m.logger.Info("stopping session", "session", session, "pid", pid)
	tmux.GracefulShutdown(m.socket, session, pid, m.cfg.GracefulStopTimeout())
}

// ReconcileOrphans kills tmux sessions on this project's socket that no
// store record references. Runs at start so sessions surviving a crash of
// the previous run don't linger unmanaged.
func (m *Manager) ReconcileOrphans(store *state.Store) (int, error) {
	snapshot, err := store.Load()
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	if snapshot.Architect != nil {
		known[snapshot.Architect.TmuxSession] = true
	}
	for _, b := range snapshot.Builders {
		known[b.TmuxSession] = true
	}
	for _, u := range snapshot.Utils {
		known[u.TmuxSession] = true
	}
	for _, a := range snapshot.Annotations {
		known[tmux.SessionName(tmux.KindAnnotation, a.ID)] = true
	}

	killed := 0
	for _, session := range tmux.ListSessions(m.socket) {
		if known[session] {
			continue
		}
		m.logger.Warn("killing orphaned session", "session", session)
		// kill-session only hangs up the pane; an agent ignoring SIGHUP
		// would survive it, so take the pane's process tree down first.
		if pid := tmux.GetPanePID(m.socket, session); pid > 0 {
			tmux.KillProcessTree(pid)
		}
		if err := tmux.KillSession(m.socket, session); err == nil {
			killed++
		}
	}
	return killed, nil
}

// PruneDead removes records whose pid is no longer alive and kills any tmux
// session left behind by them. The architect record is pruned too, so a
// status read after a crash shows the true picture. Returns the number of
// records removed.
func (m *Manager) PruneDead(store *state.Store) (int, error) {
	snapshot, err := store.Load()
	if err != nil {
		return 0, err
	}

	pruned := 0
	if a := snapshot.Architect; a != nil && !tmux.IsProcessAlive(a.PID) {
		_ = tmux.KillSession(m.socket, a.TmuxSession)
		if err := store.ClearArchitect(); err != nil {
			return pruned, err
		}
		m.logger.Info("pruned dead architect", "pid", a.PID)
		pruned++
	}
	for _, b := range snapshot.Builders {
		if tmux.IsProcessAlive(b.PID) {
			continue
		}
		_ = tmux.KillSession(m.socket, b.TmuxSession)
		if _, err := store.RemoveBuilder(b.ID); err != nil {
			return pruned, err
		}
		m.logger.Info("pruned dead builder", "builder", b.ID, "pid", b.PID)
		pruned++
	}
	for _, u := range snapshot.Utils {
		if tmux.IsProcessAlive(u.PID) {
			continue
		}
		if u.TmuxSession != "" {
			_ = tmux.KillSession(m.socket, u.TmuxSession)
		}
		if _, err := store.RemoveUtil(u.ID); err != nil {
			return pruned, err
		}
		m.logger.Info("pruned dead util", "util", u.ID, "pid", u.PID)
		pruned++
	}
	for _, a := range snapshot.Annotations {
		if tmux.IsProcessAlive(a.PID) {
			continue
		}
		_ = tmux.KillSession(m.socket, tmux.SessionName(tmux.KindAnnotation, a.ID))
		if _, err := store.RemoveAnnotation(a.ID); err != nil {
			return pruned, err
		}
		m.logger.Info("pruned dead annotation", "annotation", a.ID, "file", a.File)
		pruned++
	}

	// Reservations outlive their spawner only when it crashed between
	// reserving a port and writing the session record. Release those so the
	// port returns to the pool.
	reservations, err := store.Reservations()
	if err != nil {
		return pruned, err
	}
	for _, r := range reservations {
		if tmux.IsProcessAlive(r.PID) {
			continue
		}
		if err := store.ReleasePort(r.Port); err != nil {
			return pruned, err
		}
		m.logger.Info("released stale port reservation", "port", r.Port, "session", r.SessionID)
	}
	return pruned, nil
}
