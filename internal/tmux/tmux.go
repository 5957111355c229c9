// Package tmux provides centralized configuration and helpers for tmux
// operations.
//
// codev uses a per-project tmux socket to isolate each project instance's
// sessions. A crash of one project's tmux server cannot affect another
// project. Sockets are named "codev-{hash}" where hash is derived from the
// symlink-resolved project root, and every session created on a socket is
// named "codev-{kind}-{id}", so orphan reconciliation can enumerate exactly
// the sessions that belong to this tool.
package tmux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SocketPrefix is the prefix used for all codev tmux sockets.
const SocketPrefix = "codev"

// SessionPrefix is the prefix of every session created by codev.
const SessionPrefix = "codev-"

// Session kinds used in session names.
const (
	KindArchitect  = "arch"
	KindBuilder    = "bld"
	KindUtil       = "util"
	KindAnnotation = "note"
)

// ProjectSocket returns the tmux socket name for a project root. The path
// must already be symlink-resolved so /tmp and /private/tmp map to the same
// socket.
func ProjectSocket(projectRoot string) string {
	sum := sha256.Sum256([]byte(projectRoot))
	return SocketPrefix + "-" + hex.EncodeToString(sum[:4])
}

// SessionName builds the session name for a kind and ID.
func SessionName(kind, id string) string {
	return fmt.Sprintf("%s%s-%s", SessionPrefix, kind, id)
}

// CommandWithSocket creates an exec.Cmd for tmux on the given socket.
func CommandWithSocket(socket string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", socket}, args...)
	return exec.Command("tmux", fullArgs...)
}

// CommandContextWithSocket creates a context-aware exec.Cmd for tmux on the
// given socket.
func CommandContextWithSocket(ctx context.Context, socket string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", socket}, args...)
	return exec.CommandContext(ctx, "tmux", fullArgs...)
}

// SessionExists reports whether a session with the given name exists on the
// socket.
func SessionExists(socket, name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return CommandContextWithSocket(ctx, socket, "has-session", "-t", name).Run() == nil
}

// ListSessions returns the names of all codev sessions on the socket.
// Returns an empty slice when the tmux server is not running.
func ListSessions(socket string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := CommandContextWithSocket(ctx, socket, "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		// No server on this socket means no sessions.
		return nil
	}

	var sessions []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, SessionPrefix) {
			sessions = append(sessions, line)
		}
	}
	return sessions
}

// NewSession creates a detached session running command in cwd.
func NewSession(socket, name, cwd string, command ...string) error {
	args := []string{"new-session", "-d", "-s", name, "-c", cwd}
	args = append(args, command...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if output, err := CommandContextWithSocket(ctx, socket, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create tmux session %s: %w\n%s", name, err, string(output))
	}
	return nil
}

// KillSession kills the named session. Missing sessions are not an error.
func KillSession(socket, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !SessionExists(socket, name) {
		return nil
	}
	return CommandContextWithSocket(ctx, socket, "kill-session", "-t", name).Run()
}

// KillServer kills the tmux server for the given socket. More thorough than
// kill-session: it terminates the server itself and everything within it.
func KillServer(socket string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return CommandContextWithSocket(ctx, socket, "kill-server").Run()
}

// SendKeys injects text into the named session followed by Enter. When
// interrupt is set, a Ctrl+C is sent first so the text lands at a fresh
// prompt instead of into whatever the agent was doing.
func SendKeys(socket, name, text string, interrupt bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !SessionExists(socket, name) {
		return fmt.Errorf("tmux session %s not found", name)
	}

	if interrupt {
		if err := CommandContextWithSocket(ctx, socket, "send-keys", "-t", name, "C-c").Run(); err != nil {
			return fmt.Errorf("failed to interrupt session %s: %w", name, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// -l sends the text literally so tmux key names inside it are not expanded.
	if err := CommandContextWithSocket(ctx, socket, "send-keys", "-t", name, "-l", text).Run(); err != nil {
		return fmt.Errorf("failed to send text to session %s: %w", name, err)
	}
	return CommandContextWithSocket(ctx, socket, "send-keys", "-t", name, "Enter").Run()
}
