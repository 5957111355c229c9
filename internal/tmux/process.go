package tmux

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultGracefulStopTimeout is the default time to wait after a termination
// signal before force-killing. Shared by every stop path so all sessions shut
// down with the same two-phase behavior.
const DefaultGracefulStopTimeout = 500 * time.Millisecond

// GetPanePID returns the PID of the process running in the session's pane.
// Returns 0 if the PID cannot be determined (e.g. session doesn't exist).
func GetPanePID(socket, session string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := CommandContextWithSocket(ctx, socket, "display-message", "-t", session, "-p", "#{pane_pid}")
	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0
	}
	return pid
}

// IsProcessAlive checks if a process with the given PID exists.
// Uses kill(pid, 0) which probes for existence without delivering a signal.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// TerminateProcess sends SIGTERM to the given PID.
func TerminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// KillProcess sends SIGKILL to the given PID.
func KillProcess(pid int) {
	if pid > 0 && IsProcessAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// GetDescendantPIDs returns all descendant PIDs of the given PID (recursive).
func GetDescendantPIDs(pid int) []int {
	if pid <= 0 {
		return nil
	}
	return getDescendantPIDs(pid)
}

func getDescendantPIDs(pid int) []int {
	cmd := exec.Command("pgrep", "-P", strconv.Itoa(pid))
	output, err := cmd.Output()
	if err != nil {
		return nil
	}

	var descendants []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		childPID, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		descendants = append(descendants, childPID)
		descendants = append(descendants, getDescendantPIDs(childPID)...)
	}
	return descendants
}

// KillProcessTree sends SIGKILL to a process and all its descendants,
// deepest children first to prevent orphaning.
func KillProcessTree(pid int) {
	if pid <= 0 {
		return
	}

	descendants := GetDescendantPIDs(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		KillProcess(descendants[i])
	}
	KillProcess(pid)
}

// WaitForProcessExit polls until the given PID exits or the timeout elapses.
// Returns true if the process exited within the timeout.
func WaitForProcessExit(pid int, timeout time.Duration) bool {
	if pid <= 0 || !IsProcessAlive(pid) {
		return true
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return !IsProcessAlive(pid)
		case <-ticker.C:
			if !IsProcessAlive(pid) {
				return true
			}
		}
	}
}

// GracefulShutdown performs the canonical two-phase shutdown of a session
// and its attached terminal-server process: SIGTERM the process, poll for
// exit, escalate to SIGKILL, then kill the tmux session so the pair is never
// left half torn down.
func GracefulShutdown(socket, session string, pid int, gracefulTimeout time.Duration) {
	if pid > 0 && IsProcessAlive(pid) {
		_ = TerminateProcess(pid)
		if !WaitForProcessExit(pid, gracefulTimeout) {
			KillProcessTree(pid)
		}
	}

	if session != "" {
		_ = KillSession(socket, session)
	}
}
