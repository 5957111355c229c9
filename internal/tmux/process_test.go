package tmux

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func pidSelf() int {
	return os.Getpid()
}

func TestWaitForProcessExit(t *testing.T) {
	cmd := exec.Command("sleep", "0.05")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	if !WaitForProcessExit(pid, 2*time.Second) {
		t.Error("process should have exited within timeout")
	}
}

func TestWaitForProcessExitTimeout(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	defer func() {
		KillProcess(pid)
		_ = cmd.Wait()
	}()

	if WaitForProcessExit(pid, 100*time.Millisecond) {
		t.Error("long-running process should not report exited")
	}
}

func TestKillProcess(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	KillProcess(pid)

	if !WaitForProcessExit(pid, 2*time.Second) {
		t.Error("process should be dead after KillProcess")
	}
}

func TestTerminateThenWait(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid

	if err := TerminateProcess(pid); err != nil {
		t.Fatalf("TerminateProcess: %v", err)
	}
	go func() { _ = cmd.Wait() }()

	if !WaitForProcessExit(pid, 2*time.Second) {
		KillProcess(pid)
		t.Error("process should exit after SIGTERM")
	}
}
