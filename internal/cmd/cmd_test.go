package cmd

import (
	"testing"
	"time"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/spawn"
	"github.com/electricddev/codev-sub000/internal/state"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{
		"start", "stop", "status", "spawn", "send", "rename",
		"cleanup", "util", "open", "dashboard", "set-status",
	}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestSpawnFlagValidationRunsFirst(t *testing.T) {
	// Mode errors must surface before any project wiring, so this works
	// even outside a git repository.
	defer func() { spawnOpts = spawn.Options{} }()

	rootCmd.SetArgs([]string{"spawn", "--task", "x", "--shell"})
	err := rootCmd.Execute()
	if !errors.Is(err, errors.ErrMultipleSpawnModes) {
		t.Errorf("err = %v, want ErrMultipleSpawnModes", err)
	}

	spawnOpts = spawn.Options{}
	rootCmd.SetArgs([]string{"spawn"})
	err = rootCmd.Execute()
	if !errors.Is(err, errors.ErrNoSpawnMode) {
		t.Errorf("err = %v, want ErrNoSpawnMode", err)
	}
}

func TestFindBuilder(t *testing.T) {
	snapshot := &state.State{
		Builders: []*state.Builder{
			{ID: "abc123", Name: "auth-work"},
			{ID: "bugfix-7", Name: "bugfix-7"},
		},
	}
	if b := findBuilder(snapshot, "abc123"); b == nil || b.Name != "auth-work" {
		t.Errorf("lookup by ID failed: %+v", b)
	}
	if b := findBuilder(snapshot, "auth-work"); b == nil || b.ID != "abc123" {
		t.Errorf("lookup by name failed: %+v", b)
	}
	if b := findBuilder(snapshot, "nope"); b != nil {
		t.Errorf("unknown ref returned %+v", b)
	}
}

func TestAge(t *testing.T) {
	for _, tt := range []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{90 * time.Minute, "1h30m"},
	} {
		if got := age(time.Now().Add(-tt.d)); got != tt.want {
			t.Errorf("age(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
