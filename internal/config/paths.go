package config

import (
	"os"
	"path/filepath"
)

// ProjectDirName is the per-project directory holding codev state.
const ProjectDirName = ".codev"

// GlobalDir returns the machine-global codev directory (~/.codev), which
// holds the cross-project port registry and user config.
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ProjectDirName
	}
	return filepath.Join(home, ProjectDirName)
}

// ConfigDir returns the directory searched for codev.yaml.
func ConfigDir() string {
	return GlobalDir()
}

// ProjectDir returns the .codev directory for a project root.
func ProjectDir(projectRoot string) string {
	return filepath.Join(projectRoot, ProjectDirName)
}

// StateDBPath returns the per-project session state database path.
func StateDBPath(projectRoot string) string {
	return filepath.Join(ProjectDir(projectRoot), "state.db")
}

// RegistryDBPath returns the machine-global port registry database path.
func RegistryDBPath() string {
	return filepath.Join(GlobalDir(), "ports.db")
}

// WorktreesDir returns the directory under which builder worktrees live.
func WorktreesDir(projectRoot string) string {
	return filepath.Join(ProjectDir(projectRoot), "worktrees")
}

// WorktreePath returns the worktree path for a builder ID.
func WorktreePath(projectRoot, builderID string) string {
	return filepath.Join(WorktreesDir(projectRoot), builderID)
}

// PromptsDir returns the directory holding generated prompt and role files.
// Prompt content is written to files and referenced by path so raw text is
// never interpolated into a shell command line.
func PromptsDir(projectRoot string) string {
	return filepath.Join(ProjectDir(projectRoot), "prompts")
}

// LogsDir returns the per-project log directory.
func LogsDir(projectRoot string) string {
	return filepath.Join(ProjectDir(projectRoot), "logs")
}
