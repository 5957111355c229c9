package spawn

import (
	"fmt"
	"strings"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/state"
)

// Options selects and parameterizes a single spawn. Exactly one mode field
// must be set.
type Options struct {
	// Mode selectors. Exactly one must be present.
	SpecFile    string // spec mode: path to a spec markdown file
	Task        string // task mode: free-text task description
	Protocol    string // protocol mode: protocol name under .codev/protocols/
	IssueNumber int    // bugfix mode: GitHub issue number
	Shell       bool   // shell mode: bare interactive session, no worktree
	Worktree    bool   // worktree mode: isolated interactive session, no prompt

	// Mode-dependent extras.
	PlanFile  string   // spec mode only: optional plan file referenced in the prompt
	TaskFiles []string // task mode only: file hints appended to the prompt

	// Cross-mode options.
	Name   string // display name override; defaults to the builder ID
	Force  bool   // bugfix mode: proceed despite claim heuristics
	NoRole bool   // skip role injection
}

// Mode returns the selected mode's builder type, assuming Validate passed.
func (o *Options) Mode() string {
	switch {
	case o.SpecFile != "":
		return state.TypeSpec
	case o.Task != "":
		return state.TypeTask
	case o.Protocol != "":
		return state.TypeProtocol
	case o.IssueNumber != 0:
		return state.TypeBugfix
	case o.Shell:
		return state.TypeShell
	case o.Worktree:
		return state.TypeWorktree
	}
	return ""
}

// Validate checks mode selection and dependent flags. Pure: it runs before
// any side effect, so a bad invocation never provisions anything.
func (o *Options) Validate() error {
	var modes []string
	if o.SpecFile != "" {
		modes = append(modes, "--spec")
	}
	if o.Task != "" {
		modes = append(modes, "--task")
	}
	if o.Protocol != "" {
		modes = append(modes, "--protocol")
	}
	if o.IssueNumber != 0 {
		modes = append(modes, "--issue")
	}
	if o.Shell {
		modes = append(modes, "--shell")
	}
	if o.Worktree {
		modes = append(modes, "--worktree")
	}

	switch len(modes) {
	case 0:
		return fmt.Errorf("%w: pass one of --spec, --task, --protocol, --issue, --shell, --worktree", errors.ErrNoSpawnMode)
	case 1:
	default:
		return fmt.Errorf("%w: %s are mutually exclusive", errors.ErrMultipleSpawnModes, strings.Join(modes, ", "))
	}

	if len(o.TaskFiles) > 0 && o.Task == "" {
		return errors.NewValidationError("files", "file hints require --task")
	}
	if o.PlanFile != "" && o.SpecFile == "" {
		return errors.NewValidationError("plan", "a plan file requires --spec")
	}
	if o.Force && o.IssueNumber == 0 {
		return errors.NewValidationError("force", "--force only applies to --issue")
	}
	if o.IssueNumber < 0 {
		return errors.NewValidationError("issue", "issue number must be positive")
	}
	return nil
}
