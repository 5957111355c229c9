package state

import "time"

// Builder statuses. The set is fixed but transitions are advisory: a builder
// may be set to any status in the set via the status command, the model is
// not a hard state machine enforced by the store.
const (
	StatusSpawning     = "spawning"
	StatusImplementing = "implementing"
	StatusBlocked      = "blocked"
	StatusPRReady      = "pr-ready"
	StatusComplete     = "complete"
)

// Builder types. The type records how a builder was provisioned and what its
// initial prompt was; all types share the same session-lifecycle fields.
const (
	TypeSpec     = "spec"
	TypeTask     = "task"
	TypeProtocol = "protocol"
	TypeShell    = "shell"
	TypeWorktree = "worktree"
	TypeBugfix   = "bugfix"
)

// ValidStatus reports whether s is in the fixed status set.
func ValidStatus(s string) bool {
	switch s {
	case StatusSpawning, StatusImplementing, StatusBlocked, StatusPRReady, StatusComplete:
		return true
	}
	return false
}

// ValidType reports whether t is a known builder type.
func ValidType(t string) bool {
	switch t {
	case TypeSpec, TypeTask, TypeProtocol, TypeShell, TypeWorktree, TypeBugfix:
		return true
	}
	return false
}

// Architect is the singleton controlling session for a project instance.
type Architect struct {
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	Cmd         string    `json:"cmd"`
	StartedAt   time.Time `json:"startedAt"`
	TmuxSession string    `json:"tmuxSession"`
}

// Builder is one isolated agent session working toward a spec, task,
// protocol, or issue. Worktree and Branch are empty only for TypeShell.
type Builder struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	Status       string    `json:"status"`
	Phase        string    `json:"phase,omitempty"`
	Worktree     string    `json:"worktree,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	TmuxSession  string    `json:"tmuxSession"`
	Type         string    `json:"type"`
	TaskText     string    `json:"taskText,omitempty"`
	ProtocolName string    `json:"protocolName,omitempty"`
	IssueNumber  int       `json:"issueNumber,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Util is a bare shell session with no git isolation and no injected role.
type Util struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	TmuxSession string `json:"tmuxSession,omitempty"`
}

// Annotation is one open file-viewer process. At most one annotation exists
// per absolute file path at a time.
type Annotation struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	Port   int    `json:"port"`
	PID    int    `json:"pid"`
	Parent string `json:"parent,omitempty"`
}

// PortReservation marks a port as claimed by a session that is still starting
// up and therefore has no record yet. The reservation's primary-key insert is
// the mutual exclusion between racing spawners; the row is released once the
// session record (which carries the port) is persisted, and reaped by prune
// when the reserving process died mid-spawn.
type PortReservation struct {
	Port      int
	SessionID string
	PID       int
}

// State is a snapshot of all live sessions for one project instance, in the
// shape the dashboard UI consumes.
type State struct {
	Architect   *Architect    `json:"architect,omitempty"`
	Builders    []*Builder    `json:"builders"`
	Utils       []*Util       `json:"utils"`
	Annotations []*Annotation `json:"annotations"`
}

// UsedPorts returns every port currently recorded by any session in the
// snapshot. Spawners must skip these when scanning for a free port: a plain
// "is the OS port free" check misses builders that are mid-startup and not
// yet bound.
func (s *State) UsedPorts() map[int]bool {
	used := make(map[int]bool)
	if s.Architect != nil {
		used[s.Architect.Port] = true
	}
	for _, b := range s.Builders {
		used[b.Port] = true
	}
	for _, u := range s.Utils {
		used[u.Port] = true
	}
	for _, a := range s.Annotations {
		used[a.Port] = true
	}
	return used
}
