// Package issue wraps the gh CLI for the GitHub issue operations the bugfix
// spawn flow needs: fetching an issue with its comments, finding PRs that
// reference it, and posting/detecting claim acknowledgements.
package issue

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// AckMarker is embedded in claim comments so later runs can recognize them.
const AckMarker = "<!-- codev-claim -->"

// Issue is a GitHub issue with the fields the spawn flow inspects.
type Issue struct {
	Number   int       `json:"number"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	State    string    `json:"state"`
	Comments []Comment `json:"comments"`
}

// Comment is a single issue comment.
type Comment struct {
	Author    Author    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Author is the login of a comment author.
type Author struct {
	Login string `json:"login"`
}

// PR is a pull request summary from a search.
type PR struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	URL    string `json:"url"`
}

// Service runs gh commands against the repository in dir.
type Service struct {
	dir string

	// run executes gh with the given args; swapped out in tests.
	run func(dir string, args ...string) ([]byte, error)
}

// New creates an issue Service for the repository at dir.
func New(dir string) *Service {
	return &Service{dir: dir, run: runGH}
}

func runGH(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("gh %s failed: %w\n%s", strings.Join(args, " "), err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("failed to run gh: %w", err)
	}
	return output, nil
}

// Fetch retrieves an issue with its comments.
func (s *Service) Fetch(number int) (*Issue, error) {
	output, err := s.run(s.dir, "issue", "view", fmt.Sprintf("%d", number),
		"--json", "number,title,body,state,comments")
	if err != nil {
		return nil, err
	}

	var iss Issue
	if err := json.Unmarshal(output, &iss); err != nil {
		return nil, fmt.Errorf("failed to parse issue %d: %w", number, err)
	}
	return &iss, nil
}

// Closed reports whether the issue is not open. gh reports state in caps.
func (i *Issue) Closed() bool {
	return !strings.EqualFold(i.State, "open")
}

// SearchPRs finds open pull requests whose title or body references the
// issue number.
func (s *Service) SearchPRs(number int) ([]PR, error) {
	output, err := s.run(s.dir, "pr", "list",
		"--search", fmt.Sprintf("%d in:title,body", number),
		"--state", "open",
		"--json", "number,title,state,url")
	if err != nil {
		return nil, err
	}

	var prs []PR
	if err := json.Unmarshal(output, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse PR search for issue %d: %w", number, err)
	}
	return prs, nil
}

// Ack posts a claim comment on the issue so other operators (and later runs
// of this tool) can see it is being worked on. Failure is advisory; callers
// warn and continue.
func (s *Service) Ack(number int, builderID string) error {
	body := fmt.Sprintf("%s\nClaimed by `%s` — a fix is in progress.", AckMarker, builderID)
	_, err := s.run(s.dir, "issue", "comment", fmt.Sprintf("%d", number), "--body", body)
	return err
}

// RecentAck returns the most recent claim comment within the window, or nil
// if none. Used to detect another session already working the issue.
func (i *Issue) RecentAck(window time.Duration) *Comment {
	cutoff := time.Now().Add(-window)
	var latest *Comment
	for idx := range i.Comments {
		c := &i.Comments[idx]
		if !strings.Contains(c.Body, AckMarker) {
			continue
		}
		if c.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}
