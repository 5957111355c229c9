package spawn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/issue"
	"github.com/electricddev/codev-sub000/internal/util"
)

// defaultRole is the bundled role definition, used when the project does not
// carry its own .codev/role.md.
const defaultRole = `You are a builder: an autonomous engineer working inside an isolated git
worktree on a dedicated branch. Your work must stay within this worktree.

Ground rules:
- Commit early and often with clear messages.
- When your change is ready, push the branch and open a pull request.
- If you are blocked, say so explicitly and explain what you need.
- Do not modify global machine state or other builders' worktrees.
`

// specPrompt builds the initial prompt for spec mode.
func specPrompt(specContent, planFile string) string {
	var b strings.Builder
	b.WriteString("Implement the following specification:\n\n")
	b.WriteString(specContent)
	if planFile != "" {
		fmt.Fprintf(&b, "\n\nAn implementation plan exists at %s. Read it before starting.\n", planFile)
	}
	return b.String()
}

// taskPrompt builds the initial prompt for task mode.
func taskPrompt(task string, files []string) string {
	var b strings.Builder
	b.WriteString(task)
	if len(files) > 0 {
		b.WriteString("\n\nRelevant files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// bugfixPrompt renders a fetched issue into the fixed bugfix instructions.
func bugfixPrompt(iss *issue.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix GitHub issue #%d: %s\n\n", iss.Number, iss.Title)
	b.WriteString("## Issue description\n\n")
	if iss.Body != "" {
		b.WriteString(iss.Body + "\n")
	} else {
		b.WriteString("(no description)\n")
	}
	if len(iss.Comments) > 0 {
		b.WriteString("\n## Comments\n")
		for _, c := range iss.Comments {
			fmt.Fprintf(&b, "\n**%s** (%s):\n%s\n", c.Author.Login, c.CreatedAt.Format("2006-01-02"), c.Body)
		}
	}
	b.WriteString(`
## Process

1. Reproduce the issue first. If you cannot reproduce it, document why.
2. Write a failing test that captures the bug.
3. Fix the bug; keep the change minimal.
4. Ensure the test passes and no others break.
5. Push the branch and open a PR that references the issue number.
`)
	return b.String()
}

// writePromptFile writes prompt content for a builder under the project's
// prompts directory and returns the file path. Only this path, never the
// content, appears on the agent's command line.
func writePromptFile(projectRoot, builderID, content string) (string, error) {
	dir := config.PromptsDir(projectRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create prompts dir: %w", err)
	}
	path := filepath.Join(dir, builderID+".codev-prompt.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write prompt file: %w", err)
	}
	return path, nil
}

// resolveRoleFile returns the role file path to inject, writing the bundled
// default if the project carries no override. Empty when disabled.
func resolveRoleFile(projectRoot, roleFile string, disabled bool) (string, error) {
	if disabled {
		return "", nil
	}
	override := filepath.Join(projectRoot, roleFile)
	if util.FileExists(override) {
		return override, nil
	}

	dir := config.PromptsDir(projectRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create prompts dir: %w", err)
	}
	path := filepath.Join(dir, "default-role.md")
	if !util.FileExists(path) {
		if err := os.WriteFile(path, []byte(defaultRole), 0o644); err != nil {
			return "", fmt.Errorf("failed to write default role: %w", err)
		}
	}
	return path, nil
}
