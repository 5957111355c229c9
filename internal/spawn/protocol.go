package spawn

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/errors"
)

// Protocol is a reusable multi-step working agreement a builder follows.
// Definitions live under .codev/protocols/<name>.yaml in the project.
type Protocol struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Steps       []string `yaml:"steps"`
}

// LoadProtocol reads and validates a protocol definition by name.
func LoadProtocol(projectRoot, name string) (*Protocol, error) {
	path := filepath.Join(config.ProjectDir(projectRoot), "protocols", name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFatal(fmt.Sprintf("protocol %q not found at %s", name, path), err)
		}
		return nil, fmt.Errorf("failed to read protocol %s: %w", name, err)
	}

	var p Protocol
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse protocol %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	if len(p.Steps) == 0 {
		return nil, errors.NewValidationError("steps", fmt.Sprintf("protocol %q defines no steps", name))
	}
	return &p, nil
}

// Prompt renders the protocol as the builder's initial instructions.
func (p *Protocol) Prompt() string {
	out := fmt.Sprintf("# Protocol: %s\n\n", p.Name)
	if p.Description != "" {
		out += p.Description + "\n\n"
	}
	out += "Follow these steps in order, completing each before moving on:\n\n"
	for i, step := range p.Steps {
		out += fmt.Sprintf("%d. %s\n", i+1, step)
	}
	return out
}
