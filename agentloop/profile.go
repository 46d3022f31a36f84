package agentloop

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentProfile defines an agent's system prompt, tool allow-list and
// optional model override. Profiles are Markdown files with YAML
// frontmatter:
//
//	---
//	name: reviewer
//	description: Reads code and reports problems
//	tools: read_file, grep, glob
//	model: inherit
//	---
//	You are a careful reviewer...
type AgentProfile struct {
	Name         string
	Description  string
	Model        string   // empty means the configured default
	Tools        []string // empty means every registered tool
	SystemPrompt string
}

type profileFrontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Model       string    `yaml:"model"`
	Tools       toolsList `yaml:"tools"`
}

// toolsList accepts either a comma-separated string or a YAML sequence.
type toolsList []string

func (t *toolsList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*t = nil
			return nil
		}
		var out []string
		for _, name := range strings.Split(node.Value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
		*t = out
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*t = names
		return nil
	}
	return fmt.Errorf("line %d: tools must be a list or a comma-separated string", node.Line)
}

var frontmatterDelim = []byte("---")

// ParseProfile parses a Markdown profile.
func ParseProfile(data []byte) (*AgentProfile, error) {
	data = bytes.TrimLeft(data, "\ufeff \t\r\n")
	if !bytes.HasPrefix(data, frontmatterDelim) {
		return nil, errors.New("profile: missing frontmatter")
	}
	rest := data[len(frontmatterDelim):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, errors.New("profile: unterminated frontmatter")
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	var fm profileFrontmatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if strings.TrimSpace(fm.Name) == "" {
		return nil, errors.New("profile: missing name")
	}

	model := strings.TrimSpace(fm.Model)
	switch strings.ToLower(model) {
	case "inherit", "default", "null", "none":
		model = ""
	}

	return &AgentProfile{
		Name:         strings.TrimSpace(fm.Name),
		Description:  strings.TrimSpace(fm.Description),
		Model:        model,
		Tools:        []string(fm.Tools),
		SystemPrompt: strings.TrimSpace(string(body)),
	}, nil
}

// LoadProfile reads and parses the profile at path.
func LoadProfile(path string) (*AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// DefaultProfile is the built-in general coding agent.
func DefaultProfile() *AgentProfile {
	return &AgentProfile{
		Name:        "default",
		Description: "General coding agent",
		SystemPrompt: `You are an autonomous coding agent working in a software repository.

Work in small verified steps:
1. Explore the code with read_file, grep and glob before changing anything.
2. Make precise edits with edit_file, or write_file for new files.
3. Run the project's tests with bash after each change and read the failures.
4. When you fix a bug, add a test that fails without the fix.

Always read a file before editing it. Keep changes minimal and focused on the task.
When the task is complete, reply with a short summary and no tool calls.`,
	}
}

// ToolRegistry restricts registry to the profile's allow-list.
func (p *AgentProfile) ToolRegistry(registry *ToolRegistry) (*ToolRegistry, error) {
	return registry.Filter(p.Tools)
}
