// Package config loads the defaults file (~/.config/jat/projects.json) and
// the optional jat.toml tuning file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Model names accepted by the defaults file.
var validModels = map[string]bool{"opus": true, "sonnet": true, "haiku": true}

// Built-in fallbacks applied before the defaults file is read.
const (
	DefaultModel          = "sonnet"
	DefaultMaxSessions    = 6
	DefaultAgentCount     = 3
	DefaultAgentStagger   = 10
	DefaultStartupTimeout = 20
)

// Defaults is the top-level `defaults` object of projects.json.
type Defaults struct {
	Model                string `json:"model,omitempty"`
	MaxSessions          int    `json:"max_sessions,omitempty"`
	DefaultAgentCount    int    `json:"default_agent_count,omitempty"`
	AgentStagger         int    `json:"agent_stagger,omitempty"`
	ClaudeStartupTimeout int    `json:"claude_startup_timeout,omitempty"`
	Terminal             string `json:"terminal,omitempty"`
	Editor               string `json:"editor,omitempty"`
	ToolsPath            string `json:"tools_path,omitempty"`
	ClaudeFlags          string `json:"claude_flags,omitempty"`
}

// Project is one registered project the orchestrator can spawn agents in.
type Project struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"` // overrides defaults.model
}

// File is the persisted shape of projects.json.
type File struct {
	Defaults Defaults           `json:"defaults"`
	Projects map[string]Project `json:"projects,omitempty"`
}

// ErrProjectNotFound reports an unregistered project key.
var ErrProjectNotFound = errors.New("project not found")

// DefaultPath returns the standard defaults file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".config", "jat", "projects.json"), nil
}

// Load reads and validates the defaults file. A missing file yields built-in
// defaults. Validation failures are fatal; the CLI maps them to exit 64.
func Load(path string) (*File, error) {
	f := &File{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading defaults file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	f.applyFallbacks()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) applyFallbacks() {
	d := &f.Defaults
	if d.Model == "" {
		d.Model = DefaultModel
	}
	if d.MaxSessions == 0 {
		d.MaxSessions = DefaultMaxSessions
	}
	if d.DefaultAgentCount == 0 {
		d.DefaultAgentCount = DefaultAgentCount
	}
	if d.AgentStagger == 0 {
		d.AgentStagger = DefaultAgentStagger
	}
	if d.ClaudeStartupTimeout == 0 {
		d.ClaudeStartupTimeout = DefaultStartupTimeout
	}
}

// Validate enforces the documented option ranges.
func (f *File) Validate() error {
	d := f.Defaults
	if !validModels[d.Model] {
		return fmt.Errorf("defaults.model %q: must be opus, sonnet or haiku", d.Model)
	}
	if d.MaxSessions < 1 || d.MaxSessions > 20 {
		return fmt.Errorf("defaults.max_sessions %d: must be 1-20", d.MaxSessions)
	}
	if d.DefaultAgentCount < 1 || d.DefaultAgentCount > d.MaxSessions {
		return fmt.Errorf("defaults.default_agent_count %d: must be 1-%d", d.DefaultAgentCount, d.MaxSessions)
	}
	if d.AgentStagger < 1 || d.AgentStagger > 120 {
		return fmt.Errorf("defaults.agent_stagger %d: must be 1-120", d.AgentStagger)
	}
	if d.ClaudeStartupTimeout < 5 || d.ClaudeStartupTimeout > 120 {
		return fmt.Errorf("defaults.claude_startup_timeout %d: must be 5-120", d.ClaudeStartupTimeout)
	}
	for key, p := range f.Projects {
		if p.Path == "" {
			return fmt.Errorf("projects.%s: path is required", key)
		}
		if p.Model != "" && !validModels[p.Model] {
			return fmt.Errorf("projects.%s.model %q: must be opus, sonnet or haiku", key, p.Model)
		}
	}
	return nil
}

// Resolve returns the project for a key along with its effective model.
func (f *File) Resolve(key string) (Project, error) {
	p, ok := f.Projects[key]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, key)
	}
	if p.Model == "" {
		p.Model = f.Defaults.Model
	}
	return p, nil
}

// Save writes the file back atomically.
func (f *File) Save(path string) error {
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing defaults: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing defaults: %w", err)
	}
	return nil
}
