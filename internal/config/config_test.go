package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if f.Defaults.Model != DefaultModel || f.Defaults.MaxSessions != DefaultMaxSessions {
		t.Errorf("defaults = %+v", f.Defaults)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
		ok   bool
	}{
		{"valid", `{"defaults":{"model":"opus","max_sessions":4,"default_agent_count":2,"agent_stagger":15,"claude_startup_timeout":30}}`, true},
		{"bad model", `{"defaults":{"model":"gpt9"}}`, false},
		{"max_sessions too high", `{"defaults":{"max_sessions":21}}`, false},
		{"agent count above cap", `{"defaults":{"max_sessions":2,"default_agent_count":3}}`, false},
		{"stagger out of range", `{"defaults":{"agent_stagger":121}}`, false},
		{"startup timeout too low", `{"defaults":{"claude_startup_timeout":4}}`, false},
		{"project without path", `{"defaults":{},"projects":{"web":{}}}`, false},
		{"project bad model", `{"defaults":{},"projects":{"web":{"path":"/src/web","model":"gpt9"}}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.json))
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestResolveProject(t *testing.T) {
	path := writeFile(t, `{
		"defaults": {"model": "haiku"},
		"projects": {
			"web":  {"path": "/src/web"},
			"api":  {"path": "/src/api", "model": "opus"}
		}
	}`)
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// Project model falls back to defaults.model.
	p, err := f.Resolve("web")
	if err != nil || p.Model != "haiku" {
		t.Errorf("web = %+v, %v", p, err)
	}
	p, err = f.Resolve("api")
	if err != nil || p.Model != "opus" {
		t.Errorf("api = %+v, %v", p, err)
	}
	if _, err := f.Resolve("ghost"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Resolve(ghost) = %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Projects = map[string]Project{"web": {Path: "/src/web"}}
	if err := f.Save(path); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Resolve("web"); err != nil {
		t.Errorf("project lost in round trip: %v", err)
	}
}

func TestLoadTuning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jat.toml")
	content := `
[capture]
focused_ms = 250
background_ms = 4000

[classifier]
decay_seconds = 90

[[indicators]]
state = "working"
pattern = "Crunching"
weight = 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tun, err := LoadTuning(path)
	if err != nil {
		t.Fatal(err)
	}
	if tun.FocusedInterval().Milliseconds() != 250 || tun.Decay().Seconds() != 90 {
		t.Errorf("tuning = %+v", tun)
	}
	if len(tun.Indicators) != 1 || tun.Indicators[0].Pattern != "Crunching" {
		t.Errorf("indicators = %+v", tun.Indicators)
	}
}

func TestLoadTuningMissingFile(t *testing.T) {
	tun, err := LoadTuning(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if tun.FocusedInterval() != 0 {
		t.Error("missing tuning file should produce zero values")
	}
}
