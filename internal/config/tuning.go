package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Tuning is the optional jat.toml file: classifier indicator overrides and
// capture cadence tweaks. Everything has a working default; the file exists
// for operators who need to teach the classifier new agent output.
type Tuning struct {
	Capture    CaptureTuning     `toml:"capture"`
	Classifier ClassifierTuning  `toml:"classifier"`
	Indicators []IndicatorTuning `toml:"indicators"`
}

type CaptureTuning struct {
	FocusedMs    int `toml:"focused_ms"`
	BackgroundMs int `toml:"background_ms"`
	WindowLines  int `toml:"window_lines"`
}

type ClassifierTuning struct {
	DecaySeconds int `toml:"decay_seconds"`
}

// IndicatorTuning is one [[indicators]] entry appended to the built-in
// classifier table.
type IndicatorTuning struct {
	State   string `toml:"state"`
	Pattern string `toml:"pattern"`
	Weight  int    `toml:"weight"`
}

// DefaultTuningPath returns the standard jat.toml location.
func DefaultTuningPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".config", "jat", "jat.toml"), nil
}

// LoadTuning reads jat.toml. A missing file is a zero Tuning.
func LoadTuning(path string) (*Tuning, error) {
	var t Tuning
	if _, err := toml.DecodeFile(path, &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &t, nil
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &t, nil
}

// FocusedInterval returns the tuned focused capture cadence, or zero when
// unset so callers fall back to the engine default.
func (t *Tuning) FocusedInterval() time.Duration {
	return time.Duration(t.Capture.FocusedMs) * time.Millisecond
}

// BackgroundInterval returns the tuned background capture cadence.
func (t *Tuning) BackgroundInterval() time.Duration {
	return time.Duration(t.Capture.BackgroundMs) * time.Millisecond
}

// Decay returns the tuned signal decay window.
func (t *Tuning) Decay() time.Duration {
	return time.Duration(t.Classifier.DecaySeconds) * time.Second
}
