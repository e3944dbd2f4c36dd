package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrRuleNotFound is returned for lookups and mutations of unknown rule ids.
var ErrRuleNotFound = errors.New("rule not found")

// storeFile is the on-disk shape of rules.json.
type storeFile struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
}

// ExportFile is the portable rule set format (version 1).
type ExportFile struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
}

// ImportMode selects how Import combines incoming rules with the store.
type ImportMode string

const (
	// ImportMerge adds incoming rules, replacing existing rules by id.
	ImportMerge ImportMode = "merge"
	// ImportReplace discards all current rules first. A replace-import of a
	// just-exported file reproduces the store byte for byte.
	ImportReplace ImportMode = "replace"
)

// Store holds the rule set and persists it as flock-guarded JSON, typically
// at ~/.config/jat/rules.json. Readers get copy-on-write snapshots; the file
// lock serializes writers across processes.
type Store struct {
	path string

	mu    sync.RWMutex
	rules []Rule
}

// DefaultPath returns the standard rules file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".config", "jat", "rules.json"), nil
}

// NewStore creates a store backed by path. Call Load before first use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the rules file, validating and annotating every rule. A missing
// file loads as an empty set. Rules with zero patterns are a load error.
func (s *Store) Load() error {
	data, err := s.readLocked()
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.rules = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing rules file: %w", err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
		file.Rules[i].Annotate()
	}

	s.mu.Lock()
	s.rules = file.Rules
	s.mu.Unlock()
	return nil
}

// readLocked reads the rules file under the cross-process file lock.
func (s *Store) readLocked() ([]byte, error) {
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking rules file: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return data, nil
}

// save persists the current rule set atomically under the file lock.
// Callers must hold s.mu.
func (s *Store) saveLocked() error {
	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking rules file: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(storeFile{Version: 1, Rules: s.rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing rules: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing rules: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the rule set, evaluation-ordered: priority
// descending, then id ascending for a stable total order.
func (s *Store) Snapshot() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the rule with the given id.
func (s *Store) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Add validates and stores a new rule. An empty id gets a fresh UUID.
func (s *Store) Add(r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	r.Annotate()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.ID == r.ID {
			return Rule{}, fmt.Errorf("rule %s already exists", r.ID)
		}
	}
	s.rules = append(s.rules, r)
	if err := s.saveLocked(); err != nil {
		s.rules = s.rules[:len(s.rules)-1]
		return Rule{}, err
	}
	return r, nil
}

// Update replaces the rule with the given id.
func (s *Store) Update(id string, r Rule) (Rule, error) {
	r.ID = id
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	r.ValidationError = ""
	r.Annotate()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.rules {
		if existing.ID != id {
			continue
		}
		prev := s.rules[i]
		s.rules[i] = r
		if err := s.saveLocked(); err != nil {
			s.rules[i] = prev
			return Rule{}, err
		}
		return r, nil
	}
	return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Delete removes a rule.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID != id {
			continue
		}
		prev := make([]Rule, len(s.rules))
		copy(prev, s.rules)
		s.rules = append(s.rules[:i], s.rules[i+1:]...)
		if err := s.saveLocked(); err != nil {
			s.rules = prev
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Reorder assigns priorities from the given id order, first id highest. Every
// stored rule must appear exactly once.
func (s *Store) Reorder(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) != len(s.rules) {
		return fmt.Errorf("reorder lists %d rules, store has %d", len(ids), len(s.rules))
	}
	index := make(map[string]int, len(s.rules))
	for i, r := range s.rules {
		index[r.ID] = i
	}
	prev := make([]Rule, len(s.rules))
	copy(prev, s.rules)
	seen := make(map[string]bool, len(ids))
	for pos, id := range ids {
		i, ok := index[id]
		if !ok {
			s.rules = prev
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		if seen[id] {
			s.rules = prev
			return fmt.Errorf("duplicate rule id %s in reorder", id)
		}
		seen[id] = true
		s.rules[i].Priority = len(ids) - pos
	}
	if err := s.saveLocked(); err != nil {
		s.rules = prev
		return err
	}
	return nil
}

// Export returns the portable form of the rule set.
func (s *Store) Export() ExportFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]Rule, len(s.rules))
	copy(rules, s.rules)
	return ExportFile{Version: 1, Rules: rules}
}

// Import installs rules from an export file. Merge replaces by id and keeps
// the rest; Replace discards the current set first.
func (s *Store) Import(file ExportFile, mode ImportMode) error {
	if file.Version != 1 {
		return fmt.Errorf("unsupported rules export version %d", file.Version)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return fmt.Errorf("importing rules: %w", err)
		}
		file.Rules[i].Annotate()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rules

	switch mode {
	case ImportReplace:
		s.rules = file.Rules
	case ImportMerge:
		merged := make([]Rule, len(s.rules))
		copy(merged, s.rules)
		index := make(map[string]int, len(merged))
		for i, r := range merged {
			index[r.ID] = i
		}
		for _, r := range file.Rules {
			if i, ok := index[r.ID]; ok {
				merged[i] = r
			} else {
				merged = append(merged, r)
			}
		}
		s.rules = merged
	default:
		return fmt.Errorf("unknown import mode %q", mode)
	}

	if err := s.saveLocked(); err != nil {
		s.rules = prev
		return err
	}
	return nil
}

// EnsurePresets installs any built-in preset rules missing from the store.
// User edits to installed presets are never overwritten.
func (s *Store) EnsurePresets() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := make(map[string]bool)
	for _, r := range s.rules {
		if r.PresetID != "" {
			have[r.PresetID] = true
		}
	}
	added := false
	prev := make([]Rule, len(s.rules))
	copy(prev, s.rules)
	for _, p := range Presets() {
		if have[p.PresetID] {
			continue
		}
		p.ID = uuid.NewString()
		s.rules = append(s.rules, p)
		added = true
	}
	if !added {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		s.rules = prev
		return err
	}
	return nil
}
