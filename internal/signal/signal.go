// Package signal defines the structured lifecycle events deposited by
// in-terminal hooks and the filesystem inbox they travel through.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind identifies a lifecycle signal.
type Kind string

// Signal kinds emitted by in-terminal hooks.
const (
	KindStarting   Kind = "starting"
	KindWorking    Kind = "working"
	KindIdle       Kind = "idle"
	KindNeedsInput Kind = "needs_input"
	KindReview     Kind = "review"
	KindCompleting Kind = "completing"
	KindCompleted  Kind = "completed"
	KindCompacting Kind = "compacting"
)

// Valid reports whether k is a known signal kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStarting, KindWorking, KindIdle, KindNeedsInput,
		KindReview, KindCompleting, KindCompleted, KindCompacting:
		return true
	}
	return false
}

// Signal is the envelope written by hooks as a single JSON line.
// Unknown payload fields are ignored; payload shape depends on Kind.
type Signal struct {
	Kind      Kind            `json:"kind"`
	Session   string          `json:"session"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key returns the idempotency key for at-least-once delivery. Subscribers
// must not reprocess a signal with a key they have already seen.
func (s Signal) Key() string {
	return s.Session + "|" + string(s.Kind) + "|" + s.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Per-kind payload shapes. All fields optional unless noted.

type StartingPayload struct {
	AgentName string `json:"agentName"`
	Project   string `json:"project"`
}

type WorkingPayload struct {
	TaskID    string `json:"taskId"`
	TaskTitle string `json:"taskTitle"`
}

type IdlePayload struct {
	ReadyForWork bool `json:"readyForWork"`
}

type NeedsInputPayload struct {
	TaskID       string `json:"taskId"`
	Question     string `json:"question"`
	QuestionType string `json:"questionType"`
}

type ReviewPayload struct {
	TaskID  string   `json:"taskId"`
	Summary []string `json:"summary"`
}

type CompletingPayload struct {
	TaskID      string `json:"taskId"`
	CurrentStep string `json:"currentStep"`
}

type CompletedPayload struct {
	TaskID  string `json:"taskId"`
	Outcome string `json:"outcome"` // "success" | "failure"
}

type CompactingPayload struct {
	Reason            string `json:"reason"`
	ContextSizeBefore int    `json:"contextSizeBefore"`
}

// decode unmarshals the payload into v, tolerating an absent payload.
func (s Signal) decode(v any) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}

// Starting returns the starting payload. Zero value when absent.
func (s Signal) Starting() (StartingPayload, error) {
	var p StartingPayload
	return p, s.decode(&p)
}

// Working returns the working payload.
func (s Signal) Working() (WorkingPayload, error) {
	var p WorkingPayload
	return p, s.decode(&p)
}

// Idle returns the idle payload.
func (s Signal) Idle() (IdlePayload, error) {
	var p IdlePayload
	return p, s.decode(&p)
}

// NeedsInput returns the needs_input payload.
func (s Signal) NeedsInput() (NeedsInputPayload, error) {
	var p NeedsInputPayload
	return p, s.decode(&p)
}

// Review returns the review payload.
func (s Signal) Review() (ReviewPayload, error) {
	var p ReviewPayload
	return p, s.decode(&p)
}

// Completing returns the completing payload.
func (s Signal) Completing() (CompletingPayload, error) {
	var p CompletingPayload
	return p, s.decode(&p)
}

// Completed returns the completed payload.
func (s Signal) Completed() (CompletedPayload, error) {
	var p CompletedPayload
	return p, s.decode(&p)
}

// Compacting returns the compacting payload.
func (s Signal) Compacting() (CompactingPayload, error) {
	var p CompactingPayload
	return p, s.decode(&p)
}

// Deposit writes a signal into the inbox the way a hook would: a single JSON
// line, written to a temp file and renamed into place so the watcher never
// sees a partial write. Used by the rule engine's signal action and by tests.
func Deposit(dir string, sig Signal) error {
	if !sig.Kind.Valid() {
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	name := fmt.Sprintf("sig-%d-%s.json", time.Now().UnixNano(), sig.Kind)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing signal: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing signal: %w", err)
	}
	return nil
}
