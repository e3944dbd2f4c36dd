// Package question surfaces agent→user questions: hook-deposited question
// files, rule-created questions, and prompts extracted from pane text. It
// relays answers back into the session as keystrokes.
package question

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind is the question interaction type.
type Kind string

// Question kinds.
const (
	KindChoice  Kind = "choice"
	KindConfirm Kind = "confirm"
	KindInput   Kind = "input"
)

// Option is one selectable answer of a choice question.
type Option struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Question is the on-disk and in-memory question record. Hooks write it as
// JSON under two names so either lookup key finds it.
type Question struct {
	SessionID      string    `json:"sessionId"`
	DisplayName    string    `json:"displayName"`
	QuestionID     string    `json:"questionId"`
	Kind           Kind      `json:"kind"`
	Question       string    `json:"question"`
	Options        []Option  `json:"options,omitempty"`
	TimeoutSeconds int       `json:"timeoutSeconds,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Errors returned by answer handling.
var (
	ErrNoPending     = errors.New("no pending question for session")
	ErrUnknownOption = errors.New("answer does not match any option")
)

// filePrefix is the well-known temp file prefix hooks write under.
const filePrefix = "claude-question-"

// suppressWindow blocks re-reading stale question state after an answer.
const suppressWindow = 2 * time.Second

// EventType tags surface events for the SSE stream.
type EventType string

const (
	EventCreated   EventType = "created"
	EventAnswered  EventType = "answered"
	EventCancelled EventType = "cancelled"
)

// Event is one question lifecycle notification.
type Event struct {
	Type     EventType
	Question Question
}

// Injector is the slice of the terminal bus answers travel through.
type Injector interface {
	SendText(name, text string) error
	SendKeys(name string, keys ...string) error
}

// Surface tracks at most one pending question per session and relays
// answers. Safe for concurrent use.
type Surface struct {
	tmpDir   string
	injector Injector
	log      *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	pending    map[string]Question  // display name → question
	suppressed map[string]time.Time // display name → suppressed until
	seenPanes  map[string]uint64    // extractor dedup, display name → pane hash
	subs       []func(Event)
}

// NewSurface creates a surface reading question files from tmpDir (the OS
// temp dir in production).
func NewSurface(tmpDir string, injector Injector, log *zap.Logger) *Surface {
	if log == nil {
		log = zap.NewNop()
	}
	return &Surface{
		tmpDir:     tmpDir,
		injector:   injector,
		log:        log,
		now:        time.Now,
		pending:    make(map[string]Question),
		suppressed: make(map[string]time.Time),
		seenPanes:  make(map[string]uint64),
	}
}

// Subscribe registers a listener for question births and deaths.
func (s *Surface) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Surface) emit(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// paths returns both file names a question is stored under.
func (s *Surface) paths(q Question) [2]string {
	return [2]string{
		filepath.Join(s.tmpDir, filePrefix+q.SessionID+".json"),
		filepath.Join(s.tmpDir, filePrefix+"tmux-"+q.DisplayName+".json"),
	}
}

// Post registers a question and writes both file variants, the way a hook
// would. Used by rule actions. A session with a pending question keeps it;
// the new one is dropped.
func (s *Surface) Post(q Question) error {
	if q.QuestionID == "" {
		q.QuestionID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	if q.Kind != KindChoice && q.Kind != KindConfirm && q.Kind != KindInput {
		return fmt.Errorf("unknown question kind %q", q.Kind)
	}
	if q.Kind == KindChoice && len(q.Options) < 2 {
		return errors.New("choice question needs at least two options")
	}

	s.mu.Lock()
	if _, exists := s.pending[q.DisplayName]; exists {
		s.mu.Unlock()
		return nil
	}
	s.pending[q.DisplayName] = q
	s.mu.Unlock()

	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding question: %w", err)
	}
	for _, p := range s.paths(q) {
		if err := os.WriteFile(p, data, 0o644); err != nil {
			s.log.Warn("writing question file", zap.String("path", p), zap.Error(err))
		}
	}
	s.emit(Event{Type: EventCreated, Question: q})
	return nil
}

// Pending returns the pending question for a session, if any.
func (s *Surface) Pending(displayName string) (Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pending[displayName]
	return q, ok
}

// All returns every pending question.
func (s *Surface) All() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Question, 0, len(s.pending))
	for _, q := range s.pending {
		out = append(out, q)
	}
	return out
}

// Scan reads hook-deposited question files from the temp dir and registers
// any new ones. Sessions inside the post-answer suppression window are
// skipped so a just-answered question is not resurrected from stale files.
func (s *Surface) Scan() {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		s.log.Debug("scanning question dir", zap.Error(err))
		return
	}
	now := s.now()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.tmpDir, name))
		if err != nil {
			continue
		}
		var q Question
		if err := json.Unmarshal(data, &q); err != nil {
			s.log.Warn("malformed question file", zap.String("file", name), zap.Error(err))
			continue
		}
		if q.DisplayName == "" || q.QuestionID == "" {
			continue
		}

		s.mu.Lock()
		if until, ok := s.suppressed[q.DisplayName]; ok && now.Before(until) {
			s.mu.Unlock()
			continue
		}
		if existing, ok := s.pending[q.DisplayName]; ok {
			// At most one pending question per session; the same question
			// appears under both file names.
			if existing.QuestionID != q.QuestionID {
				s.log.Debug("dropping second question for session",
					zap.String("session", q.DisplayName))
			}
			s.mu.Unlock()
			continue
		}
		s.pending[q.DisplayName] = q
		s.mu.Unlock()
		s.emit(Event{Type: EventCreated, Question: q})
	}
}

// Run polls the temp dir until the context is cancelled.
func (s *Surface) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan()
		}
	}
}

// Answer relays the user's answer into the session and retires the question:
// inject per kind, delete both files, suppress re-reads for the suppression
// window.
func (s *Surface) Answer(displayName, value string) error {
	s.mu.Lock()
	q, ok := s.pending[displayName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPending, displayName)
	}

	var err error
	switch q.Kind {
	case KindChoice:
		idx := optionIndex(q.Options, value)
		if idx < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownOption, value)
		}
		if err = s.injector.SendText(displayName, strconv.Itoa(idx+1)); err == nil {
			err = s.injector.SendKeys(displayName, "Enter")
		}
	case KindConfirm:
		key := "n"
		switch strings.ToLower(value) {
		case "y", "yes", "true", "1":
			key = "y"
		}
		if err = s.injector.SendText(displayName, key); err == nil {
			err = s.injector.SendKeys(displayName, "Enter")
		}
	case KindInput:
		if err = s.injector.SendText(displayName, value); err == nil {
			err = s.injector.SendKeys(displayName, "Enter")
		}
	default:
		return fmt.Errorf("unknown question kind %q", q.Kind)
	}
	if err != nil {
		return fmt.Errorf("injecting answer: %w", err)
	}

	s.retire(q, EventAnswered)
	return nil
}

// Cancel dismisses the pending question: inject Escape and retire it.
func (s *Surface) Cancel(displayName string) error {
	s.mu.Lock()
	q, ok := s.pending[displayName]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPending, displayName)
	}
	if err := s.injector.SendKeys(displayName, "Escape"); err != nil {
		return fmt.Errorf("injecting escape: %w", err)
	}
	s.retire(q, EventCancelled)
	return nil
}

// Drop discards any pending question for a session without injecting
// anything, called when the session dies.
func (s *Surface) Drop(displayName string) {
	s.mu.Lock()
	q, ok := s.pending[displayName]
	if ok {
		delete(s.pending, displayName)
	}
	// seenPanes survives so the extractor cannot re-fire while the same
	// prompt text is still visible.
	s.mu.Unlock()
	if ok {
		s.removeFiles(q)
		s.emit(Event{Type: EventCancelled, Question: q})
	}
}

// retire deletes both question files and opens the suppression window.
func (s *Surface) retire(q Question, ev EventType) {
	s.mu.Lock()
	delete(s.pending, q.DisplayName)
	s.suppressed[q.DisplayName] = s.now().Add(suppressWindow)
	s.mu.Unlock()

	s.removeFiles(q)
	s.emit(Event{Type: ev, Question: q})
}

func (s *Surface) removeFiles(q Question) {
	for _, p := range s.paths(q) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("removing question file", zap.String("path", p), zap.Error(err))
		}
	}
}

// optionIndex resolves an answer value to its option index, matching value
// first and then label.
func optionIndex(opts []Option, value string) int {
	for i, o := range opts {
		if o.Value == value {
			return i
		}
	}
	for i, o := range opts {
		if o.Label == value {
			return i
		}
	}
	return -1
}
