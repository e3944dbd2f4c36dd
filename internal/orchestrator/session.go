// Package orchestrator is the top-level supervisor: it spawns agent
// sessions, owns the per-session state machine, consumes signals and
// classifier output, and runs the review autopilot.
package orchestrator

import (
	"time"

	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
)

// AgentPrefix is the display-name prefix for agent sessions.
const AgentPrefix = "jat-"

// Default pane sizes. Dev-server sessions get the classic 80x40; agents get
// a wider pane so TUI agents render without wrapping.
const (
	agentWidth   = 120
	agentHeight  = 40
	serverWidth  = 80
	serverHeight = 40
)

// EpicContext is the remaining work attached to a session spawned from an
// epic: the ordered child tasks still to do and whether the session should
// be killed once its current task completes.
type EpicContext struct {
	Tasks          []string `json:"tasks"`
	Index          int      `json:"index"`
	KillOnComplete bool     `json:"killOnComplete"`
}

// Next returns the next task id, if any.
func (e *EpicContext) Next() (string, bool) {
	if e == nil || e.Index >= len(e.Tasks) {
		return "", false
	}
	return e.Tasks[e.Index], true
}

// Advance returns the context to hand to the successor session: the tasks
// after the one just taken.
func (e *EpicContext) Advance() *EpicContext {
	if e == nil || e.Index+1 >= len(e.Tasks) {
		return nil
	}
	return &EpicContext{
		Tasks:          e.Tasks[e.Index+1:],
		KillOnComplete: e.KillOnComplete,
	}
}

// Session is one supervised tmux session. Owned exclusively by the
// supervisor goroutine; everything outside sees SessionView copies.
type Session struct {
	ID           string
	Name         string // current display name
	TaskID       string
	Project      string
	Model        string
	SpawnedAt    time.Time
	LastActivity time.Time
	State        classify.State
	Attached     bool
	Paused       bool
	Epic         *EpicContext

	renamed        bool // identity registered; rename happens exactly once
	killOnComplete bool
}

// view copies a session for readers outside the supervisor.
func (s *Session) view() SessionView {
	v := SessionView{
		ID:             s.ID,
		Name:           s.Name,
		TaskID:         s.TaskID,
		Project:        s.Project,
		Model:          s.Model,
		SpawnedAt:      s.SpawnedAt,
		LastActivity:   s.LastActivity,
		State:          s.State,
		Attached:       s.Attached,
		Paused:         s.Paused,
		KillOnComplete: s.killOnComplete,
	}
	if s.Epic != nil {
		epic := *s.Epic
		epic.Tasks = append([]string{}, s.Epic.Tasks...)
		v.Epic = &epic
	}
	return v
}

// SessionView is the immutable snapshot handed to HTTP handlers and tests.
type SessionView struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	TaskID         string         `json:"taskId,omitempty"`
	Project        string         `json:"project,omitempty"`
	Model          string         `json:"model,omitempty"`
	SpawnedAt      time.Time      `json:"spawnedAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	State          classify.State `json:"state"`
	Attached       bool           `json:"attached"`
	Paused         bool           `json:"paused,omitempty"`
	Epic           *EpicContext   `json:"epic,omitempty"`
	KillOnComplete bool           `json:"killOnComplete,omitempty"`
}

// ServerSession is a sidecar dev-server session: name, where it runs, and
// the command used to (re)start it.
type ServerSession struct {
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}
