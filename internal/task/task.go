// Package task reads task metadata through the `bd` CLI. The task store is
// opaque: everything goes through subprocess calls, nothing touches its
// database directly.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTaskNotFound reports an id the task store does not know.
var ErrTaskNotFound = errors.New("task not found")

// callTimeout bounds every bd invocation.
const callTimeout = 10 * time.Second

// Task is the slice of bd task metadata the orchestrator needs.
type Task struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Type     string   `json:"issue_type"`
	Priority int      `json:"priority"`
	Status   string   `json:"status"`
	Children []string `json:"children,omitempty"`
}

// IsEpic reports whether the task is an epic with child tasks to fan out.
func (t Task) IsEpic() bool {
	return t.Type == "epic" && len(t.Children) > 0
}

// Store invokes bd in a project working directory.
type Store struct {
	bin string
	dir string
}

// NewStore creates a task store client running bd from dir. An empty bin
// uses the bd on PATH.
func NewStore(bin, dir string) *Store {
	if bin == "" {
		bin = "bd"
	}
	return &Store{bin: bin, dir: dir}
}

// run executes one bd invocation and returns stdout.
func (s *Store) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Dir = s.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no such issue") {
			return nil, fmt.Errorf("%w: bd %s", ErrTaskNotFound, strings.Join(args, " "))
		}
		if msg != "" {
			return nil, fmt.Errorf("bd %s: %s: %w", args[0], msg, err)
		}
		return nil, fmt.Errorf("bd %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// Show fetches one task by id.
func (s *Store) Show(ctx context.Context, taskID string) (Task, error) {
	out, err := s.run(ctx, "show", taskID, "--json")
	if err != nil {
		return Task{}, err
	}
	return decodeTask(out)
}

// Ready lists tasks that are unblocked and unassigned, for spawn pickers.
func (s *Store) Ready(ctx context.Context) ([]Task, error) {
	out, err := s.run(ctx, "ready", "--json")
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := json.Unmarshal(bytes.TrimSpace(out), &tasks); err != nil {
		return nil, fmt.Errorf("decoding bd ready output: %w", err)
	}
	return tasks, nil
}

// decodeTask tolerates both a bare object and a single-element array, which
// bd emits depending on version.
func decodeTask(out []byte) (Task, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Task{}, ErrTaskNotFound
	}
	if out[0] == '[' {
		var tasks []Task
		if err := json.Unmarshal(out, &tasks); err != nil {
			return Task{}, fmt.Errorf("decoding bd show output: %w", err)
		}
		if len(tasks) == 0 {
			return Task{}, ErrTaskNotFound
		}
		return tasks[0], nil
	}
	var t Task
	if err := json.Unmarshal(out, &t); err != nil {
		return Task{}, fmt.Errorf("decoding bd show output: %w", err)
	}
	return t, nil
}
