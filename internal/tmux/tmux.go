// Package tmux wraps tmux session operations via subprocess. It is the only
// package in the orchestrator that talks to the terminal multiplexer.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrBadKey          = errors.New("unsupported key token")
)

// callTimeout bounds every tmux invocation. Calls that exceed it are killed
// and reported as transient.
const callTimeout = 5 * time.Second

// retryAttempts is the number of tries for transient failures.
const retryAttempts = 3

// Bus executes tmux commands with a per-call timeout and retry on transient
// failures. The zero value is not usable; call New.
type Bus struct {
	timeout time.Duration
}

// New creates a tmux bus with the default call timeout.
func New() *Bus {
	return &Bus{timeout: callTimeout}
}

// run executes a single tmux command and returns trimmed stdout.
func (b *Bus) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("tmux %s: timed out after %v", args[0], b.timeout)
	}
	if err != nil {
		return "", b.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runRetry executes a tmux command, retrying transient failures with
// exponential backoff. Structural errors (session not found, duplicate
// session) are returned immediately.
func (b *Bus) runRetry(args ...string) (string, error) {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		out, err := b.run(args...)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrSessionExists) || errors.Is(err, ErrSessionNotFound) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// wrapError maps tmux stderr to sentinel errors.
func (b *Bus) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// Available checks if tmux is installed and can be invoked.
func (b *Bus) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return exec.CommandContext(ctx, "tmux", "-V").Run() == nil
}

// Create starts a detached named session sized width x height, cd'd to
// workDir, and sends initialCommand followed by Enter. Returns
// ErrSessionExists if a session of that name is already live.
func (b *Bus) Create(name, workDir string, width, height int, initialCommand string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if width > 0 && height > 0 {
		args = append(args, "-x", strconv.Itoa(width), "-y", strconv.Itoa(height))
	}
	if _, err := b.runRetry(args...); err != nil {
		return err
	}
	if initialCommand == "" {
		return nil
	}
	// Send text in literal mode, then Enter separately. The separate Enter is
	// more reliable than appending a newline to the paste.
	if err := b.SendText(name, initialCommand); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return b.SendKeys(name, "Enter")
}

// Rename atomically renames a session. Fails with ErrSessionExists if the
// new name collides with a live session.
func (b *Bus) Rename(oldName, newName string) error {
	exists, err := b.Exists(newName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, newName)
	}
	_, err = b.runRetry("rename-session", "-t", "="+oldName, newName)
	return err
}

// SendText injects text into a session with no trailing newline.
// Literal mode handles special characters in the payload.
func (b *Bus) SendText(name, text string) error {
	_, err := b.runRetry("send-keys", "-t", "="+name, "-l", text)
	return err
}

// allowedKeys is the set of named key tokens SendKeys accepts.
var allowedKeys = map[string]bool{
	"Enter": true, "Escape": true, "Tab": true, "BSpace": true,
	"Up": true, "Down": true, "Left": true, "Right": true,
	"C-c": true, "C-d": true, "C-u": true,
}

// SendKeys injects named keys (Enter, Escape, Tab, arrows, C-c, C-d, C-u).
// Unknown tokens are rejected before anything is sent.
func (b *Bus) SendKeys(name string, keys ...string) error {
	for _, k := range keys {
		if !allowedKeys[k] {
			return fmt.Errorf("%w: %q", ErrBadKey, k)
		}
	}
	for _, k := range keys {
		if _, err := b.runRetry("send-keys", "-t", "="+name, k); err != nil {
			return err
		}
	}
	return nil
}

// Command passes arguments verbatim to tmux. Escape hatch for the rule
// engine's tmux_command action; callers are responsible for quoting.
func (b *Bus) Command(args ...string) error {
	_, err := b.runRetry(args...)
	return err
}

// Capture returns the last maxLines of the pane with terminal escape codes
// stripped. Classifiers and rule patterns must never see escape codes.
func (b *Bus) Capture(name string, maxLines int) (string, error) {
	out, err := b.runRetry("capture-pane", "-p", "-t", "="+name, "-S", fmt.Sprintf("-%d", maxLines))
	if err != nil {
		return "", err
	}
	return StripANSI(out), nil
}

// Exists checks if a session exists (exact match). The "=" prefix prevents
// prefix matches (e.g. "jat-pending-2" matching a check for "jat-pending").
func (b *Bus) Exists(name string) (bool, error) {
	_, err := b.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Kill terminates a session.
func (b *Bus) Kill(name string) error {
	_, err := b.runRetry("kill-session", "-t", "="+name)
	return err
}

// List returns all session names starting with prefix. An empty prefix
// returns every session.
func (b *Bus) List(prefix string) ([]string, error) {
	out, err := b.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil // no server = no sessions
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// PaneCommand returns the current command running in a session's pane
// ("bash", "zsh", "node", "claude", ...). Used by the watchdog's zombie
// check.
func (b *Bus) PaneCommand(name string) (string, error) {
	out, err := b.run("list-panes", "-t", "="+name, "-F", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SessionInfo describes a live tmux session.
type SessionInfo struct {
	Name         string
	Attached     bool
	Activity     time.Time
	LastAttached time.Time
}

// Info returns attachment and activity details for a session.
func (b *Bus) Info(name string) (*SessionInfo, error) {
	format := "#{session_name}|#{session_attached}|#{session_activity}|#{session_last_attached}"
	out, err := b.run("list-sessions", "-F", format, "-f",
		fmt.Sprintf("#{==:#{session_name},%s}", name))
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, ErrSessionNotFound
	}

	parts := strings.Split(out, "|")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unexpected session info format: %s", out)
	}

	info := &SessionInfo{
		Name:     parts[0],
		Attached: parts[1] == "1",
	}
	if len(parts) > 2 {
		info.Activity = parseUnix(parts[2])
	}
	if len(parts) > 3 {
		info.LastAttached = parseUnix(parts[3])
	}
	return info, nil
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// csiPattern matches CSI escape sequences (ESC [ ... final byte) and OSC
// sequences (ESC ] ... BEL/ST).
var csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// bareSGRPattern matches "[...m" residues left behind when the ESC byte was
// already consumed (common in text round-tripped through capture-pane).
var bareSGRPattern = regexp.MustCompile(`\[[0-9;]*m`)

// StripANSI removes terminal escape codes from captured pane text.
func StripANSI(s string) string {
	s = csiPattern.ReplaceAllString(s, "")
	return bareSGRPattern.ReplaceAllString(s, "")
}
