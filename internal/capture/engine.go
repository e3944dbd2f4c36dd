// Package capture maintains a bounded ring of recent pane text per session
// and publishes "recently new" deltas to the classifier and rule engine.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for the capture cadence and retention.
const (
	DefaultWindow      = 500  // pane lines fetched per capture
	DefaultRingCap     = 2000 // lines retained per session
	FocusedInterval    = 500 * time.Millisecond
	BackgroundInterval = 2 * time.Second
)

// PaneCapturer is the slice of the terminal bus the engine needs.
// Implementations must return ANSI-stripped text.
type PaneCapturer interface {
	Capture(name string, maxLines int) (string, error)
}

// Update is one capture publication for a session.
type Update struct {
	Session  string
	Delta    []string // lines new since the previous capture
	Snapshot []string // full ring contents, oldest first
	At       time.Time
}

// Sink receives capture updates. Sinks run on the per-session capture
// goroutine and must not block.
type Sink func(Update)

// buffer is the per-session capture state. One per live session.
type buffer struct {
	ring        *Ring
	lastCapture []string
	lastAt      time.Time
}

// Engine drives per-session capture tickers. Exactly one buffer exists per
// tracked session; Untrack frees it.
type Engine struct {
	bus     PaneCapturer
	log     *zap.Logger
	window  int
	ringCap int

	focusedInterval    time.Duration
	backgroundInterval time.Duration

	mu      sync.Mutex
	buffers map[string]*buffer
	cancels map[string]context.CancelFunc
	sinks   []Sink
	focused string
}

// Option configures an Engine.
type Option func(*Engine)

// WithIntervals overrides the focused/background capture cadences. A
// non-positive value keeps the built-in default, so unset tuning fields
// pass through harmlessly.
func WithIntervals(focused, background time.Duration) Option {
	return func(e *Engine) {
		if focused > 0 {
			e.focusedInterval = focused
		}
		if background > 0 {
			e.backgroundInterval = background
		}
	}
}

// WithWindow overrides the per-capture pane window size.
func WithWindow(lines int) Option {
	return func(e *Engine) { e.window = lines }
}

// NewEngine creates a capture engine reading panes through bus.
func NewEngine(bus PaneCapturer, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		bus:                bus,
		log:                log,
		window:             DefaultWindow,
		ringCap:            DefaultRingCap,
		focusedInterval:    FocusedInterval,
		backgroundInterval: BackgroundInterval,
		buffers:            make(map[string]*buffer),
		cancels:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a sink for capture updates.
func (e *Engine) Subscribe(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Track registers a session and starts its capture ticker. No-op if the
// session is already tracked.
func (e *Engine) Track(ctx context.Context, session string) {
	e.mu.Lock()
	if _, ok := e.buffers[session]; ok {
		e.mu.Unlock()
		return
	}
	e.buffers[session] = &buffer{ring: NewRing(e.ringCap)}
	tickCtx, cancel := context.WithCancel(ctx)
	e.cancels[session] = cancel
	e.mu.Unlock()

	go e.tick(tickCtx, session)
}

// Untrack stops a session's ticker and frees its buffer.
func (e *Engine) Untrack(session string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[session]; ok {
		cancel()
		delete(e.cancels, session)
	}
	delete(e.buffers, session)
}

// SetFocused marks the session captured on the fast cadence. Everything else
// runs on the background cadence.
func (e *Engine) SetFocused(session string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused = session
}

// Snapshot returns a copy of the session's ring contents.
func (e *Engine) Snapshot(session string) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[session]
	if !ok {
		return nil, false
	}
	return buf.ring.Lines(), true
}

// Tail returns the most recent n retained lines for a session.
func (e *Engine) Tail(session string, n int) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[session]
	if !ok {
		return nil, false
	}
	return buf.ring.Tail(n), true
}

// tick runs one session's capture loop until its context is cancelled.
func (e *Engine) tick(ctx context.Context, session string) {
	timer := time.NewTimer(e.interval(session))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.CaptureOnce(session)
			timer.Reset(e.interval(session))
		}
	}
}

func (e *Engine) interval(session string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if session == e.focused {
		return e.focusedInterval
	}
	return e.backgroundInterval
}

// CaptureOnce performs a single capture cycle for a session: fetch the pane
// window, compute the delta against the prior capture, append to the ring,
// and publish. Exported so tests and restart paths can drive it directly.
func (e *Engine) CaptureOnce(session string) {
	text, err := e.bus.Capture(session, e.window)
	if err != nil {
		e.log.Debug("capture failed", zap.String("session", session), zap.Error(err))
		return
	}
	cur := splitLines(text)

	e.mu.Lock()
	buf, ok := e.buffers[session]
	if !ok {
		e.mu.Unlock()
		return
	}
	delta := Delta(buf.lastCapture, cur)
	buf.lastCapture = cur
	now := time.Now()
	buf.lastAt = now
	if len(delta) > 0 {
		buf.ring.Append(delta...)
	}
	snapshot := buf.ring.Lines()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	if len(delta) == 0 {
		return
	}
	up := Update{Session: session, Delta: delta, Snapshot: snapshot, At: now}
	for _, s := range sinks {
		s(up)
	}
}

// Delta returns the lines of cur that are new relative to prev, by finding
// the longest suffix of prev that is a prefix of cur. When no overlap exists
// (the pane scrolled by more than one full window between captures) the
// entire current window is the delta.
func Delta(prev, cur []string) []string {
	if len(prev) == 0 {
		return cur
	}
	max := len(prev)
	if len(cur) < max {
		max = len(cur)
	}
	for k := max; k > 0; k-- {
		if equal(prev[len(prev)-k:], cur[:k]) {
			return cur[k:]
		}
	}
	return cur
}

func equal(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// splitLines splits captured pane text, trimming the trailing blank run tmux
// pads the window with.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
