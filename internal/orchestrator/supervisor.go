package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
	"github.com/jpatrickfarrell/jat-sub014/internal/config"
	"github.com/jpatrickfarrell/jat-sub014/internal/signal"
	"github.com/jpatrickfarrell/jat-sub014/internal/task"
	"github.com/jpatrickfarrell/jat-sub014/internal/tmux"
)

// Supervisor errors.
var (
	ErrSessionCap      = errors.New("session cap reached")
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionTerminal = errors.New("session already terminal")
)

// watchdogInterval is how often live sessions are pinged for existence.
const watchdogInterval = 5 * time.Second

// Terminal is the slice of the terminal bus the supervisor drives.
type Terminal interface {
	Create(name, workDir string, width, height int, initialCommand string) error
	Rename(oldName, newName string) error
	Kill(name string) error
	Exists(name string) (bool, error)
	SendText(name, text string) error
	SendKeys(name string, keys ...string) error
	PaneCommand(name string) (string, error)
}

// CaptureTracker is the capture engine surface the supervisor needs.
type CaptureTracker interface {
	Track(ctx context.Context, session string)
	Untrack(session string)
}

// TaskInfo looks up task metadata for autopilot and epic fan-out.
type TaskInfo interface {
	Show(ctx context.Context, taskID string) (task.Task, error)
}

// SessionCleaner is implemented by components holding per-session state
// that must be dropped when a session dies or is renamed.
type SessionCleaner interface {
	ResetSession(session string)
}

// QuestionDropper discards a dead session's pending question.
type QuestionDropper interface {
	Drop(displayName string)
}

// SpawnRequest is one spawn operation.
type SpawnRequest struct {
	TaskID     string
	ProjectKey string
	Epic       bool // fan the task's children out across agents
}

// Supervisor owns the session table. A single goroutine (Run) executes all
// mutations; public methods marshal through its request channel.
type Supervisor struct {
	bus       Terminal
	capture   CaptureTracker
	cls       *classify.Classifier
	tasks     TaskInfo
	cfg       *config.File
	policy    ReviewPolicy
	questions QuestionDropper
	cleaners  []SessionCleaner
	events    *Broadcaster
	log       *zap.Logger

	reqs    chan func()
	runCtx  context.Context
	stagger time.Duration // inter-spawn delay, from defaults.agent_stagger
	now     func() time.Time

	sessions map[string]*Session // by display name
	byID     map[string]*Session
	servers  map[string]*ServerSession
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPolicy replaces the default review policy.
func WithPolicy(p ReviewPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithQuestionDropper wires the question surface cleanup hook.
func WithQuestionDropper(q QuestionDropper) Option {
	return func(s *Supervisor) { s.questions = q }
}

// WithCleaner registers a per-session state holder (rule engine runtime
// state, for one) to reset on session death.
func WithCleaner(c SessionCleaner) Option {
	return func(s *Supervisor) { s.cleaners = append(s.cleaners, c) }
}

// New creates a supervisor. Run must be started before any operation.
func New(bus Terminal, capture CaptureTracker, cls *classify.Classifier, tasks TaskInfo, cfg *config.File, events *Broadcaster, log *zap.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = NewBroadcaster()
	}
	s := &Supervisor{
		bus:      bus,
		capture:  capture,
		cls:      cls,
		tasks:    tasks,
		cfg:      cfg,
		policy:   DefaultPolicy(),
		events:   events,
		log:      log,
		reqs:     make(chan func(), 64),
		stagger:  time.Duration(cfg.Defaults.AgentStagger) * time.Second,
		now:      time.Now,
		sessions: make(map[string]*Session),
		byID:     make(map[string]*Session),
		servers:  make(map[string]*ServerSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the supervisor's broadcaster for SSE wiring.
func (s *Supervisor) Events() *Broadcaster { return s.events }

// Run is the supervisor goroutine: it executes queued requests and drives
// the watchdog until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.runCtx = ctx
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.reqs:
			fn()
		case <-watchdog.C:
			s.watchdogPass()
		}
	}
}

// do executes fn on the supervisor goroutine and waits for it.
func (s *Supervisor) do(fn func()) {
	done := make(chan struct{})
	s.reqs <- func() {
		fn()
		close(done)
	}
	<-done
}

// liveCount counts non-terminal agent sessions. Supervisor goroutine only.
func (s *Supervisor) liveCount() int {
	n := 0
	for _, sess := range s.sessions {
		if !sess.State.Terminal() {
			n++
		}
	}
	return n
}

// Snapshot returns copies of every known session.
func (s *Supervisor) Snapshot() []SessionView {
	var out []SessionView
	s.do(func() {
		for _, sess := range s.sessions {
			out = append(out, sess.view())
		}
	})
	return out
}

// Get returns one session by display name.
func (s *Supervisor) Get(name string) (SessionView, error) {
	var (
		v   SessionView
		err error
	)
	s.do(func() {
		sess, ok := s.sessions[name]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSession, name)
			return
		}
		v = sess.view()
	})
	return v, err
}

// Spawn creates one agent session for a task. For Epic requests the task's
// children are fanned out across up to default_agent_count agents, spawned
// sequentially with the configured stagger.
func (s *Supervisor) Spawn(req SpawnRequest) (SessionView, error) {
	proj, err := s.cfg.Resolve(req.ProjectKey)
	if err != nil {
		return SessionView{}, err
	}

	if req.Epic {
		return s.spawnEpic(req, proj)
	}
	return s.spawnOne(req.TaskID, req.ProjectKey, proj, nil)
}

// spawnEpic resolves the epic's children and fans them out. The first agent
// spawns synchronously so the caller gets a session (or the cap error); the
// rest follow on a goroutine with stagger sleeps between creates.
func (s *Supervisor) spawnEpic(req SpawnRequest, proj config.Project) (SessionView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	t, err := s.tasks.Show(ctx, req.TaskID)
	if err != nil {
		return SessionView{}, fmt.Errorf("resolving epic: %w", err)
	}
	if !t.IsEpic() {
		return s.spawnOne(req.TaskID, req.ProjectKey, proj, nil)
	}

	agents := s.cfg.Defaults.DefaultAgentCount
	if agents > len(t.Children) {
		agents = len(t.Children)
	}
	// Children are dealt round-robin: agent k takes children k, k+N, k+2N…
	// so every agent has an EpicContext of its own follow-up tasks.
	lanes := make([][]string, agents)
	for i, child := range t.Children {
		lanes[i%agents] = append(lanes[i%agents], child)
	}

	first, err := s.spawnOne(lanes[0][0], req.ProjectKey, proj, &EpicContext{Tasks: lanes[0][1:]})
	if err != nil {
		return SessionView{}, err
	}

	if agents > 1 {
		go func() {
			for _, lane := range lanes[1:] {
				time.Sleep(s.stagger)
				epic := &EpicContext{Tasks: lane[1:]}
				if _, err := s.spawnOne(lane[0], req.ProjectKey, proj, epic); err != nil {
					s.log.Warn("epic fan-out spawn failed",
						zap.String("task", lane[0]), zap.Error(err))
				}
			}
		}()
	}
	return first, nil
}

// spawnOne creates a single pending session.
func (s *Supervisor) spawnOne(taskID, projectKey string, proj config.Project, epic *EpicContext) (SessionView, error) {
	name := fmt.Sprintf("%spending-%d", AgentPrefix, s.now().UnixNano())
	sess := &Session{
		ID:           uuid.NewString(),
		Name:         name,
		TaskID:       taskID,
		Project:      projectKey,
		Model:        proj.Model,
		SpawnedAt:    s.now(),
		LastActivity: s.now(),
		State:        classify.StatePending,
		Epic:         epic,
	}

	// The table slot is reserved under the same request that checks the
	// cap, so concurrent spawns cannot overshoot max_sessions while the
	// tmux create is in flight.
	var capErr error
	s.do(func() {
		if s.liveCount() >= s.cfg.Defaults.MaxSessions {
			capErr = ErrSessionCap
			return
		}
		s.sessions[name] = sess
		s.byID[sess.ID] = sess
	})
	if capErr != nil {
		return SessionView{}, capErr
	}

	startup := s.startupCommand(proj.Model, taskID)
	if err := s.bus.Create(name, proj.Path, agentWidth, agentHeight, startup); err != nil {
		s.do(func() {
			delete(s.sessions, name)
			delete(s.byID, sess.ID)
		})
		return SessionView{}, fmt.Errorf("creating session: %w", err)
	}

	var v SessionView
	s.do(func() {
		s.capture.Track(s.runCtx, name)
		v = sess.view()
	})
	s.events.Publish(Event{Type: EventState, Session: name, Data: v})
	s.log.Info("session spawned",
		zap.String("session", name),
		zap.String("task", taskID),
		zap.String("project", projectKey))
	return v, nil
}

// startupCommand builds the agent launch command sent into the fresh pane.
func (s *Supervisor) startupCommand(model, taskID string) string {
	parts := []string{"claude", "--model", model}
	if flags := strings.TrimSpace(s.cfg.Defaults.ClaudeFlags); flags != "" {
		parts = append(parts, flags)
	}
	if taskID != "" {
		parts = append(parts, fmt.Sprintf("%q", "/jat:start "+taskID))
	}
	return strings.Join(parts, " ")
}

// Register handles an agent identity file: rename the pending session to
// jat-<agentName>. On a display-name collision the rename is retried exactly
// once with a "-2" suffix.
func (s *Supervisor) Register(sessionID, agentName string) error {
	var (
		sess    *Session
		oldName string
		err     error
	)
	s.do(func() {
		sess = s.byID[sessionID]
		switch {
		case sess == nil:
			err = fmt.Errorf("%w: id %s", ErrUnknownSession, sessionID)
		case sess.renamed:
			err = nil // registration is idempotent; rename happens once
			sess = nil
		case sess.State.Terminal():
			err = ErrSessionTerminal
			sess = nil
		default:
			oldName = sess.Name
		}
	})
	if err != nil || sess == nil {
		return err
	}

	newName, err := s.renameWithRetry(oldName, agentName)
	if err != nil {
		return err
	}

	var v SessionView
	s.do(func() {
		delete(s.sessions, oldName)
		sess.Name = newName
		sess.renamed = true
		sess.State = classify.StateNamed
		sess.LastActivity = s.now()
		s.sessions[newName] = sess
		v = sess.view()
	})

	// Per-session state keyed by the old display name moves with the rename.
	s.capture.Untrack(oldName)
	s.capture.Track(s.runCtx, newName)
	s.cls.Forget(oldName)
	for _, c := range s.cleaners {
		c.ResetSession(oldName)
	}
	if s.questions != nil {
		s.questions.Drop(oldName)
	}

	s.events.Publish(Event{Type: EventState, Session: newName, Data: v})
	s.log.Info("agent registered",
		zap.String("session", newName),
		zap.String("was", oldName))
	return nil
}

// renameWithRetry renames to jat-<agentName>, retrying once with a numeric
// suffix when the name is taken.
func (s *Supervisor) renameWithRetry(oldName, agentName string) (string, error) {
	newName := AgentPrefix + agentName
	err := s.bus.Rename(oldName, newName)
	if err == nil {
		return newName, nil
	}
	if !errors.Is(err, tmux.ErrSessionExists) {
		return "", fmt.Errorf("renaming session: %w", err)
	}

	s.log.Warn("duplicate display-name, retrying with suffix",
		zap.String("name", newName))
	newName = AgentPrefix + agentName + "-2"
	if err := s.bus.Rename(oldName, newName); err != nil {
		return "", fmt.Errorf("renaming session (suffix retry): %w", err)
	}
	return newName, nil
}

// Rename is the user-facing rename endpoint; same collision handling as
// identity registration.
func (s *Supervisor) Rename(name, agentName string) error {
	var id string
	s.do(func() {
		if sess, ok := s.sessions[name]; ok {
			id = sess.ID
			sess.renamed = false // explicit rename is always allowed
		}
	})
	if id == "" {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s.Register(id, agentName)
}

// SendKeys forwards key tokens to a live session.
func (s *Supervisor) SendKeys(name string, keys ...string) error {
	if err := s.requireLive(name); err != nil {
		return err
	}
	return s.bus.SendKeys(name, keys...)
}

// SendText forwards literal text to a live session.
func (s *Supervisor) SendText(name, text string) error {
	if err := s.requireLive(name); err != nil {
		return err
	}
	return s.bus.SendText(name, text)
}

func (s *Supervisor) requireLive(name string) error {
	var err error
	s.do(func() {
		sess, ok := s.sessions[name]
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrUnknownSession, name)
		case sess.State.Terminal():
			err = ErrSessionTerminal
		}
	})
	return err
}

// Kill tears a session down: tmux kill, monitors cancelled, buffers freed.
func (s *Supervisor) Kill(name string) error {
	if err := s.requireLive(name); err != nil {
		return err
	}
	if err := s.bus.Kill(name); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		return fmt.Errorf("killing session: %w", err)
	}
	s.markDown(name, classify.StateKilled)
	return nil
}

// Pause suspends supervision of a live session: capture polling stops, and
// classification and rule evaluation stop with it. The tmux session itself
// keeps running untouched. Pausing a paused session is a no-op.
func (s *Supervisor) Pause(name string) error {
	var (
		v       SessionView
		changed bool
		err     error
	)
	s.do(func() {
		sess, ok := s.sessions[name]
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrUnknownSession, name)
		case sess.State.Terminal():
			err = ErrSessionTerminal
		case sess.Paused:
		default:
			sess.Paused = true
			changed = true
			v = sess.view()
		}
	})
	if err != nil || !changed {
		return err
	}
	s.capture.Untrack(name)
	s.events.Publish(Event{Type: EventState, Session: name, Data: v})
	s.log.Info("session paused", zap.String("session", name))
	return nil
}

// Resume reverses Pause: capture tracking restarts and state transitions
// apply again. Resuming a session that is not paused is a no-op.
func (s *Supervisor) Resume(name string) error {
	var (
		v       SessionView
		changed bool
		err     error
	)
	s.do(func() {
		sess, ok := s.sessions[name]
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrUnknownSession, name)
		case sess.State.Terminal():
			err = ErrSessionTerminal
		case !sess.Paused:
		default:
			sess.Paused = false
			changed = true
			v = sess.view()
			s.capture.Track(s.runCtx, name)
		}
	})
	if err != nil || !changed {
		return err
	}
	s.events.Publish(Event{Type: EventState, Session: name, Data: v})
	s.log.Info("session resumed", zap.String("session", name))
	return nil
}

// markDown records a terminal state and releases per-session resources.
func (s *Supervisor) markDown(name string, state classify.State) {
	var v SessionView
	found := false
	s.do(func() {
		sess, ok := s.sessions[name]
		if !ok || sess.State.Terminal() {
			return
		}
		sess.State = state
		sess.LastActivity = s.now()
		v = sess.view()
		found = true
	})
	if !found {
		return
	}

	s.cleanup(name)
	s.events.Publish(Event{Type: EventState, Session: name, Data: v})
	s.log.Info("session down",
		zap.String("session", name),
		zap.String("state", string(state)))
}

// cleanup releases everything keyed by a display name: the capture buffer,
// classifier evidence, rule runtime state, and any pending question.
func (s *Supervisor) cleanup(name string) {
	s.capture.Untrack(name)
	s.cls.Forget(name)
	for _, c := range s.cleaners {
		c.ResetSession(name)
	}
	if s.questions != nil {
		s.questions.Drop(name)
	}
}

// HandleSignal applies one intake signal: classifier evidence, the state
// machine transition, and the review/completed autopilot hooks. Wire it as
// a signal watcher subscriber.
func (s *Supervisor) HandleSignal(sig signal.Signal) {
	s.cls.ObserveSignal(sig.Session, sig.Kind, sig.Timestamp)

	state, ok := classify.StateForSignal(sig.Kind)
	if !ok {
		return
	}

	var (
		v       SessionView
		known   bool
		paused  bool
		changed bool
		epic    *EpicContext
		kill    bool
	)
	s.do(func() {
		sess, found := s.sessions[sig.Session]
		if !found || sess.State.Terminal() {
			return
		}
		known = true
		if sess.Paused {
			paused = true
			return
		}
		sess.LastActivity = s.now()
		if sess.State != state {
			sess.State = state
			changed = true
		}
		if sig.Kind == signal.KindCompleted {
			kill = sess.killOnComplete
			epic = sess.Epic
			sess.Epic = nil
		}
		v = sess.view()
	})
	if !known {
		s.log.Debug("signal for unknown session", zap.String("session", sig.Session))
		return
	}
	if paused {
		return
	}
	if changed {
		s.events.Publish(Event{Type: EventState, Session: sig.Session, Data: v})
	}

	switch sig.Kind {
	case signal.KindReview:
		go s.autopilot(v, sig)
	case signal.KindCompleted:
		s.finishCompleted(v, kill, epic)
	}
}

// ObserveCapture feeds a capture delta through the classifier and applies
// the resulting state. Wire it as a capture engine sink. Pending sessions
// are skipped: until the identity watcher names a session, the startup
// watchdog owns its state.
func (s *Supervisor) ObserveCapture(session string, delta, snapshot []string, at time.Time) {
	state, ok := s.cls.Classify(session, delta, snapshot, at)
	if !ok {
		return
	}

	var (
		v       SessionView
		changed bool
	)
	s.do(func() {
		sess, found := s.sessions[session]
		if !found || sess.State.Terminal() || sess.Paused || sess.State == classify.StatePending {
			return
		}
		sess.LastActivity = at
		if sess.State != state {
			sess.State = state
			changed = true
		}
		v = sess.view()
	})
	if changed {
		s.events.Publish(Event{Type: EventState, Session: session, Data: v})
	}
}

// finishCompleted applies the Complete & Kill decision and epic advance
// recorded before the completed signal arrived. The session is already in
// its terminal state, so the tmux kill goes straight to the bus.
func (s *Supervisor) finishCompleted(v SessionView, kill bool, epic *EpicContext) {
	if kill {
		if err := s.bus.Kill(v.Name); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			s.log.Warn("kill on complete failed", zap.String("session", v.Name), zap.Error(err))
		}
	}
	s.cleanup(v.Name)
	if next, ok := epic.Next(); ok {
		s.scheduleNext(next, v.Project, epic.Advance())
	}
}

// scheduleNext spawns the next epic task after the configured stagger.
func (s *Supervisor) scheduleNext(taskID, projectKey string, epic *EpicContext) {
	time.AfterFunc(s.stagger, func() {
		proj, err := s.cfg.Resolve(projectKey)
		if err != nil {
			s.log.Warn("epic advance failed", zap.String("task", taskID), zap.Error(err))
			return
		}
		if _, err := s.spawnOne(taskID, projectKey, proj, epic); err != nil {
			s.log.Warn("epic advance spawn failed", zap.String("task", taskID), zap.Error(err))
		}
	})
}

// autopilot consults the review policy for a review signal.
func (s *Supervisor) autopilot(v SessionView, sig signal.Signal) {
	taskID := v.TaskID
	if p, err := sig.Review(); err == nil && p.TaskID != "" {
		taskID = p.TaskID
	}

	outcome := OutcomeReview
	if taskID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		t, err := s.tasks.Show(ctx, taskID)
		cancel()
		if err != nil {
			s.log.Warn("autopilot task lookup failed",
				zap.String("task", taskID), zap.Error(err))
		} else {
			outcome = s.policy.Decide(t.Type, t.Priority)
		}
	}

	if outcome == OutcomeReview {
		s.events.Publish(Event{Type: EventDecision, Session: v.Name, Data: map[string]any{
			"taskId":  taskID,
			"choices": []string{"complete", "complete-and-kill"},
		}})
		return
	}

	// Auto path: complete now, advance the epic immediately, kill once the
	// completed signal lands.
	if err := s.sendComplete(v.Name); err != nil {
		s.log.Warn("autopilot complete failed", zap.String("session", v.Name), zap.Error(err))
		return
	}
	var epic *EpicContext
	s.do(func() {
		sess, ok := s.sessions[v.Name]
		if !ok {
			return
		}
		sess.killOnComplete = true
		epic = sess.Epic
		sess.Epic = nil
	})
	if next, ok := epic.Next(); ok {
		s.scheduleNext(next, v.Project, epic.Advance())
	}
}

// Decide applies the operator's choice on a surfaced review decision.
// kill=false is Complete; kill=true is Complete & Kill.
func (s *Supervisor) Decide(name string, kill bool) error {
	if err := s.requireLive(name); err != nil {
		return err
	}
	if err := s.sendComplete(name); err != nil {
		return err
	}
	if kill {
		s.do(func() {
			if sess, ok := s.sessions[name]; ok {
				sess.killOnComplete = true
			}
		})
	}
	return nil
}

func (s *Supervisor) sendComplete(name string) error {
	if err := s.bus.SendText(name, "/jat:complete"); err != nil {
		return fmt.Errorf("sending complete: %w", err)
	}
	return s.bus.SendKeys(name, "Enter")
}

// watchdogPass pings every live session: vanished sessions become killed,
// never-registered sessions past the startup timeout become dead. Runs on
// the supervisor goroutine; the bus calls are bounded by its own timeout.
func (s *Supervisor) watchdogPass() {
	timeout := time.Duration(s.cfg.Defaults.ClaudeStartupTimeout) * time.Second
	now := s.now()

	type downMark struct {
		name  string
		state classify.State
	}
	var marks []downMark
	for name, sess := range s.sessions {
		if sess.State.Terminal() {
			continue
		}
		exists, err := s.bus.Exists(name)
		if err != nil {
			s.log.Debug("watchdog ping failed", zap.String("session", name), zap.Error(err))
			continue
		}
		if !exists {
			marks = append(marks, downMark{name, classify.StateKilled})
			continue
		}
		if sess.State == classify.StatePending && now.Sub(sess.SpawnedAt) > timeout {
			marks = append(marks, downMark{name, classify.StateDead})
		}
	}
	for _, m := range marks {
		if m.state == classify.StateDead {
			// The pane is still there but the agent never registered.
			if err := s.bus.Kill(m.name); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
				s.log.Debug("killing timed-out session", zap.String("session", m.name), zap.Error(err))
			}
		}
		// markDown marshals through the request channel; run it off the
		// supervisor goroutine.
		go s.markDown(m.name, m.state)
	}
}

// CheckStartupTimeouts is the watchdog's pending-timeout pass, exposed for
// tests and for a forced sweep right after startup.
func (s *Supervisor) CheckStartupTimeouts() {
	s.watchdogOnce()
}

func (s *Supervisor) watchdogOnce() {
	done := make(chan struct{})
	s.reqs <- func() {
		s.watchdogPass()
		close(done)
	}
	<-done
}
