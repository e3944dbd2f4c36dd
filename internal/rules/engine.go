package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jpatrickfarrell/jat-sub014/internal/capture"
	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
	"github.com/jpatrickfarrell/jat-sub014/internal/signal"
	"github.com/jpatrickfarrell/jat-sub014/internal/tmux"
)

// Sender is the slice of the terminal bus the engine injects keystrokes
// through.
type Sender interface {
	SendText(name, text string) error
	SendKeys(name string, keys ...string) error
	Command(args ...string) error
}

// QuestionPoster surfaces a rule-raised question to the operator.
type QuestionPoster interface {
	PostFromRule(session string, cfg QuestionConfig) error
}

// Notifier receives notify_only action output.
type Notifier func(session, message string)

// SessionInfoFn resolves a session's current state and agent name for
// state filters and template expansion.
type SessionInfoFn func(session string) (state classify.State, agent string)

// TriggerEvent describes one rule firing, for the activity feed and tests.
type TriggerEvent struct {
	RuleID   string
	RuleName string
	Session  string
	Match    string
	At       time.Time
}

// runtimeState tracks per-(rule, session) guard counters.
type runtimeState struct {
	lastTrigger time.Time
	count       int
}

// Engine evaluates the rule set against capture deltas. Evaluation is
// per-session coalesced: while a session's delta is being evaluated, newer
// deltas merge into at most one queued entry.
type Engine struct {
	store     *Store
	sender    Sender
	inboxDir  string
	questions QuestionPoster
	notify    Notifier
	info      SessionInfoFn
	log       *zap.Logger

	onTrigger func(TriggerEvent)

	mu      sync.Mutex
	runtime map[string]map[string]*runtimeState // session → rule id
	queued  map[string][]string                 // coalesced pending delta per session
	busy    map[string]bool

	wg sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier sets the notify_only sink.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notify = n }
}

// WithQuestionPoster sets the show_question_ui sink.
func WithQuestionPoster(q QuestionPoster) EngineOption {
	return func(e *Engine) { e.questions = q }
}

// WithSessionInfo sets the state/agent resolver used by state filters and
// template expansion.
func WithSessionInfo(fn SessionInfoFn) EngineOption {
	return func(e *Engine) { e.info = fn }
}

// WithTriggerHook registers a callback invoked for every rule firing.
func WithTriggerHook(fn func(TriggerEvent)) EngineOption {
	return func(e *Engine) { e.onTrigger = fn }
}

// NewEngine creates a rule engine. inboxDir is where signal actions deposit.
func NewEngine(store *Store, sender Sender, inboxDir string, log *zap.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		sender:   sender,
		inboxDir: inboxDir,
		log:      log,
		runtime:  make(map[string]map[string]*runtimeState),
		queued:   make(map[string][]string),
		busy:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Offer feeds a capture update into the engine. Wire this into the capture
// engine as a sink; it never blocks the capture goroutine.
func (e *Engine) Offer(up capture.Update) {
	if len(up.Delta) == 0 {
		return
	}
	e.mu.Lock()
	if e.busy[up.Session] {
		// Merge into the single queued entry for this session.
		e.queued[up.Session] = append(e.queued[up.Session], up.Delta...)
		e.mu.Unlock()
		return
	}
	e.busy[up.Session] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drain(up.Session, up.Delta)
}

// drain evaluates the delta and any deltas coalesced while evaluating.
func (e *Engine) drain(session string, delta []string) {
	defer e.wg.Done()
	for {
		e.Evaluate(session, delta)

		e.mu.Lock()
		next := e.queued[session]
		delete(e.queued, session)
		if len(next) == 0 {
			delete(e.busy, session)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		delta = next
	}
}

// Wait blocks until all in-flight evaluations and action sequences finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ResetSession clears per-session trigger counters and cooldowns, called when
// a session is killed or renamed away.
func (e *Engine) ResetSession(session string) {
	e.mu.Lock()
	delete(e.runtime, session)
	e.mu.Unlock()
}

// Evaluate runs every enabled rule against one delta. Rules evaluate in
// priority order but do not short-circuit: every matching rule fires. Each
// firing rule's actions run sequentially on their own goroutine, so one
// rule's delays never stall another's.
func (e *Engine) Evaluate(session string, delta []string) {
	if len(delta) == 0 {
		return
	}
	text := strings.Join(delta, "\n")
	now := time.Now()

	var state classify.State
	agent := ""
	if e.info != nil {
		state, agent = e.info(session)
	}

	for _, r := range e.store.Snapshot() {
		if !r.Enabled {
			continue
		}
		if e.info != nil && !r.AppliesTo(state) {
			continue
		}
		c, err := compile(r)
		if err != nil {
			// Annotated rules are disabled at load; reaching here means the
			// store was mutated underneath us. Skip quietly.
			continue
		}
		matched, match, groups := c.match(text)
		if !matched {
			continue
		}
		if !e.admit(session, r, now) {
			continue
		}

		if len(groups) > 0 {
			match = groups[0]
		}
		ev := TriggerEvent{RuleID: r.ID, RuleName: r.Name, Session: session, Match: match, At: now}
		e.log.Info("rule triggered",
			zap.String("rule", r.Name),
			zap.String("session", session))
		if e.onTrigger != nil {
			e.onTrigger(ev)
		}

		vars := e.templateVars(session, agent, match, groups, now)
		e.wg.Add(1)
		go func(rule Rule, vars map[string]string) {
			defer e.wg.Done()
			e.runActions(session, rule, vars)
		}(r, vars)
	}
}

// admit checks and updates the rule's cooldown and per-session trigger cap.
func (e *Engine) admit(session string, r Rule, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	perRule := e.runtime[session]
	if perRule == nil {
		perRule = make(map[string]*runtimeState)
		e.runtime[session] = perRule
	}
	st := perRule[r.ID]
	if st == nil {
		st = &runtimeState{}
		perRule[r.ID] = st
	}
	if r.MaxTriggersPerSession > 0 && st.count >= r.MaxTriggersPerSession {
		return false
	}
	if r.CooldownSeconds > 0 && !st.lastTrigger.IsZero() {
		if now.Sub(st.lastTrigger) < time.Duration(r.CooldownSeconds)*time.Second {
			return false
		}
	}
	st.lastTrigger = now
	st.count++
	return true
}

// runActions executes a rule's actions in order. Delays compose; a failing
// action is logged and the sequence continues. A vanished session aborts the
// remainder.
func (e *Engine) runActions(session string, r Rule, vars map[string]string) {
	for i, a := range r.Actions {
		if a.DelayMs > 0 {
			time.Sleep(time.Duration(a.DelayMs) * time.Millisecond)
		}
		err := e.runAction(session, a, vars)
		if err == nil {
			continue
		}
		if errors.Is(err, tmux.ErrSessionNotFound) {
			e.log.Debug("rule action target vanished",
				zap.String("rule", r.Name),
				zap.String("session", session))
			return
		}
		e.log.Warn("rule action failed",
			zap.String("rule", r.Name),
			zap.String("session", session),
			zap.Int("action", i),
			zap.Error(err))
	}
}

func (e *Engine) runAction(session string, a Action, vars map[string]string) error {
	switch a.Kind {
	case ActionSendText:
		return e.sender.SendText(session, Expand(a.Payload, vars))
	case ActionSendKeys:
		return e.sender.SendKeys(session, strings.Fields(a.Payload)...)
	case ActionTmuxCommand:
		args := strings.Fields(Expand(a.Payload, vars))
		if len(args) == 0 {
			return errors.New("empty tmux command")
		}
		return e.sender.Command(args...)
	case ActionSignal:
		// Payload is "<kind> <json>"; the JSON part is optional and gets
		// template expansion before deposit.
		kind, rest, _ := strings.Cut(a.Payload, " ")
		sig := signal.Signal{
			Kind:    signal.Kind(kind),
			Session: session,
		}
		if rest = strings.TrimSpace(rest); rest != "" {
			sig.Payload = json.RawMessage(Expand(rest, vars))
		}
		return signal.Deposit(e.inboxDir, sig)
	case ActionNotifyOnly:
		if e.notify != nil {
			e.notify(session, Expand(a.Payload, vars))
		}
		return nil
	case ActionShowQuestionUI:
		if a.Question == nil {
			return errors.New("show_question_ui action without question config")
		}
		if e.questions == nil {
			return errors.New("no question surface configured")
		}
		q := *a.Question
		q.Question = Expand(q.Question, vars)
		return e.questions.PostFromRule(session, q)
	case ActionRunCommand:
		// A slash command typed into the session, submitted with Enter.
		if err := e.sender.SendText(session, Expand(a.Payload, vars)); err != nil {
			return err
		}
		return e.sender.SendKeys(session, "Enter")
	}
	return fmt.Errorf("unknown action kind %q", a.Kind)
}

// templateVars builds the expansion table for one firing.
func (e *Engine) templateVars(session, agent, match string, groups []string, now time.Time) map[string]string {
	vars := map[string]string{
		"session":   session,
		"agent":     agent,
		"timestamp": now.Format(time.RFC3339),
		"match":     match,
	}
	for i, g := range groups {
		vars["$"+strconv.Itoa(i)] = g
	}
	return vars
}

// Expand substitutes {session}, {agent}, {timestamp}, {match} and
// {$0}..{$n} in a payload. Unknown placeholders pass through untouched.
func Expand(payload string, vars map[string]string) string {
	if !strings.Contains(payload, "{") {
		return payload
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(payload, '{')
		if open < 0 {
			b.WriteString(payload)
			return b.String()
		}
		close := strings.IndexByte(payload[open:], '}')
		if close < 0 {
			b.WriteString(payload)
			return b.String()
		}
		close += open
		name := payload[open+1 : close]
		if v, ok := vars[name]; ok {
			b.WriteString(payload[:open])
			b.WriteString(v)
		} else {
			b.WriteString(payload[:close+1])
		}
		payload = payload[close+1:]
	}
}
