// Package classify derives a session's lifecycle state from its most recent
// signal and from regex-scored scans of captured terminal output. Signals
// take precedence; scraping is the fallback once they decay.
package classify

import (
	"regexp"
	"sync"
	"time"

	"github.com/jpatrickfarrell/jat-sub014/internal/signal"
)

// State is a session lifecycle state.
type State string

// Lifecycle states. Pending, killed and dead are owned by the orchestrator's
// state machine; the classifier only ever produces the signal/evidence states.
const (
	StatePending    State = "pending"
	StateNamed      State = "named"
	StateStarting   State = "starting"
	StateWorking    State = "working"
	StateIdle       State = "idle"
	StateNeedsInput State = "needs-input"
	StateReview     State = "ready-for-review"
	StateCompleting State = "completing"
	StateCompleted  State = "completed"
	StateCompacting State = "compacting"
	StateKilled     State = "killed"
	StateDead       State = "dead"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateKilled || s == StateDead
}

// StateForSignal maps a signal kind to the state it implies.
func StateForSignal(k signal.Kind) (State, bool) {
	switch k {
	case signal.KindStarting:
		return StateStarting, true
	case signal.KindWorking:
		return StateWorking, true
	case signal.KindIdle:
		return StateIdle, true
	case signal.KindNeedsInput:
		return StateNeedsInput, true
	case signal.KindReview:
		return StateReview, true
	case signal.KindCompleting:
		return StateCompleting, true
	case signal.KindCompleted:
		return StateCompleted, true
	case signal.KindCompacting:
		return StateCompacting, true
	}
	return "", false
}

// DefaultDecay is how long a signal outweighs scraped evidence.
const DefaultDecay = 60 * time.Second

// recentWindow is how many trailing snapshot lines the scoring pass reads.
const recentWindow = 100

// Indicator is one scored regex for a state.
type Indicator struct {
	State   State
	Pattern string
	Weight  int

	re *regexp.Regexp
}

// DefaultIndicators returns the built-in indicator table. Overridable via
// the [indicators] section of jat.toml.
func DefaultIndicators() []Indicator {
	return []Indicator{
		{State: StateNeedsInput, Pattern: `❯\s+1\.`, Weight: 3},
		{State: StateNeedsInput, Pattern: `Do you want`, Weight: 3},
		{State: StateNeedsInput, Pattern: `\((?:y/n|yes/no)\)`, Weight: 3},
		{State: StateNeedsInput, Pattern: `Proceed\?`, Weight: 2},
		{State: StateReview, Pattern: `ready for review`, Weight: 3},
		{State: StateReview, Pattern: `awaiting review`, Weight: 2},
		{State: StateWorking, Pattern: `esc to interrupt`, Weight: 2},
		{State: StateWorking, Pattern: `[✻✳✶✽]\s+\w+ing`, Weight: 2},
		{State: StateWorking, Pattern: `Thinking`, Weight: 1},
		{State: StateCompleting, Pattern: `Running completion`, Weight: 2},
		{State: StateCompleting, Pattern: `finalizing`, Weight: 1},
		{State: StateCompacting, Pattern: `[Cc]ompacting conversation`, Weight: 3},
		{State: StateIdle, Pattern: `^\s*[$%>]\s*$`, Weight: 1},
	}
}

// tiePriority orders states when scores tie; lower index wins.
var tiePriority = map[State]int{
	StateNeedsInput: 0,
	StateReview:     1,
	StateWorking:    2,
	StateCompleting: 3,
	StateIdle:       4,
	StateCompacting: 5,
	StateStarting:   6,
	StateCompleted:  7,
}

type sigRecord struct {
	kind signal.Kind
	at   time.Time
}

// Classifier holds per-session evidence and cached states. Safe for
// concurrent use.
type Classifier struct {
	decay      time.Duration
	indicators []Indicator

	mu         sync.Mutex
	lastSignal map[string]sigRecord
	cached     map[string]State
}

// New creates a classifier. A zero decay uses DefaultDecay; nil indicators
// use DefaultIndicators. Indicators with invalid regexes are dropped.
func New(decay time.Duration, indicators []Indicator) *Classifier {
	if decay <= 0 {
		decay = DefaultDecay
	}
	if indicators == nil {
		indicators = DefaultIndicators()
	}
	compiled := make([]Indicator, 0, len(indicators))
	for _, ind := range indicators {
		re, err := regexp.Compile(ind.Pattern)
		if err != nil {
			continue
		}
		ind.re = re
		if ind.Weight <= 0 {
			ind.Weight = 1
		}
		compiled = append(compiled, ind)
	}
	return &Classifier{
		decay:      decay,
		indicators: compiled,
		lastSignal: make(map[string]sigRecord),
		cached:     make(map[string]State),
	}
}

// ObserveSignal records a signal for a session.
func (c *Classifier) ObserveSignal(session string, kind signal.Kind, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSignal[session] = sigRecord{kind: kind, at: at}
}

// Forget drops all evidence for a session (called on kill).
func (c *Classifier) Forget(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastSignal, session)
	delete(c.cached, session)
}

// Cached returns the last classified state for a session.
func (c *Classifier) Cached(session string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.cached[session]
	return s, ok
}

// Classify derives the state for a session from the latest signal (if still
// within the decay window) or from a scoring pass over the delta and the
// most recent snapshot lines. The changed flag is true only when the result
// differs from the cached state; callers suppress events otherwise.
func (c *Classifier) Classify(session string, delta, snapshot []string, now time.Time) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.classifyLocked(session, delta, snapshot, now)
	if !ok {
		// No evidence at all: state is unchanged by definition.
		if cached, has := c.cached[session]; has {
			return cached, false
		}
		c.cached[session] = StateIdle
		return StateIdle, true
	}

	if cached, has := c.cached[session]; has && cached == state {
		return state, false
	}
	c.cached[session] = state
	return state, true
}

func (c *Classifier) classifyLocked(session string, delta, snapshot []string, now time.Time) (State, bool) {
	if rec, ok := c.lastSignal[session]; ok && now.Sub(rec.at) <= c.decay {
		if s, ok := StateForSignal(rec.kind); ok {
			return s, true
		}
	}

	lines := delta
	if n := len(snapshot); n > 0 {
		start := n - recentWindow
		if start < 0 {
			start = 0
		}
		lines = append(append([]string{}, delta...), snapshot[start:]...)
	}

	scores := make(map[State]int)
	for _, ind := range c.indicators {
		for _, line := range lines {
			if ind.re.MatchString(line) {
				scores[ind.State] += ind.Weight
			}
		}
	}

	best := State("")
	bestScore := 0
	for state, score := range scores {
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && tiePriority[state] < tiePriority[best]) {
			best = state
			bestScore = score
		}
	}
	if bestScore == 0 {
		return "", false
	}
	return best, true
}
