// Package rules implements the automation rule engine: ordered pattern →
// action rules evaluated against capture deltas, guarded by cooldowns and
// per-session trigger caps.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
)

// Category groups rules in the editor UI.
type Category string

// Rule categories.
const (
	CategoryRecovery     Category = "recovery"
	CategoryPrompt       Category = "prompt"
	CategoryStall        Category = "stall"
	CategoryNotification Category = "notification"
	CategoryCustom       Category = "custom"
)

// PatternMode selects how a pattern matches.
type PatternMode string

// Pattern modes.
const (
	ModeRegex   PatternMode = "regex"
	ModeLiteral PatternMode = "literal"
)

// ActionKind identifies what a rule action does.
type ActionKind string

// Action kinds.
const (
	ActionSendText       ActionKind = "send_text"
	ActionSendKeys       ActionKind = "send_keys"
	ActionTmuxCommand    ActionKind = "tmux_command"
	ActionSignal         ActionKind = "signal"
	ActionNotifyOnly     ActionKind = "notify_only"
	ActionShowQuestionUI ActionKind = "show_question_ui"
	ActionRunCommand     ActionKind = "run_command"
)

// ErrNoPatterns rejects rules with an empty pattern list at load time.
var ErrNoPatterns = errors.New("rule has no patterns")

// Pattern is one matcher within a rule. Patterns in a rule are ORed.
type Pattern struct {
	Mode          PatternMode `json:"mode"`
	CaseSensitive bool        `json:"caseSensitive"`
	Text          string      `json:"text"`
}

// QuestionConfig is the question shown by a show_question_ui action.
type QuestionConfig struct {
	Kind           string           `json:"kind"` // choice | confirm | input
	Question       string           `json:"question"`
	Options        []QuestionOption `json:"options,omitempty"`
	TimeoutSeconds int              `json:"timeoutSeconds,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Action is one step executed when a rule fires. Actions of a rule run
// sequentially; DelayMs delays compose.
type Action struct {
	Kind     ActionKind      `json:"kind"`
	Payload  string          `json:"payload,omitempty"`
	DelayMs  int             `json:"delayMs,omitempty"`
	Question *QuestionConfig `json:"question,omitempty"`
}

// Rule is a (patterns → actions) unit with cooldown and trigger-cap guards.
type Rule struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Enabled  bool     `json:"enabled"`
	Priority int      `json:"priority"` // higher fires first

	Patterns []Pattern `json:"patterns"`
	Actions  []Action  `json:"actions"`

	CooldownSeconds       int `json:"cooldownSeconds"`
	MaxTriggersPerSession int `json:"maxTriggersPerSession"` // 0 = unlimited

	// SessionStates restricts evaluation to sessions in one of these states.
	// Empty means all states.
	SessionStates []classify.State `json:"sessionStates,omitempty"`

	PresetID string `json:"presetId,omitempty"`
	IsPreset bool   `json:"isPreset,omitempty"`

	// ValidationError annotates a rule disabled by a failed regex compile.
	// It round-trips through export/import.
	ValidationError string `json:"validationError,omitempty"`
}

// AppliesTo reports whether the rule's session-state filter admits state.
func (r *Rule) AppliesTo(state classify.State) bool {
	if len(r.SessionStates) == 0 {
		return true
	}
	for _, s := range r.SessionStates {
		if s == state {
			return true
		}
	}
	return false
}

// Validate checks structural validity. A rule with zero patterns is a
// load-time error and never reaches the engine. A rule whose regex fails to
// compile is not an error here; Annotate disables it instead.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule has no id")
	}
	if len(r.Patterns) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPatterns, r.ID)
	}
	for i, p := range r.Patterns {
		if p.Mode != ModeRegex && p.Mode != ModeLiteral {
			return fmt.Errorf("rule %s pattern %d: unknown mode %q", r.ID, i, p.Mode)
		}
		if p.Text == "" {
			return fmt.Errorf("rule %s pattern %d: empty text", r.ID, i)
		}
	}
	for i, a := range r.Actions {
		switch a.Kind {
		case ActionSendText, ActionSendKeys, ActionTmuxCommand, ActionSignal,
			ActionNotifyOnly, ActionShowQuestionUI, ActionRunCommand:
		default:
			return fmt.Errorf("rule %s action %d: unknown kind %q", r.ID, i, a.Kind)
		}
	}
	return nil
}

// Annotate compiles the rule's regex patterns. On failure the rule is
// disabled with a validation annotation but kept in the store so it
// round-trips through export/import.
func (r *Rule) Annotate() {
	for i, p := range r.Patterns {
		if p.Mode != ModeRegex {
			continue
		}
		if _, err := compileRegex(p); err != nil {
			r.Enabled = false
			r.ValidationError = fmt.Sprintf("pattern %d: %v", i, err)
			return
		}
	}
}

// compiled is a rule with its patterns ready to match.
type compiled struct {
	rule     Rule
	matchers []matcher
}

type matcher interface {
	// match returns whether the pattern matched the text, the matched
	// substring, and, for regex patterns, the full match plus capture
	// groups.
	match(text string) (bool, string, []string)
}

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) match(text string) (bool, string, []string) {
	groups := m.re.FindStringSubmatch(text)
	if groups == nil {
		return false, "", nil
	}
	return true, groups[0], groups
}

// foldCaser performs Unicode case folding for case-insensitive literal
// matching.
var foldCaser = cases.Fold()

type literalMatcher struct {
	text          string
	caseSensitive bool
}

func (m literalMatcher) match(text string) (bool, string, []string) {
	if m.caseSensitive {
		return strings.Contains(text, m.text), m.text, nil
	}
	return strings.Contains(foldCaser.String(text), foldCaser.String(m.text)), m.text, nil
}

func compileRegex(p Pattern) (*regexp.Regexp, error) {
	expr := p.Text
	if !p.CaseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// compile prepares a rule for matching. Returns an error for regex patterns
// that fail to compile; callers are expected to have annotated such rules
// out of the enabled set already.
func compile(r Rule) (*compiled, error) {
	c := &compiled{rule: r}
	for _, p := range r.Patterns {
		switch p.Mode {
		case ModeRegex:
			re, err := compileRegex(p)
			if err != nil {
				return nil, err
			}
			c.matchers = append(c.matchers, regexMatcher{re: re})
		case ModeLiteral:
			c.matchers = append(c.matchers, literalMatcher{text: p.Text, caseSensitive: p.CaseSensitive})
		}
	}
	return c, nil
}

// match tries every pattern (logical OR). The matched text comes from the
// first pattern, in rule-declared order, that matched; groups come from the
// first pattern that produced capture groups.
func (c *compiled) match(text string) (bool, string, []string) {
	matched := false
	matchText := ""
	var groups []string
	for _, m := range c.matchers {
		ok, mt, g := m.match(text)
		if !ok {
			continue
		}
		if !matched {
			matchText = mt
		}
		matched = true
		if groups == nil && len(g) > 0 {
			groups = g
		}
	}
	return matched, matchText, groups
}
