package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// Outcome is a review autopilot decision.
type Outcome string

const (
	// OutcomeAuto completes the task without operator involvement.
	OutcomeAuto Outcome = "auto"
	// OutcomeReview surfaces a decision block to the operator.
	OutcomeReview Outcome = "review"
)

// PolicyRule matches (task type, priority) pairs. TaskType is an exact type
// name or "*". Priority is "*", an exact number, or a bound like "<=1" or
// ">=3".
type PolicyRule struct {
	TaskType string  `json:"taskType"`
	Priority string  `json:"priority"`
	Outcome  Outcome `json:"outcome"`
}

// ReviewPolicy is an ordered rule table; the first matching rule wins and
// the default outcome is review.
type ReviewPolicy []PolicyRule

// DefaultPolicy auto-completes low-stakes chores and routes everything else
// to the operator.
func DefaultPolicy() ReviewPolicy {
	return ReviewPolicy{
		{TaskType: "chore", Priority: "*", Outcome: OutcomeAuto},
	}
}

// Decide walks the table in order.
func (p ReviewPolicy) Decide(taskType string, priority int) Outcome {
	for _, r := range p {
		if r.TaskType != "*" && r.TaskType != taskType {
			continue
		}
		if !priorityMatches(r.Priority, priority) {
			continue
		}
		return r.Outcome
	}
	return OutcomeReview
}

// Validate rejects malformed priority predicates and unknown outcomes.
func (p ReviewPolicy) Validate() error {
	for i, r := range p {
		if r.Outcome != OutcomeAuto && r.Outcome != OutcomeReview {
			return fmt.Errorf("policy rule %d: unknown outcome %q", i, r.Outcome)
		}
		pred := r.Priority
		if pred == "" || pred == "*" {
			continue
		}
		pred = strings.TrimPrefix(strings.TrimPrefix(pred, "<="), ">=")
		if _, err := strconv.Atoi(pred); err != nil {
			return fmt.Errorf("policy rule %d: bad priority predicate %q", i, r.Priority)
		}
	}
	return nil
}

func priorityMatches(pred string, priority int) bool {
	switch {
	case pred == "" || pred == "*":
		return true
	case strings.HasPrefix(pred, "<="):
		n, err := strconv.Atoi(pred[2:])
		return err == nil && priority <= n
	case strings.HasPrefix(pred, ">="):
		n, err := strconv.Atoi(pred[2:])
		return err == nil && priority >= n
	default:
		n, err := strconv.Atoi(pred)
		return err == nil && priority == n
	}
}
