package question

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The fallback extractor recognizes the classic in-terminal choice prompt:
//
//	Do you want to run this command?
//	❯ 1. Yes
//	  2. No
//
// It only fires when no hook-deposited question is pending for the session,
// and never re-fires while the same pane content stays visible.

var (
	promptMarker = regexp.MustCompile(`❯\s*1\.`)
	optionLine   = regexp.MustCompile(`^\s*(?:❯\s*)?(\d+)\.\s+(.+?)\s*$`)
)

// ObservePane feeds a pane snapshot to the extractor. Returns the extracted
// question and true when a new prompt was detected and registered.
func (s *Surface) ObservePane(sessionID, displayName string, snapshot []string) (Question, bool) {
	s.mu.Lock()
	if _, pending := s.pending[displayName]; pending {
		s.mu.Unlock()
		return Question{}, false
	}
	if until, ok := s.suppressed[displayName]; ok && s.now().Before(until) {
		s.mu.Unlock()
		return Question{}, false
	}
	hash := paneHash(snapshot)
	if s.seenPanes[displayName] == hash {
		s.mu.Unlock()
		return Question{}, false
	}
	s.seenPanes[displayName] = hash
	s.mu.Unlock()

	text, opts, ok := extractPrompt(snapshot)
	if !ok {
		return Question{}, false
	}

	q := Question{
		SessionID:   sessionID,
		DisplayName: displayName,
		Kind:        KindChoice,
		Question:    text,
		Options:     opts,
		CreatedAt:   s.now(),
	}
	if err := s.Post(q); err != nil {
		s.log.Debug("posting extracted question failed")
		return Question{}, false
	}
	q, ok = s.Pending(displayName)
	return q, ok
}

// extractPrompt parses the trailing choice prompt from a pane snapshot.
func extractPrompt(snapshot []string) (string, []Option, bool) {
	start := -1
	for i := len(snapshot) - 1; i >= 0; i-- {
		if promptMarker.MatchString(snapshot[i]) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", nil, false
	}

	var opts []Option
	next := 1
	for i := start; i < len(snapshot); i++ {
		m := optionLine.FindStringSubmatch(snapshot[i])
		if m == nil {
			break
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n != next {
			break
		}
		opts = append(opts, Option{Label: m[2], Value: strconv.Itoa(n)})
		next++
	}
	if len(opts) < 2 {
		return "", nil, false
	}

	// The question text is the closest non-blank line above the options.
	text := ""
	for i := start - 1; i >= 0; i-- {
		if t := strings.TrimSpace(snapshot[i]); t != "" {
			text = t
			break
		}
	}
	return text, opts, true
}

// paneHash fingerprints the visible pane for extractor dedup.
func paneHash(snapshot []string) uint64 {
	h := fnv.New64a()
	for _, line := range snapshot {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return h.Sum64()
}

// ExpireSuppressions drops suppression entries older than the window. Called
// opportunistically; correctness only needs the timestamps.
func (s *Surface) ExpireSuppressions(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, until := range s.suppressed {
		if now.After(until) {
			delete(s.suppressed, name)
		}
	}
}
