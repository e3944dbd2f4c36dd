package capture

// Ring is a fixed-capacity line buffer. Appending beyond capacity evicts the
// oldest lines. Not safe for concurrent use; the engine serializes access.
type Ring struct {
	lines []string
	cap   int
}

// NewRing creates a ring retaining at most capacity lines.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{cap: capacity}
}

// Append adds lines, evicting the oldest on overflow.
func (r *Ring) Append(lines ...string) {
	r.lines = append(r.lines, lines...)
	if excess := len(r.lines) - r.cap; excess > 0 {
		r.lines = append(r.lines[:0], r.lines[excess:]...)
	}
}

// Len returns the number of retained lines.
func (r *Ring) Len() int { return len(r.lines) }

// Lines returns a copy of all retained lines, oldest first.
func (r *Ring) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Tail returns a copy of the most recent n lines.
func (r *Ring) Tail(n int) []string {
	if n >= len(r.lines) {
		return r.Lines()
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

// Clear drops all retained lines.
func (r *Ring) Clear() { r.lines = nil }
