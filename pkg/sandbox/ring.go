package sandbox

// Ring is a bounded buffer of recent output lines. Once full, each
// append evicts the oldest line. It backs the diagnostic payload of
// readiness-timeout errors.
type Ring struct {
	lines []string
	max   int
}

// NewRing creates a ring holding at most max lines.
func NewRing(max int) *Ring {
	if max <= 0 {
		max = 1
	}
	return &Ring{max: max}
}

// Append adds a line, evicting the oldest if the ring is full.
func (r *Ring) Append(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

// Replace swaps the ring contents for the given lines, keeping the
// newest max.
func (r *Ring) Replace(lines []string) {
	r.lines = r.lines[:0]
	for _, l := range lines {
		r.Append(l)
	}
}

// Lines returns the buffered lines, oldest first.
func (r *Ring) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int { return len(r.lines) }
