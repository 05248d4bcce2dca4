package election

import "time"

// hiddenOffset is added to a hidden process's priority so any visible
// process outranks any hidden one regardless of age. Priorities are
// unix-millisecond creation stamps, so the offset just has to dwarf any
// plausible clock value difference.
const hiddenOffset int64 = 1 << 42

// PriorityFor derives a process's election priority. Lower wins: visible
// tabs always beat hidden ones, and among equally visible tabs the
// earliest-created wins.
func PriorityFor(createdAt time.Time, visible bool) int64 {
	p := createdAt.UnixMilli()
	if !visible {
		p += hiddenOffset
	}
	return p
}

// Candidate is one entry in an election round.
type Candidate struct {
	ProcessID string
	Priority  int64
	Visible   bool
	Timestamp time.Time
}

// Outranks reports whether a beats b: lowest priority, then visible over
// hidden, then earliest timestamp, then lexicographically smallest process
// id. Total and deterministic, so every process picks the same winner from
// the same candidate set.
func (a Candidate) Outranks(b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Visible != b.Visible {
		return a.Visible
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ProcessID < b.ProcessID
}

// Winner picks the best candidate from a non-empty set.
func Winner(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Outranks(best) {
			best = c
		}
	}
	return best
}
