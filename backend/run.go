package backend

import (
	"strings"
	"testing"
)

// Selector decides which marks are enabled in the current environment.
type Selector interface {
	Enabled(m Mark) bool
}

// MarkSet is a Selector backed by a fixed set of marks.
type MarkSet map[Mark]bool

// ParseMarks builds a MarkSet from a comma-separated list such as
// "redis,redis_cluster". Blank entries are ignored.
func ParseMarks(list string) MarkSet {
	return NewMarkSet(strings.Split(list, ",")...)
}

// NewMarkSet builds a MarkSet from individual mark names.
func NewMarkSet(marks ...string) MarkSet {
	s := make(MarkSet, len(marks))
	for _, m := range marks {
		m = strings.TrimSpace(m)
		if m != "" {
			s[Mark(m)] = true
		}
	}
	return s
}

// Enabled implements Selector.
func (s MarkSet) Enabled(m Mark) bool {
	return s[m]
}

// Run runs fn as one subtest per backend in set, named by backend ID.
// Backends whose gating marks are not enabled by sel are skipped.
func Run(t *testing.T, set Set, sel Selector, fn func(t *testing.T, b Backend)) {
	t.Helper()
	for _, b := range set.Backends {
		t.Run(b.ID, func(t *testing.T) {
			if !b.Runnable(sel) {
				t.Skipf("backend %s needs marks %v", b.ID, b.Marks)
			}
			if b.HasMark(MarkFlaky) {
				t.Logf("backend %s is marked flaky", b.ID)
			}
			fn(t, b)
		})
	}
}
