// ABOUTME: Page flag bitset and remembered-set identifiers
// ABOUTME: Flags are only changed through the named Page transitions

package spaces

import "strings"

// Flags is the per-page flag bitset.
type Flags uint32

const (
	// NeverEvacuate pins a page: it is never selected for compaction.
	NeverEvacuate Flags = 1 << iota
	// EvacuationCandidate marks a page whose live objects are being moved off.
	EvacuationCandidate
	// CompactionWasAborted marks a candidate whose evacuation could not finish.
	CompactionWasAborted
	// PreFreed marks a page already handed back to the memory allocator.
	PreFreed
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{NeverEvacuate, "NEVER_EVACUATE"},
	{EvacuationCandidate, "EVACUATION_CANDIDATE"},
	{CompactionWasAborted, "COMPACTION_WAS_ABORTED"},
	{PreFreed, "PRE_FREED"},
}

// Has reports whether every bit of x is set in f.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.f) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// RememberedSet selects one of a page's slot sets.
type RememberedSet int

const (
	// OldToOld records slots pointing into candidates of the same space.
	OldToOld RememberedSet = iota
	// CrossSpace records slots pointing into candidates of another space.
	CrossSpace

	numRememberedSets
)

func (r RememberedSet) String() string {
	switch r {
	case OldToOld:
		return "OLD_TO_OLD"
	case CrossSpace:
		return "CROSS_SPACE"
	default:
		return "UNKNOWN"
	}
}
