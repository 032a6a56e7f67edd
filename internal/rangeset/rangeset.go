// Package rangeset implements canonical interval arithmetic over
// half-open [start, end) byte ranges.
package rangeset

import (
	"sort"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// Set is a canonical list of disjoint ranges sorted by start, with no
// pair overlapping or touching. The zero value is the empty set.
type Set struct {
	ranges []domain.Range
}

// New builds a canonical Set from arbitrary (possibly unsorted,
// overlapping, or touching) input ranges. Empty ranges are dropped.
func New(ranges ...domain.Range) Set {
	var s Set
	s.ranges = canonicalize(ranges)
	return s
}

// Ranges returns the canonical ranges in start order. The caller must
// not mutate the returned slice.
func (s Set) Ranges() []domain.Range {
	return s.ranges
}

// Empty reports whether s covers no bytes.
func (s Set) Empty() bool {
	return len(s.ranges) == 0
}

// Contains reports whether q is fully covered by some element of s.
func (s Set) Contains(q domain.Range) bool {
	if q.Empty() {
		return true
	}
	i := s.indexCovering(q.Off)
	if i < 0 {
		return false
	}
	return s.ranges[i].Contains(q)
}

// indexCovering returns the index of the range containing offset off,
// or -1 if none does.
func (s Set) indexCovering(off int64) int {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End() > off
	})
	if i < len(s.ranges) && s.ranges[i].Off <= off {
		return i
	}
	return -1
}

// Union returns the canonical set containing every byte in a or b.
func Union(a, b Set) Set {
	merged := make([]domain.Range, 0, len(a.ranges)+len(b.ranges))
	merged = append(merged, a.ranges...)
	merged = append(merged, b.ranges...)
	return Set{ranges: canonicalize(merged)}
}

// Add returns s with r merged in.
func (s Set) Add(r domain.Range) Set {
	if r.Empty() {
		return s
	}
	return Union(s, New(r))
}

// Subtract returns the canonical set of bytes in a but not in b.
func Subtract(a, b Set) Set {
	if a.Empty() || b.Empty() {
		return Set{ranges: append([]domain.Range(nil), a.ranges...)}
	}
	var out []domain.Range
	for _, ar := range a.ranges {
		remaining := []domain.Range{ar}
		for _, br := range b.ranges {
			if !br.Overlaps(domain.Range{Off: ar.Off, Length: ar.Length}) {
				continue
			}
			var next []domain.Range
			for _, seg := range remaining {
				next = append(next, subtractOne(seg, br)...)
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return Set{ranges: canonicalize(out)}
}

// subtractOne removes b from a single range a, producing zero, one, or
// two leftover pieces.
func subtractOne(a, b domain.Range) []domain.Range {
	if !a.Overlaps(b) {
		return []domain.Range{a}
	}
	var out []domain.Range
	if b.Off > a.Off {
		out = append(out, domain.Range{Off: a.Off, Length: b.Off - a.Off})
	}
	if b.End() < a.End() {
		out = append(out, domain.Range{Off: b.End(), Length: a.End() - b.End()})
	}
	return out
}

// Missing returns the canonical complement of ranges within bound: the
// bytes of bound not covered by any range in ranges.
func Missing(bound domain.Range, ranges Set) Set {
	return Subtract(New(bound), ranges)
}

// canonicalize sorts by start and merges overlapping or touching ranges.
func canonicalize(in []domain.Range) []domain.Range {
	filtered := make([]domain.Range, 0, len(in))
	for _, r := range in {
		if !r.Empty() {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Off < filtered[j].Off
	})
	out := make([]domain.Range, 0, len(filtered))
	cur := filtered[0]
	for _, r := range filtered[1:] {
		if r.Off <= cur.End() {
			if end := r.End(); end > cur.End() {
				cur.Length = end - cur.Off
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// CheckInvariants panics if s violates canonical-form invariants: no
// empty range, no pair overlapping or touching, sorted by start. Intended
// for use in tests, mirroring the belt-and-suspenders invariant checkers
// seen elsewhere in cache implementations.
func (s Set) CheckInvariants() {
	for i, r := range s.ranges {
		if r.Empty() {
			panic("rangeset: empty range in canonical set")
		}
		if i > 0 {
			prev := s.ranges[i-1]
			if prev.End() >= r.Off {
				panic("rangeset: adjacent or overlapping ranges in canonical set")
			}
		}
	}
}
