// Package rangeset implements the [low,high] inclusive range-set encoding
// used on the wire for session.completed and session.known-completed.
package rangeset

import "sort"

// Range is an inclusive [Low,High] pair of command ids.
type Range struct {
	Low, High uint32
}

// Set is a sorted, disjoint, non-adjacent collection of Ranges.
type Set struct {
	ranges []Range
}

// Add inserts id into the set, merging with adjacent/overlapping ranges.
func (s *Set) Add(id uint32) {
	s.AddRange(id, id)
}

// AddRange inserts [low,high] into the set, merging with adjacent/overlapping ranges.
func (s *Set) AddRange(low, high uint32) {
	merged := Range{Low: low, High: high}
	out := make([]Range, 0, len(s.ranges)+1)
	inserted := false
	for _, r := range s.ranges {
		if r.High+1 < merged.Low && r.High < merged.Low {
			out = append(out, r)
			continue
		}
		if merged.High+1 < r.Low && merged.High < r.Low {
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, r)
			continue
		}
		// overlap or adjacency: merge
		if r.Low < merged.Low {
			merged.Low = r.Low
		}
		if r.High > merged.High {
			merged.High = r.High
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Low < out[j].Low })
	s.ranges = out
}

// Contains reports whether id falls within any range in the set.
func (s *Set) Contains(id uint32) bool {
	for _, r := range s.ranges {
		if id >= r.Low && id <= r.High {
			return true
		}
	}
	return false
}

// Remove deletes id from the set, splitting a range if necessary.
func (s *Set) Remove(id uint32) {
	out := make([]Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		if id < r.Low || id > r.High {
			out = append(out, r)
			continue
		}
		if r.Low == r.High {
			continue
		}
		if id == r.Low {
			out = append(out, Range{Low: id + 1, High: r.High})
		} else if id == r.High {
			out = append(out, Range{Low: r.Low, High: id - 1})
		} else {
			out = append(out, Range{Low: r.Low, High: id - 1})
			out = append(out, Range{Low: id + 1, High: r.High})
		}
	}
	s.ranges = out
}

// Ranges returns the underlying sorted, disjoint ranges.
func (s *Set) Ranges() []Range {
	return append([]Range(nil), s.ranges...)
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	return len(s.ranges) == 0
}

// Len returns the total number of ids covered by the set.
func (s *Set) Len() int {
	var n int
	for _, r := range s.ranges {
		n += int(r.High-r.Low) + 1
	}
	return n
}
