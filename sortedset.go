package mergetree

import "sort"

// SortedSegmentSet keeps segments ordered by ordinal, so membership and
// position queries are binary searches instead of tree walks. Ordinal order
// is traversal order, so iterating the set visits segments in document
// order.
type SortedSegmentSet struct {
	items []Segment
}

// Len returns the number of segments in the set.
func (s *SortedSegmentSet) Len() int { return len(s.items) }

// Items returns the segments in ordinal order. The slice is shared; do not
// mutate.
func (s *SortedSegmentSet) Items() []Segment { return s.items }

// Add inserts seg unless it is already present.
func (s *SortedSegmentSet) Add(seg Segment) bool {
	i := s.search(seg)
	if i < len(s.items) && s.items[i] == seg {
		return false
	}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = seg
	return true
}

// Remove deletes seg from the set.
func (s *SortedSegmentSet) Remove(seg Segment) bool {
	i := s.indexOf(seg)
	if i < 0 {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// Contains reports membership.
func (s *SortedSegmentSet) Contains(seg Segment) bool {
	return s.indexOf(seg) >= 0
}

// indexOf locates seg by binary search. Ordinals are unique, but a block
// renumbering can rewrite a member's ordinal after insertion, leaving it
// filed under its old key; fall back to a scan when the search misses.
func (s *SortedSegmentSet) indexOf(seg Segment) int {
	i := s.search(seg)
	if i < len(s.items) && s.items[i] == seg {
		return i
	}
	for j, it := range s.items {
		if it == seg {
			return j
		}
	}
	return -1
}

// search returns the first index whose ordinal is >= seg's.
func (s *SortedSegmentSet) search(seg Segment) int {
	ord := seg.ordinal()
	return sort.Search(len(s.items), func(i int) bool {
		return s.items[i].ordinal() >= ord
	})
}
