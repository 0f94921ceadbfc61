package rtps

import "sort"

type integer interface {
	~int64 | ~uint32
}

type span[T integer] struct {
	first, last T
}

// rangeSet is an ordered set of closed spans kept maximally coalesced: no two
// spans overlap or touch.
type rangeSet[T integer] struct {
	spans []span[T]
}

// reaches reports whether v falls inside s or directly after it.
func (s span[T]) reaches(v T) bool {
	return s.last >= v || v-s.last == 1
}

func (rs *rangeSet[T]) empty() bool {
	return len(rs.spans) == 0
}

func (rs *rangeSet[T]) len() int {
	return len(rs.spans)
}

func (rs *rangeSet[T]) clear() {
	rs.spans = rs.spans[:0]
}

func (rs *rangeSet[T]) low() T {
	return rs.spans[0].first
}

func (rs *rangeSet[T]) high() T {
	return rs.spans[len(rs.spans)-1].last
}

func (rs *rangeSet[T]) contains(v T) bool {
	i := sort.Search(len(rs.spans), func(i int) bool { return rs.spans[i].last >= v })
	return i < len(rs.spans) && rs.spans[i].first <= v
}

// insert adds [first, last] to the set and returns the sub-spans that were not
// already present.
func (rs *rangeSet[T]) insert(first, last T) []span[T] {
	if last < first {
		return nil
	}
	// spans[i:j] overlap or touch the new span
	i := sort.Search(len(rs.spans), func(i int) bool { return rs.spans[i].reaches(first) })
	j := i
	for j < len(rs.spans) && (span[T]{first, last}).reaches(rs.spans[j].first) {
		j++
	}

	var added []span[T]
	next := first
	covered := false
	for k := i; k < j && !covered; k++ {
		s := rs.spans[k]
		if s.first > next {
			added = append(added, span[T]{next, s.first - 1})
		}
		if s.last >= last {
			covered = true
		} else if s.last >= next {
			next = s.last + 1
		}
	}
	if !covered {
		added = append(added, span[T]{next, last})
	}

	merged := span[T]{first, last}
	if i < j {
		if rs.spans[i].first < merged.first {
			merged.first = rs.spans[i].first
		}
		if rs.spans[j-1].last > merged.last {
			merged.last = rs.spans[j-1].last
		}
	}
	switch {
	case i == j:
		rs.spans = append(rs.spans, span[T]{})
		copy(rs.spans[i+1:], rs.spans[i:])
		rs.spans[i] = merged
	default:
		rs.spans[i] = merged
		rs.spans = append(rs.spans[:i+1], rs.spans[j:]...)
	}
	return added
}

// remove deletes a single value, splitting a span if needed.
func (rs *rangeSet[T]) remove(v T) bool {
	i := sort.Search(len(rs.spans), func(i int) bool { return rs.spans[i].last >= v })
	if i == len(rs.spans) || rs.spans[i].first > v {
		return false
	}
	s := rs.spans[i]
	switch {
	case s.first == v && s.last == v:
		rs.spans = append(rs.spans[:i], rs.spans[i+1:]...)
	case s.first == v:
		rs.spans[i].first = v + 1
	case s.last == v:
		rs.spans[i].last = v - 1
	default:
		rs.spans[i].last = v - 1
		rs.spans = append(rs.spans, span[T]{})
		copy(rs.spans[i+2:], rs.spans[i+1:])
		rs.spans[i+1] = span[T]{v + 1, s.last}
	}
	return true
}

// gaps returns the spans missing between the first and last present values.
func (rs *rangeSet[T]) gaps() []span[T] {
	if len(rs.spans) < 2 {
		return nil
	}
	out := make([]span[T], 0, len(rs.spans)-1)
	for k := 1; k < len(rs.spans); k++ {
		out = append(out, span[T]{rs.spans[k-1].last + 1, rs.spans[k].first - 1})
	}
	return out
}
