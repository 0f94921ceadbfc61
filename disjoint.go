package rtps

import (
	"fmt"
	"strings"
)

// DisjointSequence records which sequence numbers have been seen as a set of
// coalesced ranges. The zero value is an empty set ready to use.
type DisjointSequence struct {
	ranges rangeSet[SequenceNumber]
}

func (d *DisjointSequence) Reset() {
	d.ranges.clear()
}

func (d *DisjointSequence) Empty() bool {
	return d.ranges.empty()
}

// Disjoint reports whether the set has at least one hole.
func (d *DisjointSequence) Disjoint() bool {
	return d.ranges.len() > 1
}

// Low returns the lowest number present, or SequenceNumberUnknown.
func (d *DisjointSequence) Low() SequenceNumber {
	if d.ranges.empty() {
		return SequenceNumberUnknown
	}
	return d.ranges.low()
}

// High returns the highest number present, or SequenceNumberUnknown.
func (d *DisjointSequence) High() SequenceNumber {
	if d.ranges.empty() {
		return SequenceNumberUnknown
	}
	return d.ranges.high()
}

// CumulativeAck is the largest K such that every number in [1, K] is present.
// It is zero when 1 itself is missing.
func (d *DisjointSequence) CumulativeAck() SequenceNumber {
	if d.ranges.empty() || d.ranges.spans[0].first > 1 {
		return SequenceNumberZero
	}
	return d.ranges.spans[0].last
}

// LastAck is the first number of the highest range.
func (d *DisjointSequence) LastAck() SequenceNumber {
	if d.ranges.empty() {
		return SequenceNumberUnknown
	}
	return d.ranges.spans[len(d.ranges.spans)-1].first
}

func (d *DisjointSequence) Contains(s SequenceNumber) bool {
	return d.ranges.contains(s)
}

// Insert records a single number and reports whether it was new.
func (d *DisjointSequence) Insert(s SequenceNumber) bool {
	return len(d.ranges.insert(s, s)) > 0
}

// InsertRange records every number of r and reports whether any was new.
func (d *DisjointSequence) InsertRange(r SequenceRange) bool {
	return len(d.ranges.insert(r.First, r.Last)) > 0
}

// InsertRangeDropped records r and returns the sub-ranges of r that were not
// already present.
func (d *DisjointSequence) InsertRangeDropped(r SequenceRange) []SequenceRange {
	added := d.ranges.insert(r.First, r.Last)
	out := make([]SequenceRange, len(added))
	for i, s := range added {
		out[i] = SequenceRange{s.first, s.last}
	}
	return out
}

// InsertBitmap records base+i for every set bit i of an RTPS bitmap.
func (d *DisjointSequence) InsertBitmap(base SequenceNumber, numBits uint32, bitmap []uint32) bool {
	var modified bool
	var runStart uint32
	inRun := false
	for i := uint32(0); i <= numBits; i++ {
		set := i < numBits && bitIsSet(bitmap, i)
		switch {
		case set && !inRun:
			runStart = i
			inRun = true
		case !set && inRun:
			first := base + SequenceNumber(runStart)
			last := base + SequenceNumber(i-1)
			if d.InsertRange(SequenceRange{first, last}) {
				modified = true
			}
			inRun = false
		}
	}
	return modified
}

func (d *DisjointSequence) Erase(s SequenceNumber) bool {
	return d.ranges.remove(s)
}

// MissingRanges returns the holes between Low and High.
func (d *DisjointSequence) MissingRanges() []SequenceRange {
	gaps := d.ranges.gaps()
	out := make([]SequenceRange, len(gaps))
	for i, g := range gaps {
		out[i] = SequenceRange{g.first, g.last}
	}
	return out
}

func (d *DisjointSequence) PresentRanges() []SequenceRange {
	out := make([]SequenceRange, len(d.ranges.spans))
	for i, s := range d.ranges.spans {
		out[i] = SequenceRange{s.first, s.last}
	}
	return out
}

// ToBitmap fills bitmap with an RTPS style set starting at base. With invert
// set, bits mark numbers that are missing; otherwise they mark numbers that
// are present. numBits stops at the last marked number, so it is zero when
// nothing at or above base would be marked. fits is false when numBits had to
// be truncated to the capacity of bitmap.
func (d *DisjointSequence) ToBitmap(base SequenceNumber, bitmap []uint32, invert bool) (numBits uint32, fits bool) {
	for i := range bitmap {
		bitmap[i] = 0
	}
	if d.ranges.empty() {
		return 0, true
	}

	var want SequenceNumber
	if invert {
		last := d.ranges.spans[len(d.ranges.spans)-1]
		if last.first > base {
			want = last.first - base
		}
	} else if high := d.ranges.high(); high >= base {
		want = high - base + 1
	}
	if want == 0 {
		return 0, true
	}

	capacity := SequenceNumber(len(bitmap)) * 32
	fits = want <= capacity
	if !fits {
		want = capacity
	}
	numBits = uint32(want)

	mark := func(first, last SequenceNumber) {
		if first < base {
			first = base
		}
		if last-base >= want {
			last = base + want - 1
		}
		for v := first; v <= last; v++ {
			setBit(bitmap, uint32(v-base))
		}
	}

	next := base
	for _, s := range d.ranges.spans {
		if s.last < base {
			continue
		}
		if next-base >= want {
			break
		}
		if invert {
			if s.first > next {
				mark(next, s.first-1)
			}
		} else {
			mark(s.first, s.last)
		}
		if s.last+1 > next {
			next = s.last + 1
		}
	}
	return numBits, fits
}

// FillBitmapRange sets bits [low, high] of bitmap, clipped to its capacity,
// and raises numBits to cover them. It returns the number of bits set.
func FillBitmapRange(bitmap []uint32, low, high uint32, numBits *uint32) uint32 {
	capacity := uint32(len(bitmap)) * 32
	if high < low || low >= capacity {
		return 0
	}
	if high >= capacity {
		high = capacity - 1
	}
	for i := low; i <= high; i++ {
		setBit(bitmap, i)
	}
	if high+1 > *numBits {
		*numBits = high + 1
	}
	return high - low + 1
}

// BitmapNumWords returns how many 32 bit words a bitmap needs to represent
// [low, high], bounded by the wire maximum of eight.
func BitmapNumWords(low, high SequenceNumber) int {
	if high < low {
		return 1
	}
	n := (high - low + 32) / 32
	if n > maxBitmapWords {
		return maxBitmapWords
	}
	return int(n)
}

func (d *DisjointSequence) String() string {
	parts := make([]string, len(d.ranges.spans))
	for i, s := range d.ranges.spans {
		if s.first == s.last {
			parts[i] = fmt.Sprintf("%d", s.first)
		} else {
			parts[i] = fmt.Sprintf("%d-%d", s.first, s.last)
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
