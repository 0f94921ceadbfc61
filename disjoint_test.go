package rtps

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDisjoint(values ...SequenceNumber) *DisjointSequence {
	d := &DisjointSequence{}
	for _, v := range values {
		d.Insert(v)
	}
	return d
}

func TestDisjointSequence_Coalesce(t *testing.T) {
	d := newDisjoint(5, 1, 3, 2)
	assert.Equal(t, "{1-3, 5}", d.String())
	assert.True(t, d.Disjoint())
	assert.EqualValues(t, 3, d.CumulativeAck())
	assert.EqualValues(t, 5, d.LastAck())
	assert.EqualValues(t, 1, d.Low())
	assert.EqualValues(t, 5, d.High())

	assert.False(t, d.Insert(2), "duplicate reported as new")
	assert.True(t, d.Insert(4))
	assert.Equal(t, "{1-5}", d.String())
	assert.False(t, d.Disjoint())

	assert.True(t, d.InsertRange(SequenceRange{7, 10}))
	assert.True(t, d.InsertRange(SequenceRange{6, 6}))
	assert.Equal(t, []SequenceRange{{1, 10}}, d.PresentRanges())

	assert.True(t, d.InsertRange(SequenceRange{20, 30}))
	assert.True(t, d.InsertRange(SequenceRange{15, 40}))
	assert.Equal(t, "{1-10, 15-40}", d.String())
	assert.Equal(t, []SequenceRange{{11, 14}}, d.MissingRanges())
}

func TestDisjointSequence_Empty(t *testing.T) {
	var d DisjointSequence
	assert.True(t, d.Empty())
	assert.Equal(t, SequenceNumberUnknown, d.Low())
	assert.Equal(t, SequenceNumberUnknown, d.High())
	assert.Equal(t, SequenceNumberZero, d.CumulativeAck())
	assert.Empty(t, d.MissingRanges())

	d.Insert(4)
	assert.Equal(t, SequenceNumberZero, d.CumulativeAck(), "1 is missing")

	d.Reset()
	assert.True(t, d.Empty())
}

func TestDisjointSequence_CumulativeAckFromZero(t *testing.T) {
	var d DisjointSequence
	d.InsertRange(SequenceRange{0, 4})
	d.Insert(6)
	assert.EqualValues(t, 4, d.CumulativeAck())
}

func TestDisjointSequence_InsertRangeDropped(t *testing.T) {
	d := newDisjoint(3, 4, 8)
	added := d.InsertRangeDropped(SequenceRange{1, 10})
	assert.Equal(t, []SequenceRange{{1, 2}, {5, 7}, {9, 10}}, added)
	assert.Equal(t, "{1-10}", d.String())
	assert.Empty(t, d.InsertRangeDropped(SequenceRange{2, 9}))
}

func TestDisjointSequence_Erase(t *testing.T) {
	d := newDisjoint(1, 2, 3, 4, 5)
	assert.True(t, d.Erase(3))
	assert.Equal(t, "{1-2, 4-5}", d.String())
	assert.True(t, d.Erase(1))
	assert.True(t, d.Erase(5))
	assert.Equal(t, "{2, 4}", d.String())
	assert.False(t, d.Erase(3))
	assert.True(t, d.Erase(2))
	assert.True(t, d.Erase(4))
	assert.True(t, d.Empty())
}

func TestDisjointSequence_InsertBitmap(t *testing.T) {
	var d DisjointSequence
	// bits 0, 1 and 4 of base 10
	bitmap := []uint32{0xC8000000}
	assert.True(t, d.InsertBitmap(10, 5, bitmap))
	assert.Equal(t, "{10-11, 14}", d.String())
	assert.False(t, d.InsertBitmap(10, 5, bitmap))

	// bits past numBits are ignored
	assert.False(t, d.InsertBitmap(10, 1, []uint32{0xFFFFFFFF}))
}

func TestDisjointSequence_ToBitmapSmall(t *testing.T) {
	d := newDisjoint(3, 5, 6)
	bitmap := make([]uint32, 1)

	numBits, fits := d.ToBitmap(4, bitmap, false)
	assert.True(t, fits)
	assert.EqualValues(t, 3, numBits)
	assert.Equal(t, uint32(0x60000000), bitmap[0])

	numBits, fits = d.ToBitmap(4, bitmap, true)
	assert.True(t, fits)
	assert.EqualValues(t, 1, numBits)
	assert.Equal(t, uint32(0x80000000), bitmap[0])
}

func TestDisjointSequence_ToBitmapWide(t *testing.T) {
	d := newDisjoint(1, 7, 16)
	d.InsertRange(SequenceRange{27, 65})
	base := d.CumulativeAck() + 1
	require.EqualValues(t, 2, base)

	bitmap := make([]uint32, 3)
	numBits, fits := d.ToBitmap(base, bitmap, false)
	assert.True(t, fits)
	assert.EqualValues(t, 64, numBits)
	assert.Equal(t, uint32(0x0402007F), bitmap[0])
	assert.Equal(t, uint32(0xFFFFFFFF), bitmap[1])
	assert.Equal(t, uint32(0), bitmap[2])

	numBits, fits = d.ToBitmap(base, bitmap, true)
	assert.True(t, fits)
	assert.EqualValues(t, 25, numBits)
	assert.Equal(t, uint32(0xFBFDFF80), bitmap[0])
	assert.Equal(t, uint32(0), bitmap[1])
}

func TestDisjointSequence_ToBitmapNothingMissing(t *testing.T) {
	d := newDisjoint(1, 2, 3, 4, 5)
	bitmap := []uint32{0xFFFFFFFF}
	numBits, fits := d.ToBitmap(6, bitmap, true)
	assert.True(t, fits)
	assert.EqualValues(t, 0, numBits)
	assert.Equal(t, uint32(0), bitmap[0], "bitmap is cleared")
}

func TestDisjointSequence_ToBitmapTruncated(t *testing.T) {
	var d DisjointSequence
	for v := SequenceNumber(1); v < 128; v += 2 {
		d.Insert(v)
	}
	bitmap := make([]uint32, 2)
	numBits, fits := d.ToBitmap(0, bitmap, false)
	assert.False(t, fits)
	assert.EqualValues(t, 64, numBits)
	assert.Equal(t, []uint32{0x55555555, 0x55555555}, bitmap)
}

func TestFillBitmapRange(t *testing.T) {
	bitmap := make([]uint32, 2)
	var numBits uint32 = 3
	assert.EqualValues(t, 4, FillBitmapRange(bitmap, 30, 33, &numBits))
	assert.EqualValues(t, 34, numBits)
	assert.Equal(t, []uint32{0x00000003, 0xC0000000}, bitmap)

	// clipped to capacity
	assert.EqualValues(t, 2, FillBitmapRange(bitmap, 62, 100, &numBits))
	assert.EqualValues(t, 64, numBits)
	assert.EqualValues(t, 0, FillBitmapRange(bitmap, 64, 70, &numBits))
	assert.EqualValues(t, 0, FillBitmapRange(bitmap, 5, 4, &numBits))
}

func TestBitmapNumWords(t *testing.T) {
	assert.Equal(t, 1, BitmapNumWords(5, 4))
	assert.Equal(t, 1, BitmapNumWords(1, 1))
	assert.Equal(t, 1, BitmapNumWords(1, 32))
	assert.Equal(t, 2, BitmapNumWords(1, 33))
	assert.Equal(t, 8, BitmapNumWords(1, 256))
	assert.Equal(t, 8, BitmapNumWords(1, 100000))
}

func TestRangeSet_Fragments(t *testing.T) {
	var rs rangeSet[FragmentNumber]
	assert.Len(t, rs.insert(3, 4), 1)
	assert.Len(t, rs.insert(1, 1), 1)
	assert.Equal(t, []span[FragmentNumber]{{2, 2}}, rs.insert(1, 4))
	assert.Equal(t, 1, rs.len())
	assert.True(t, rs.contains(2))
	assert.False(t, rs.contains(5))
	assert.Nil(t, rs.insert(4, 3))
}

func TestDisjointSequence_RandomInserts(t *testing.T) {
	const high = 200
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		d := &DisjointSequence{}
		present := map[SequenceNumber]bool{}
		inserts := rng.Intn(80)
		for i := 0; i < inserts; i++ {
			first := SequenceNumber(rng.Intn(high) + 1)
			last := first + SequenceNumber(rng.Intn(5))
			if last > high {
				last = high
			}
			if rng.Intn(2) == 0 {
				last = first
				d.Insert(first)
			} else {
				d.InsertRange(SequenceRange{first, last})
			}
			for v := first; v <= last; v++ {
				present[v] = true
			}
		}

		ranges := d.PresentRanges()
		for i, r := range ranges {
			require.LessOrEqual(t, r.First, r.Last)
			if i > 0 {
				require.Greater(t, r.First, ranges[i-1].Last+1, "%s is not coalesced", d)
			}
		}

		var ack SequenceNumber
		for present[ack+1] {
			ack++
		}
		require.Equal(t, ack, d.CumulativeAck(), "%s", d)

		for v := SequenceNumber(0); v <= high+1; v++ {
			require.Equal(t, present[v], d.Contains(v), "contains %d in %s", v, d)
		}

		base := ack + 1
		bitmap := make([]uint32, 8)
		numBits, fits := d.ToBitmap(base, bitmap, true)
		require.True(t, fits)
		var want uint32
		if len(ranges) > 0 && ranges[len(ranges)-1].First > base {
			want = uint32(ranges[len(ranges)-1].First - base)
		}
		require.Equal(t, want, numBits, "%s", d)
		for i := uint32(0); i < numBits; i++ {
			require.Equal(t, !present[base+SequenceNumber(i)], bitIsSet(bitmap, i), "bit %d of %s", i, d)
		}
		for i := numBits; i < 256; i++ {
			require.False(t, bitIsSet(bitmap, i), "bit %d past numBits", i)
		}
	}
}
