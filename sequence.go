package rtps

import "fmt"

// SequenceNumber is the 64 bit per-writer sample counter. On the wire it is
// split into a signed high word and an unsigned low word.
type SequenceNumber int64

const (
	SequenceNumberZero    SequenceNumber = 0
	SequenceNumberUnknown SequenceNumber = -1 << 32
	SequenceNumberMax     SequenceNumber = 1<<63 - 1
)

func NewSequenceNumber(high int32, low uint32) SequenceNumber {
	return SequenceNumber(int64(high)<<32 | int64(low))
}

func (s SequenceNumber) High() int32 {
	return int32(int64(s) >> 32)
}

func (s SequenceNumber) Low() uint32 {
	return uint32(int64(s))
}

func (s SequenceNumber) Previous() SequenceNumber {
	return s - 1
}

func (s SequenceNumber) Next() SequenceNumber {
	return s + 1
}

// SequenceRange is the closed interval [First, Last].
type SequenceRange struct {
	First SequenceNumber
	Last  SequenceNumber
}

func (r SequenceRange) Contains(s SequenceNumber) bool {
	return r.First <= s && s <= r.Last
}

func (r SequenceRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.First, r.Last)
}

// FragmentNumber is the 1-based position of a fragment within one sample.
type FragmentNumber uint32

// SequenceNumberSet is the RTPS SequenceNumberSet: bit i (msb first) of
// Bitmap refers to Base+i.
type SequenceNumberSet struct {
	Base    SequenceNumber
	NumBits uint32
	Bitmap  []uint32
}

// FragmentNumberSet is the RTPS FragmentNumberSet, laid out like
// SequenceNumberSet.
type FragmentNumberSet struct {
	Base    FragmentNumber
	NumBits uint32
	Bitmap  []uint32
}

// maxBitmapBits is the largest number of bits a set may carry on the wire.
const maxBitmapBits = 256

const maxBitmapWords = maxBitmapBits / 32

func bitmapWords(numBits uint32) int {
	return int((numBits + 31) / 32)
}

func bitIsSet(bitmap []uint32, i uint32) bool {
	w := int(i / 32)
	if w >= len(bitmap) {
		return false
	}
	return bitmap[w]&(1<<(31-i%32)) != 0
}

func setBit(bitmap []uint32, i uint32) {
	bitmap[i/32] |= 1 << (31 - i%32)
}

func clearBit(bitmap []uint32, i uint32) {
	bitmap[i/32] &^= 1 << (31 - i%32)
}

// anyBitSet reports whether any of the first numBits bits are set.
func anyBitSet(bitmap []uint32, numBits uint32) bool {
	for i, w := range bitmap {
		if uint32(i)*32 >= numBits {
			break
		}
		if remaining := numBits - uint32(i)*32; remaining < 32 {
			w &= 0xFFFFFFFF << (32 - remaining)
		}
		if w != 0 {
			return true
		}
	}
	return false
}
