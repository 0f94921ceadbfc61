package rtps

import (
	"bytes"
	"testing"
	"time"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logging.SetLevel(logging.ERROR, "rtps")
}

var testWriter = GUID{
	Prefix: GuidPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	Entity: NewEntityID(1, EntityKindUserWriterNoKey),
}

var testEpoch = time.Unix(1000, 0)

func testSampleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func testFragment(seq SequenceNumber, sample []byte, fragSize int, first, count int) *DataFragSubmessage {
	from := (first - 1) * fragSize
	to := from + count*fragSize
	if to > len(sample) {
		to = len(sample)
	}
	return &DataFragSubmessage{
		WriterID:              testWriter.Entity,
		WriterSN:              seq,
		FragmentStartingNum:   FragmentNumber(first),
		FragmentsInSubmessage: uint16(count),
		FragmentSize:          uint16(fragSize),
		SampleSize:            uint32(len(sample)),
		Payload:               sample[from:to],
	}
}

func newTestReassembly() (*Reassembly, *Counters) {
	counters := &Counters{}
	return NewReassembly(NewDefaultConfig(), counters), counters
}

func TestReassembly_OutOfOrder(t *testing.T) {
	r, counters := newTestReassembly()
	sample := testSampleData(3072)

	_, ok := r.Reassemble(testWriter, testFragment(7, sample, 1024, 1, 1), testEpoch)
	require.False(t, ok)
	_, ok = r.Reassemble(testWriter, testFragment(7, sample, 1024, 3, 1), testEpoch)
	require.False(t, ok)
	assert.True(t, r.HasFragments(7, testWriter))
	assert.True(t, r.HasFragmentsIn(SequenceRange{5, 9}, testWriter))
	assert.False(t, r.HasFragmentsIn(SequenceRange{8, 9}, testWriter))
	total, ok := r.TotalFragments(7, testWriter)
	assert.True(t, ok)
	assert.EqualValues(t, 3, total)

	bitmap := make([]uint32, 1)
	base, numBits := r.Gaps(7, testWriter, bitmap)
	assert.EqualValues(t, 2, base)
	assert.EqualValues(t, 1, numBits)
	assert.Equal(t, uint32(0x80000000), bitmap[0])

	data, ok := r.Reassemble(testWriter, testFragment(7, sample, 1024, 2, 1), testEpoch)
	require.True(t, ok)
	assert.True(t, bytes.Equal(sample, data))
	assert.False(t, r.HasFragments(7, testWriter))
	assert.Equal(t, 0, r.Len())
	assert.EqualValues(t, 3, counters[CounterNumFragmentsReceived])

	// late copies of a finished sample are ignored
	_, ok = r.Reassemble(testWriter, testFragment(7, sample, 1024, 2, 1), testEpoch)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestReassembly_Duplicates(t *testing.T) {
	r, counters := newTestReassembly()
	sample := testSampleData(2500)

	_, ok := r.Reassemble(testWriter, testFragment(1, sample, 1000, 1, 2), testEpoch)
	require.False(t, ok)
	_, ok = r.Reassemble(testWriter, testFragment(1, sample, 1000, 2, 1), testEpoch)
	require.False(t, ok)
	assert.EqualValues(t, 1, counters[CounterNumFragmentsDuplicate])

	// the short last fragment completes it
	data, ok := r.Reassemble(testWriter, testFragment(1, sample, 1000, 3, 1), testEpoch)
	require.True(t, ok)
	assert.Equal(t, sample, data)
}

func TestReassembly_WholeSample(t *testing.T) {
	r, _ := newTestReassembly()
	sample := testSampleData(2048)
	data, ok := r.Reassemble(testWriter, testFragment(4, sample, 1024, 1, 2), testEpoch)
	require.True(t, ok)
	assert.Equal(t, sample, data)
	assert.Equal(t, 0, r.Len())
}

func TestReassembly_Invalid(t *testing.T) {
	r, counters := newTestReassembly()
	sample := testSampleData(2048)

	df := testFragment(1, sample, 1024, 3, 1)
	_, ok := r.Reassemble(testWriter, df, testEpoch)
	assert.False(t, ok, "fragment past the end")

	df = testFragment(1, sample, 1024, 1, 1)
	df.Payload = df.Payload[:10]
	_, ok = r.Reassemble(testWriter, df, testEpoch)
	assert.False(t, ok, "short payload")

	df = testFragment(1, sample, 1024, 1, 1)
	df.FragmentSize = 0
	_, ok = r.Reassemble(testWriter, df, testEpoch)
	assert.False(t, ok, "zero fragment size")

	_, ok = r.Reassemble(testWriter, testFragment(1, sample, 1024, 1, 1), testEpoch)
	assert.False(t, ok)
	other := testFragment(1, testSampleData(4096), 1024, 2, 1)
	_, ok = r.Reassemble(testWriter, other, testEpoch)
	assert.False(t, ok, "sample size changed")

	assert.EqualValues(t, 4, counters[CounterNumFragmentsInvalid])
	assert.Equal(t, 1, r.Len())
}

func TestReassembly_GapsTruncated(t *testing.T) {
	r, _ := newTestReassembly()
	sample := testSampleData(100 * 10)

	// fragment 2 of 100 leaves 1 and 3-100 missing
	_, ok := r.Reassemble(testWriter, testFragment(1, sample, 10, 2, 1), testEpoch)
	require.False(t, ok)

	bitmap := make([]uint32, 2)
	base, numBits := r.Gaps(1, testWriter, bitmap)
	assert.EqualValues(t, 1, base)
	assert.EqualValues(t, 64, numBits)
	assert.Equal(t, []uint32{0xBFFFFFFF, 0xFFFFFFFF}, bitmap)

	base, numBits = r.Gaps(2, testWriter, bitmap)
	assert.EqualValues(t, 0, numBits)
	assert.EqualValues(t, 0, base)
}

func TestReassembly_DataUnavailable(t *testing.T) {
	r, _ := newTestReassembly()
	sample := testSampleData(3000)

	r.Reassemble(testWriter, testFragment(1, sample, 1000, 1, 1), testEpoch)
	r.Reassemble(testWriter, testFragment(2, sample, 1000, 1, 1), testEpoch)
	r.Reassemble(testWriter, testFragment(5, sample, 1000, 1, 1), testEpoch)
	require.Equal(t, 3, r.Len())

	assert.True(t, r.DataUnavailable(1, testWriter))
	assert.False(t, r.DataUnavailable(3, testWriter))
	_, ok := r.Reassemble(testWriter, testFragment(1, sample, 1000, 2, 2), testEpoch)
	assert.False(t, ok, "unavailable sample must not restart")
	assert.Equal(t, 2, r.Len())

	r.DataUnavailableRange(testWriter, SequenceRange{0, 4})
	assert.False(t, r.HasFragments(2, testWriter))
	assert.True(t, r.HasFragments(5, testWriter))

	r.RemoveFragments(SequenceRange{5, 5}, testWriter)
	assert.Equal(t, 0, r.Len())
	_, ok = r.Reassemble(testWriter, testFragment(5, sample, 1000, 1, 3), testEpoch)
	assert.True(t, ok, "removed without being declared unavailable")
}

func TestReassembly_RemoveFromBitmap(t *testing.T) {
	r, _ := newTestReassembly()
	sample := testSampleData(3000)
	r.Reassemble(testWriter, testFragment(5, sample, 1000, 1, 1), testEpoch)

	// base 3: sequences 3, 5 missing
	bitmap := []uint32{0xA0000000}
	var numBits uint32 = 3
	removed := r.RemoveFromBitmap(3, &numBits, bitmap, testWriter)
	assert.Equal(t, []SequenceNumber{5}, removed)
	assert.EqualValues(t, 1, numBits)
	assert.Equal(t, uint32(0x80000000), bitmap[0])
}

func TestReassembly_Expiration(t *testing.T) {
	r, counters := newTestReassembly()
	sample := testSampleData(3000)

	r.Reassemble(testWriter, testFragment(1, sample, 1000, 1, 1), testEpoch)
	r.Reassemble(testWriter, testFragment(2, sample, 1000, 1, 1), testEpoch.Add(20*time.Second))

	assert.Equal(t, 0, r.CheckExpirations(testEpoch.Add(30*time.Second)))
	assert.Equal(t, 1, r.CheckExpirations(testEpoch.Add(31*time.Second)))
	assert.False(t, r.HasFragments(1, testWriter))
	assert.True(t, r.HasFragments(2, testWriter))
	assert.EqualValues(t, 1, counters[CounterNumFragmentsEvicted])

	// an expired sample may start over
	r.Reassemble(testWriter, testFragment(1, sample, 1000, 2, 1), testEpoch.Add(32*time.Second))
	assert.True(t, r.HasFragments(1, testWriter))
}

func TestReassembly_EvictsOldest(t *testing.T) {
	config := NewDefaultConfig()
	config.FragmentReassemblyBufferSize = 2
	r := NewReassembly(config, nil)
	sample := testSampleData(3000)

	r.Reassemble(testWriter, testFragment(1, sample, 1000, 1, 1), testEpoch)
	r.Reassemble(testWriter, testFragment(2, sample, 1000, 1, 1), testEpoch.Add(time.Second))
	r.Reassemble(testWriter, testFragment(1, sample, 1000, 2, 1), testEpoch.Add(2*time.Second))
	r.Reassemble(testWriter, testFragment(3, sample, 1000, 1, 1), testEpoch.Add(3*time.Second))

	assert.Equal(t, 2, r.Len())
	assert.True(t, r.HasFragments(1, testWriter))
	assert.False(t, r.HasFragments(2, testWriter))
	assert.True(t, r.HasFragments(3, testWriter))
}

func TestReassembly_RemoveWriter(t *testing.T) {
	r, _ := newTestReassembly()
	sample := testSampleData(3000)
	other := GUID{Prefix: GuidPrefix{9}, Entity: testWriter.Entity}

	r.Reassemble(testWriter, testFragment(1, sample, 1000, 1, 1), testEpoch)
	r.Reassemble(other, testFragment(1, sample, 1000, 1, 1), testEpoch)
	r.DataUnavailable(2, testWriter)

	r.RemoveWriter(testWriter)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.HasFragments(1, other))

	// completed state went with the writer
	r.Reassemble(testWriter, testFragment(2, sample, 1000, 1, 1), testEpoch)
	assert.True(t, r.HasFragments(2, testWriter))
}

func TestReassembly_SampleTooLarge(t *testing.T) {
	r, counters := newTestReassembly()
	df := testFragment(1, testSampleData(1024), 1024, 1, 1)
	df.SampleSize = 0xC0000000

	_, ok := r.Reassemble(testWriter, df, testEpoch)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assert.EqualValues(t, 1, counters[CounterNumFragmentsInvalid])

	config := NewDefaultConfig()
	config.MaxSampleSize = 2048
	r = NewReassembly(config, counters)
	_, ok = r.Reassemble(testWriter, testFragment(2, testSampleData(3072), 1024, 1, 1), testEpoch)
	assert.False(t, ok)
	assert.EqualValues(t, 2, counters[CounterNumFragmentsInvalid])
	_, ok = r.Reassemble(testWriter, testFragment(3, testSampleData(2048), 1024, 1, 1), testEpoch)
	assert.False(t, ok)
	assert.True(t, r.HasFragments(3, testWriter))
}
