package rtps

import (
	"time"
)

type fragmentKey struct {
	writer GUID
	seq    SequenceNumber
}

// fragmentEntry is one partially received sample.
type fragmentEntry struct {
	frags        rangeSet[FragmentNumber]
	sampleSize   uint32
	fragmentSize uint16
	total        uint32
	data         []byte
	lastUpdate   time.Time
}

func (f *fragmentEntry) complete() bool {
	return f.frags.len() == 1 && f.frags.low() == 1 && uint32(f.frags.high()) == f.total
}

// Reassembly joins DATA_FRAG submessages back into samples, keyed by writer
// and sequence number. Entries are removed when complete, when the writer
// declares the sample unavailable, when the writer goes away, when idle for
// longer than the configured timeout, or oldest first once more than the
// configured number are live.
type Reassembly struct {
	name          string
	timeout       time.Duration
	maxEntries    int
	maxSampleSize uint32
	counters      *Counters
	entries       map[fragmentKey]*fragmentEntry
	completed     map[GUID]*DisjointSequence
}

func NewReassembly(config *Config, counters *Counters) *Reassembly {
	if counters == nil {
		counters = &Counters{}
	}
	maxSampleSize := uint32(defaultMaxSampleSize)
	if config.MaxSampleSize > 0 {
		maxSampleSize = uint32(config.MaxSampleSize)
	}
	return &Reassembly{
		name:          config.Name,
		timeout:       config.FragmentReassemblyTimeout.Duration,
		maxEntries:    config.FragmentReassemblyBufferSize,
		maxSampleSize: maxSampleSize,
		counters:      counters,
		entries:       map[fragmentKey]*fragmentEntry{},
		completed:     map[GUID]*DisjointSequence{},
	}
}

func (r *Reassembly) Len() int {
	return len(r.entries)
}

func (r *Reassembly) done(writer GUID) *DisjointSequence {
	d := r.completed[writer]
	if d == nil {
		d = &DisjointSequence{}
		r.completed[writer] = d
	}
	return d
}

// Reassemble stores the fragments carried by df. It returns the whole sample
// on the call that completes it and false otherwise. Duplicate and out of
// order fragments are accepted; inconsistent ones are dropped.
func (r *Reassembly) Reassemble(writer GUID, df *DataFragSubmessage, now time.Time) ([]byte, bool) {
	seq := df.WriterSN
	if d := r.completed[writer]; d != nil && d.Contains(seq) {
		log.Debugf("[%s] ignoring fragment of finished sample %d from %s", r.name, seq, writer)
		r.counters[CounterNumFragmentsDuplicate]++
		return nil, false
	}

	if df.FragmentSize == 0 || df.SampleSize == 0 || df.FragmentStartingNum == 0 || df.FragmentsInSubmessage == 0 {
		log.Warningf("[%s] ignoring invalid fragment of %d from %s", r.name, seq, writer)
		r.counters[CounterNumFragmentsInvalid]++
		return nil, false
	}
	if df.SampleSize > r.maxSampleSize {
		log.Warningf("[%s] ignoring fragment of %d from %s, sample size %d exceeds %d", r.name, seq, writer, df.SampleSize, r.maxSampleSize)
		r.counters[CounterNumFragmentsInvalid]++
		return nil, false
	}
	fragSize := uint32(df.FragmentSize)
	total := (df.SampleSize + fragSize - 1) / fragSize
	first := uint32(df.FragmentStartingNum)
	last := first + uint32(df.FragmentsInSubmessage) - 1
	if last < first || last > total {
		log.Warningf("[%s] ignoring fragments %d-%d of %d, sample has %d fragments", r.name, first, last, seq, total)
		r.counters[CounterNumFragmentsInvalid]++
		return nil, false
	}
	offset := (first - 1) * fragSize
	end := last * fragSize
	if end > df.SampleSize {
		end = df.SampleSize
	}
	if uint32(len(df.Payload)) < end-offset {
		log.Warningf("[%s] ignoring fragments %d-%d of %d, payload is %d bytes, expected %d", r.name, first, last, seq, len(df.Payload), end-offset)
		r.counters[CounterNumFragmentsInvalid]++
		return nil, false
	}
	payload := df.Payload[:end-offset]
	r.counters[CounterNumFragmentsReceived] += uint64(df.FragmentsInSubmessage)

	key := fragmentKey{writer, seq}
	entry := r.entries[key]
	if entry == nil {
		if first == 1 && last == total {
			r.done(writer).Insert(seq)
			return append([]byte(nil), payload...), true
		}
		r.makeRoom()
		entry = &fragmentEntry{
			sampleSize:   df.SampleSize,
			fragmentSize: df.FragmentSize,
			total:        total,
			data:         make([]byte, df.SampleSize),
		}
		r.entries[key] = entry
	} else if entry.sampleSize != df.SampleSize || entry.fragmentSize != df.FragmentSize {
		log.Warningf("[%s] ignoring fragment of %d, sample size %d/%d does not match %d/%d", r.name, seq,
			df.SampleSize, df.FragmentSize, entry.sampleSize, entry.fragmentSize)
		r.counters[CounterNumFragmentsInvalid]++
		return nil, false
	}
	entry.lastUpdate = now

	added := entry.frags.insert(FragmentNumber(first), FragmentNumber(last))
	if len(added) == 0 {
		r.counters[CounterNumFragmentsDuplicate]++
	}
	for _, s := range added {
		from := (uint32(s.first) - 1) * fragSize
		to := uint32(s.last) * fragSize
		if to > entry.sampleSize {
			to = entry.sampleSize
		}
		copy(entry.data[from:to], payload[from-offset:to-offset])
	}

	log.Debugf("[%s] sample %d from %s has fragments %d-%d of %d", r.name, seq, writer, first, last, total)
	if !entry.complete() {
		return nil, false
	}
	delete(r.entries, key)
	r.done(writer).Insert(seq)
	log.Debugf("[%s] completed reassembly of sample %d from %s", r.name, seq, writer)
	return entry.data, true
}

// makeRoom drops the least recently updated entries until a new one fits
// within the configured bound.
func (r *Reassembly) makeRoom() {
	for r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		var oldest fragmentKey
		var oldestTime time.Time
		found := false
		for k, e := range r.entries {
			if !found || e.lastUpdate.Before(oldestTime) {
				oldest, oldestTime, found = k, e.lastUpdate, true
			}
		}
		log.Warningf("[%s] reassembly buffer full, dropping sample %d from %s", r.name, oldest.seq, oldest.writer)
		delete(r.entries, oldest)
		r.counters[CounterNumFragmentsEvicted]++
	}
}

// CheckExpirations drops entries that have not seen a fragment within the
// timeout and returns how many were dropped.
func (r *Reassembly) CheckExpirations(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	var n int
	for k, e := range r.entries {
		if now.Sub(e.lastUpdate) > r.timeout {
			log.Debugf("[%s] reassembly of sample %d from %s expired", r.name, k.seq, k.writer)
			delete(r.entries, k)
			n++
		}
	}
	r.counters[CounterNumFragmentsEvicted] += uint64(n)
	return n
}

// HasFragments reports whether an incomplete entry exists.
func (r *Reassembly) HasFragments(seq SequenceNumber, writer GUID) bool {
	_, ok := r.entries[fragmentKey{writer, seq}]
	return ok
}

// HasFragmentsIn reports whether any sequence in rng has an incomplete entry.
func (r *Reassembly) HasFragmentsIn(rng SequenceRange, writer GUID) bool {
	for k := range r.entries {
		if k.writer == writer && rng.Contains(k.seq) {
			return true
		}
	}
	return false
}

func (r *Reassembly) TotalFragments(seq SequenceNumber, writer GUID) (uint32, bool) {
	e, ok := r.entries[fragmentKey{writer, seq}]
	if !ok {
		return 0, false
	}
	return e.total, true
}

// Gaps fills bitmap with the fragments of seq still missing: bit i set means
// fragment base+i has not arrived. numBits is truncated to the capacity of
// bitmap and is zero when there is no incomplete entry.
func (r *Reassembly) Gaps(seq SequenceNumber, writer GUID, bitmap []uint32) (base FragmentNumber, numBits uint32) {
	for i := range bitmap {
		bitmap[i] = 0
	}
	e, ok := r.entries[fragmentKey{writer, seq}]
	if !ok || len(bitmap) == 0 {
		return 0, 0
	}

	spans := e.frags.spans
	total := FragmentNumber(e.total)
	base = 1
	if spans[0].first == 1 {
		base = spans[0].last + 1
	}
	highest := total
	if spans[len(spans)-1].last == total {
		highest = spans[len(spans)-1].first - 1
	}

	capacity := uint32(len(bitmap)) * 32
	numBits = uint32(highest-base) + 1
	if numBits > capacity {
		numBits = capacity
	}

	next := base
	for _, s := range spans {
		if s.last < base {
			continue
		}
		for f := next; f < s.first && uint32(f-base) < numBits; f++ {
			setBit(bitmap, uint32(f-base))
		}
		next = s.last + 1
	}
	for f := next; f <= total && uint32(f-base) < numBits; f++ {
		setBit(bitmap, uint32(f-base))
	}
	return base, numBits
}

// DataUnavailable discards any entry for seq. Later fragments of seq are
// ignored.
func (r *Reassembly) DataUnavailable(seq SequenceNumber, writer GUID) bool {
	key := fragmentKey{writer, seq}
	_, ok := r.entries[key]
	delete(r.entries, key)
	r.done(writer).Insert(seq)
	return ok
}

// DataUnavailableRange is DataUnavailable for every sequence in rng.
func (r *Reassembly) DataUnavailableRange(writer GUID, rng SequenceRange) {
	r.RemoveFragments(rng, writer)
	r.done(writer).InsertRange(rng)
}

// RemoveFragments discards incomplete entries in rng without marking them
// unavailable.
func (r *Reassembly) RemoveFragments(rng SequenceRange, writer GUID) {
	for k := range r.entries {
		if k.writer == writer && rng.Contains(k.seq) {
			delete(r.entries, k)
		}
	}
}

// RemoveFromBitmap clears the bits of an ACKNACK style bitmap whose sequence
// has an incomplete entry and returns those sequences, so they can be
// requested fragment by fragment instead. numBits is lowered to the last bit
// still set.
func (r *Reassembly) RemoveFromBitmap(base SequenceNumber, numBits *uint32, bitmap []uint32, writer GUID) []SequenceNumber {
	var removed []SequenceNumber
	for i := uint32(0); i < *numBits; i++ {
		if !bitIsSet(bitmap, i) {
			continue
		}
		seq := base + SequenceNumber(i)
		if r.HasFragments(seq, writer) {
			clearBit(bitmap, i)
			removed = append(removed, seq)
		}
	}
	if len(removed) > 0 {
		for *numBits > 0 && !bitIsSet(bitmap, *numBits-1) {
			*numBits--
		}
	}
	return removed
}

// ClearCompleted forgets the finished sequences of writer.
func (r *Reassembly) ClearCompleted(writer GUID) {
	delete(r.completed, writer)
}

// RemoveWriter drops everything known about writer.
func (r *Reassembly) RemoveWriter(writer GUID) {
	for k := range r.entries {
		if k.writer == writer {
			delete(r.entries, k)
		}
	}
	delete(r.completed, writer)
}
