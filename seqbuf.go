package rtps

// SequenceBuffer is a fixed size ring of entries indexed by sequence number.
// Inserting a sequence evicts whatever was stored NumEntries sequences before
// it.
type SequenceBuffer[T any] struct {
	Sequence      SequenceNumber // one past the highest sequence inserted
	NumEntries    int
	EntrySequence []SequenceNumber
	EntryData     []T
}

const available SequenceNumber = SequenceNumberUnknown

func NewSequenceBuffer[T any](numEntries int) *SequenceBuffer[T] {
	sb := &SequenceBuffer[T]{
		NumEntries:    numEntries,
		EntrySequence: make([]SequenceNumber, numEntries),
		EntryData:     make([]T, numEntries),
	}
	sb.Reset()
	return sb
}

func (sb *SequenceBuffer[T]) Reset() {
	sb.Sequence = 0
	var zero T
	for i := range sb.EntrySequence {
		sb.EntrySequence[i] = available
		sb.EntryData[i] = zero
	}
}

func (sb *SequenceBuffer[T]) index(sequence SequenceNumber) int {
	return int(uint64(sequence) % uint64(sb.NumEntries))
}

// RemoveEntries frees every slot for sequences in [start, finish].
func (sb *SequenceBuffer[T]) RemoveEntries(start, finish SequenceNumber) {
	if finish < start {
		return
	}
	var zero T
	if finish-start < SequenceNumber(sb.NumEntries) {
		for sequence := start; sequence <= finish; sequence++ {
			i := sb.index(sequence)
			sb.EntrySequence[i] = available
			sb.EntryData[i] = zero
		}
	} else {
		for i := 0; i < sb.NumEntries; i++ {
			sb.EntrySequence[i] = available
			sb.EntryData[i] = zero
		}
	}
}

// TestInsert reports whether sequence is recent enough to be stored.
func (sb *SequenceBuffer[T]) TestInsert(sequence SequenceNumber) bool {
	return sequence >= sb.Sequence-SequenceNumber(sb.NumEntries)
}

// Insert claims the slot for sequence and returns it, or nil when sequence
// is too old.
func (sb *SequenceBuffer[T]) Insert(sequence SequenceNumber) *T {
	if !sb.TestInsert(sequence) {
		return nil
	}
	if sequence+1 > sb.Sequence {
		sb.RemoveEntries(sb.Sequence, sequence)
		sb.Sequence = sequence + 1
	}
	i := sb.index(sequence)
	sb.EntrySequence[i] = sequence
	return &sb.EntryData[i]
}

func (sb *SequenceBuffer[T]) Remove(sequence SequenceNumber) {
	i := sb.index(sequence)
	if sb.EntrySequence[i] == sequence {
		var zero T
		sb.EntrySequence[i] = available
		sb.EntryData[i] = zero
	}
}

func (sb *SequenceBuffer[T]) Exists(sequence SequenceNumber) bool {
	return sb.EntrySequence[sb.index(sequence)] == sequence
}

func (sb *SequenceBuffer[T]) Find(sequence SequenceNumber) *T {
	i := sb.index(sequence)
	if sb.EntrySequence[i] == sequence {
		return &sb.EntryData[i]
	}
	return nil
}

// Low returns the lowest sequence still stored, or Sequence when the buffer
// holds nothing.
func (sb *SequenceBuffer[T]) Low() SequenceNumber {
	low := sb.Sequence - SequenceNumber(sb.NumEntries)
	if low < 0 {
		low = 0
	}
	for s := low; s < sb.Sequence; s++ {
		if sb.Exists(s) {
			return s
		}
	}
	return sb.Sequence
}
