package rtps

import (
	"net"
	"sort"
	"time"
)

// Writer is a local writer endpoint. The last Config.SendBufferSize samples
// are kept for retransmission; requests for older ones are answered with GAP.
type Writer struct {
	link   *DataLink
	guid   GUID
	buffer *SequenceBuffer[sentSample]
	seq    SequenceNumber

	readers       map[GUID]*readerInfo
	hbCount       int32
	hbFragCount   int32
	nextHeartbeat time.Time
}

// readerInfo is what a writer knows about one remote reader.
type readerInfo struct {
	guid  GUID
	addr  *net.UDPAddr
	acked SequenceNumber

	requested      DisjointSequence
	requestedFrags map[SequenceNumber]*rangeSet[FragmentNumber]

	ackNackCount     int32
	haveAckNackCount bool
	nackFragCount    int32
	haveNackFrag     bool

	nackPending bool
	nackDue     time.Time
}

func (w *Writer) GUID() GUID {
	return w.guid
}

// AssociateReader starts sending to reader. A nil addr is learned from the
// first message the reader sends.
func (w *Writer) AssociateReader(reader GUID, addr *net.UDPAddr) {
	w.link.mu.Lock()
	defer w.link.unlock()
	if ri, ok := w.readers[reader]; ok {
		if addr != nil {
			ri.addr = addr
		}
		return
	}
	w.readers[reader] = &readerInfo{
		guid:           reader,
		addr:           addr,
		requestedFrags: map[SequenceNumber]*rangeSet[FragmentNumber]{},
	}
	w.nextHeartbeat = w.link.Time
}

func (w *Writer) DisassociateReader(reader GUID) {
	w.link.mu.Lock()
	defer w.link.unlock()
	delete(w.readers, reader)
}

// Acked returns the highest sequence reader has acknowledged everything
// through.
func (w *Writer) Acked(reader GUID) SequenceNumber {
	w.link.mu.Lock()
	defer w.link.unlock()
	if ri, ok := w.readers[reader]; ok {
		return ri.acked
	}
	return SequenceNumberZero
}

func (w *Writer) LastSequence() SequenceNumber {
	w.link.mu.Lock()
	defer w.link.unlock()
	return w.seq
}

// Write publishes payload to every associated reader under the next
// sequence number. Payloads above Config.FragmentAbove go out as DATA_FRAG.
func (w *Writer) Write(payload []byte) SequenceNumber {
	w.link.mu.Lock()
	defer w.link.unlock()

	w.seq++
	s := w.buffer.Insert(w.seq)
	*s = sentSample{
		sequence: w.seq,
		time:     w.link.Time,
		payload:  append([]byte(nil), payload...),
	}
	config := w.link.Config
	if len(payload) > config.FragmentAbove {
		s.fragments = uint32((len(payload) + config.FragmentSize - 1) / config.FragmentSize)
		log.Debugf("[%s] sending sample %d as %d fragments", config.Name, w.seq, s.fragments)
	} else {
		log.Debugf("[%s] sending sample %d without fragmentation", config.Name, w.seq)
	}

	for _, ri := range w.readers {
		w.sendSample(ri, s, nil)
	}
	w.link.Counters[CounterNumSamplesSent]++
	return w.seq
}

// sendSample sends s directed at one reader. When frags is not nil only
// those fragments go out.
func (w *Writer) sendSample(ri *readerInfo, s *sentSample, frags *rangeSet[FragmentNumber]) {
	dst := &InfoDestinationSubmessage{Prefix: ri.guid.Prefix}
	ts := &InfoTimestampSubmessage{Timestamp: TimeFromGo(s.time)}
	if s.fragments == 0 {
		w.link.send(ri.addr, dst, ts, &DataSubmessage{
			ReaderID: ri.guid.Entity,
			WriterID: w.guid.Entity,
			WriterSN: s.sequence,
			Payload:  s.payload,
		})
		return
	}

	fragSize := w.link.Config.FragmentSize
	for f := uint32(1); f <= s.fragments; f++ {
		if frags != nil && !frags.contains(FragmentNumber(f)) {
			continue
		}
		from := int(f-1) * fragSize
		to := from + fragSize
		if to > len(s.payload) {
			to = len(s.payload)
		}
		w.link.send(ri.addr, dst, ts, &DataFragSubmessage{
			ReaderID:              ri.guid.Entity,
			WriterID:              w.guid.Entity,
			WriterSN:              s.sequence,
			FragmentStartingNum:   FragmentNumber(f),
			FragmentsInSubmessage: 1,
			FragmentSize:          uint16(fragSize),
			SampleSize:            uint32(len(s.payload)),
			Payload:               s.payload[from:to],
		})
		w.link.Counters[CounterNumFragmentsSent]++
	}
}

// available is the range of sequences still held for retransmission.
func (w *Writer) available() SequenceRange {
	first := w.buffer.Low()
	if first < 1 {
		first = 1
	}
	return SequenceRange{first, w.seq}
}

// heartbeat announces the available range to each reader that has not yet
// acknowledged all of it, along with the fragment counts of unacknowledged
// fragmented samples.
func (w *Writer) heartbeat(now time.Time) {
	if now.Before(w.nextHeartbeat) {
		return
	}
	w.nextHeartbeat = now.Add(w.link.Config.HeartbeatPeriod.Duration)

	avail := w.available()
	for _, ri := range w.readers {
		if ri.addr == nil || (ri.haveAckNackCount && ri.acked >= avail.Last) {
			continue
		}
		w.hbCount++
		submessages := []Submessage{
			&InfoDestinationSubmessage{Prefix: ri.guid.Prefix},
			&HeartbeatSubmessage{
				ReaderID: ri.guid.Entity,
				WriterID: w.guid.Entity,
				FirstSN:  avail.First,
				LastSN:   avail.Last,
				Count:    w.hbCount,
			},
		}
		from := ri.acked + 1
		if from < avail.First {
			from = avail.First
		}
		for seq := from; seq <= avail.Last; seq++ {
			s := w.buffer.Find(seq)
			if s == nil || s.fragments == 0 {
				continue
			}
			w.hbFragCount++
			submessages = append(submessages, &HeartbeatFragSubmessage{
				ReaderID:        ri.guid.Entity,
				WriterID:        w.guid.Entity,
				WriterSN:        seq,
				LastFragmentNum: FragmentNumber(s.fragments),
				Count:           w.hbFragCount,
			})
		}
		w.link.send(ri.addr, submessages...)
		w.link.Counters[CounterNumHeartbeatsSent]++
	}
}

// AssertLiveliness sends a final heartbeat with the liveliness flag to every
// reader. Readers do not answer it.
func (w *Writer) AssertLiveliness() {
	w.link.mu.Lock()
	defer w.link.unlock()
	avail := w.available()
	for _, ri := range w.readers {
		w.hbCount++
		w.link.send(ri.addr, &InfoDestinationSubmessage{Prefix: ri.guid.Prefix}, &HeartbeatSubmessage{
			SubmessageHeader: SubmessageHeader{Flags: FlagFinal | FlagLiveliness},
			ReaderID:         ri.guid.Entity,
			WriterID:         w.guid.Entity,
			FirstSN:          avail.First,
			LastSN:           avail.Last,
			Count:            w.hbCount,
		})
		w.link.Counters[CounterNumHeartbeatsSent]++
	}
}

func (w *Writer) handleAckNack(ctx ReceiverContext, ri *readerInfo, an *AckNackSubmessage) {
	if ri.haveAckNackCount && an.Count <= ri.ackNackCount {
		w.link.Counters[CounterNumSubmessagesStale]++
		return
	}
	ri.haveAckNackCount = true
	ri.ackNackCount = an.Count
	if ri.addr == nil {
		ri.addr = ctx.ReplyAddr()
	}

	state := an.ReaderSNState
	if acked := state.Base - 1; acked > ri.acked {
		if acked > w.seq {
			acked = w.seq
		}
		ri.acked = acked
	}
	for i := uint32(0); i < state.NumBits; i++ {
		if !bitIsSet(state.Bitmap, i) {
			continue
		}
		if seq := state.Base + SequenceNumber(i); seq >= 1 && seq <= w.seq {
			ri.requested.Insert(seq)
		}
	}
	log.Debugf("[%s] acknack from %s acks %d, requests %s", w.link.Config.Name, ri.guid, ri.acked, &ri.requested)

	if !ri.requested.Empty() {
		w.scheduleNackReply(ri)
	} else if !an.Final() && ri.acked < w.seq {
		// the reader has not heard of the newest samples yet
		w.nextHeartbeat = w.link.Time
	}
}

func (w *Writer) handleNackFrag(ctx ReceiverContext, ri *readerInfo, nf *NackFragSubmessage) {
	if ri.haveNackFrag && nf.Count <= ri.nackFragCount {
		w.link.Counters[CounterNumSubmessagesStale]++
		return
	}
	ri.haveNackFrag = true
	ri.nackFragCount = nf.Count
	if ri.addr == nil {
		ri.addr = ctx.ReplyAddr()
	}
	if nf.WriterSN < 1 || nf.WriterSN > w.seq {
		return
	}

	state := nf.FragmentNumberState
	frags := ri.requestedFrags[nf.WriterSN]
	if frags == nil {
		frags = &rangeSet[FragmentNumber]{}
		ri.requestedFrags[nf.WriterSN] = frags
	}
	for i := uint32(0); i < state.NumBits; i++ {
		if bitIsSet(state.Bitmap, i) {
			f := state.Base + FragmentNumber(i)
			frags.insert(f, f)
		}
	}
	if frags.empty() {
		delete(ri.requestedFrags, nf.WriterSN)
		return
	}
	w.scheduleNackReply(ri)
}

func (w *Writer) scheduleNackReply(ri *readerInfo) {
	if !ri.nackPending {
		ri.nackPending = true
		ri.nackDue = w.link.Time.Add(w.link.Config.NackResponseDelay.Duration)
	}
}

func (w *Writer) flush(now time.Time) {
	for _, ri := range w.readers {
		if ri.nackPending && !now.Before(ri.nackDue) {
			w.sendNackReplies(ri)
		}
	}
}

// sendNackReplies resends what the reader asked for and is still buffered,
// and answers the rest with GAP.
func (w *Writer) sendNackReplies(ri *readerInfo) {
	ri.nackPending = false
	var gaps DisjointSequence

	for _, rng := range ri.requested.PresentRanges() {
		for seq := rng.First; seq <= rng.Last; seq++ {
			delete(ri.requestedFrags, seq)
			s := w.buffer.Find(seq)
			if s == nil {
				gaps.Insert(seq)
				continue
			}
			w.sendSample(ri, s, nil)
			w.link.Counters[CounterNumSamplesResent]++
		}
	}
	ri.requested.Reset()

	seqs := make([]SequenceNumber, 0, len(ri.requestedFrags))
	for seq := range ri.requestedFrags {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		s := w.buffer.Find(seq)
		switch {
		case s == nil:
			gaps.Insert(seq)
		case s.fragments == 0:
			w.sendSample(ri, s, nil)
		default:
			w.sendSample(ri, s, ri.requestedFrags[seq])
		}
		delete(ri.requestedFrags, seq)
	}

	if gaps.Empty() {
		return
	}
	log.Debugf("[%s] %s asked for %s which is no longer available", w.link.Config.Name, ri.guid, &gaps)
	submessages := []Submessage{&InfoDestinationSubmessage{Prefix: ri.guid.Prefix}}
	for _, gap := range buildGaps(&gaps) {
		gap.ReaderID = ri.guid.Entity
		gap.WriterID = w.guid.Entity
		submessages = append(submessages, gap)
	}
	w.link.send(ri.addr, submessages...)
	w.link.Counters[CounterNumGapsSent] += uint64(len(submessages) - 1)
}

// buildGaps describes the sequences of gaps as GAP submessages: the first
// range becomes [gapStart, gapList.base) and the remaining ones the bitmap.
// When the bitmap cannot hold them, each range gets its own GAP.
func buildGaps(gaps *DisjointSequence) []*GapSubmessage {
	ranges := gaps.PresentRanges()
	if len(ranges) == 0 {
		return nil
	}
	base := ranges[0].Last + 1
	bitmap := make([]uint32, BitmapNumWords(base, gaps.High()))
	numBits, fits := gaps.ToBitmap(base, bitmap, false)
	if fits {
		return []*GapSubmessage{{
			GapStart: ranges[0].First,
			GapList:  SequenceNumberSet{Base: base, NumBits: numBits, Bitmap: bitmap[:bitmapWords(numBits)]},
		}}
	}
	out := make([]*GapSubmessage, len(ranges))
	for i, r := range ranges {
		out[i] = &GapSubmessage{GapStart: r.First, GapList: SequenceNumberSet{Base: r.Last + 1}}
	}
	return out
}
