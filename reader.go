package rtps

import (
	"net"
	"sort"
	"time"
)

// Reader is a local reader endpoint. Samples from associated writers are
// handed to Config.DataReceivedFunction in sequence order, each exactly once.
type Reader struct {
	link    *DataLink
	guid    GUID
	writers map[GUID]*writerInfo
}

// writerInfo is what a reader knows about one remote writer.
type writerInfo struct {
	guid GUID
	addr *net.UDPAddr

	recvd  DisjointSequence
	held   map[SequenceNumber]*Sample
	hbLast SequenceNumber

	hbCount        int32
	haveHBCount    bool
	hbFragCount    int32
	haveHBFrag     bool
	fragsAvailable map[SequenceNumber]FragmentNumber

	ackPending    bool
	ackDue        time.Time
	ackNackCount  int32
	nackFragCount int32
}

func (r *Reader) GUID() GUID {
	return r.guid
}

// AssociateWriter starts tracking writer. A nil addr is learned from the
// first message the writer sends.
func (r *Reader) AssociateWriter(writer GUID, addr *net.UDPAddr) {
	r.link.mu.Lock()
	defer r.link.unlock()
	if wi, ok := r.writers[writer]; ok {
		if addr != nil {
			wi.addr = addr
		}
		return
	}
	r.writers[writer] = &writerInfo{
		guid:           writer,
		addr:           addr,
		held:           map[SequenceNumber]*Sample{},
		fragsAvailable: map[SequenceNumber]FragmentNumber{},
	}
	// samples finished before this association were never delivered here
	r.link.reassembly.ClearCompleted(writer)
}

// DisassociateWriter drops every trace of writer, including partially
// reassembled samples.
func (r *Reader) DisassociateWriter(writer GUID) {
	r.link.mu.Lock()
	defer r.link.unlock()
	r.disassociate(writer)
}

func (r *Reader) disassociate(writer GUID) {
	delete(r.writers, writer)
	for _, other := range r.link.readers {
		if _, ok := other.writers[writer]; ok {
			return
		}
	}
	r.link.reassembly.RemoveWriter(writer)
}

// Received returns the sequences recorded for writer, counting those the
// writer declared unavailable.
func (r *Reader) Received(writer GUID) []SequenceRange {
	r.link.mu.Lock()
	defer r.link.unlock()
	if wi, ok := r.writers[writer]; ok {
		return wi.recvd.PresentRanges()
	}
	return nil
}

// CumulativeAck returns the highest sequence through which everything from
// writer has been received or declared unavailable.
func (r *Reader) CumulativeAck(writer GUID) SequenceNumber {
	r.link.mu.Lock()
	defer r.link.unlock()
	if wi, ok := r.writers[writer]; ok {
		return wi.recvd.CumulativeAck()
	}
	return SequenceNumberZero
}

func (r *Reader) learnAddr(ctx ReceiverContext, wi *writerInfo) {
	if wi.addr == nil {
		wi.addr = ctx.ReplyAddr()
	}
}

func (r *Reader) handleData(ctx ReceiverContext, wi *writerInfo, sample *Sample) {
	r.learnAddr(ctx, wi)
	seq := sample.Header.Sequence
	if seq < 1 {
		r.link.Counters[CounterNumSubmessagesInvalid]++
		return
	}
	if wi.recvd.Empty() {
		wi.recvd.InsertRange(SequenceRange{SequenceNumberZero, seq - 1})
	}
	if !wi.recvd.Insert(seq) {
		log.Debugf("[%s] ignoring duplicate sample %d from %s", r.link.Config.Name, seq, wi.guid)
		r.link.Counters[CounterNumSamplesDuplicate]++
		return
	}
	delete(wi.fragsAvailable, seq)

	if seq <= wi.recvd.CumulativeAck() {
		r.link.deliver(r.guid, sample)
		r.releaseHeld(wi)
	} else {
		log.Debugf("[%s] holding sample %d from %s until %d arrives", r.link.Config.Name, seq, wi.guid, wi.recvd.CumulativeAck()+1)
		wi.held[seq] = sample
	}
}

// releaseHeld delivers held samples the cumulative ack has caught up with.
func (r *Reader) releaseHeld(wi *writerInfo) {
	if len(wi.held) == 0 {
		return
	}
	ack := wi.recvd.CumulativeAck()
	var ready []SequenceNumber
	for seq := range wi.held {
		if seq <= ack {
			ready = append(ready, seq)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	for _, seq := range ready {
		r.link.deliver(r.guid, wi.held[seq])
		delete(wi.held, seq)
	}
}

func (r *Reader) handleGap(ctx ReceiverContext, wi *writerInfo, gap *GapSubmessage) {
	r.learnAddr(ctx, wi)
	if gap.GapStart < 1 || gap.GapList.Base < gap.GapStart {
		log.Warningf("[%s] ignoring invalid gap %d/%d from %s", r.link.Config.Name, gap.GapStart, gap.GapList.Base, wi.guid)
		r.link.Counters[CounterNumSubmessagesInvalid]++
		return
	}
	writer := wi.guid
	if wi.recvd.Empty() {
		wi.recvd.InsertRange(SequenceRange{SequenceNumberZero, gap.GapStart - 1})
	}
	if gap.GapList.Base > gap.GapStart {
		rng := SequenceRange{gap.GapStart, gap.GapList.Base - 1}
		wi.recvd.InsertRange(rng)
		r.link.reassembly.DataUnavailableRange(writer, rng)
	}
	list := gap.GapList
	wi.recvd.InsertBitmap(list.Base, list.NumBits, list.Bitmap)
	for i := uint32(0); i < list.NumBits; i++ {
		if bitIsSet(list.Bitmap, i) {
			seq := list.Base + SequenceNumber(i)
			r.link.reassembly.DataUnavailable(seq, writer)
			delete(wi.fragsAvailable, seq)
		}
	}
	log.Debugf("[%s] gap from %s leaves %s", r.link.Config.Name, writer, &wi.recvd)
	r.releaseHeld(wi)
}

func (r *Reader) handleHeartbeat(ctx ReceiverContext, wi *writerInfo, hb *HeartbeatSubmessage) {
	if wi.haveHBCount && hb.Count <= wi.hbCount {
		r.link.Counters[CounterNumSubmessagesStale]++
		return
	}
	wi.haveHBCount = true
	wi.hbCount = hb.Count

	if hb.FirstSN < 1 || hb.LastSN < 0 || hb.LastSN < hb.FirstSN-1 {
		log.Warningf("[%s] ignoring invalid heartbeat %d-%d from %s", r.link.Config.Name, hb.FirstSN, hb.LastSN, wi.guid)
		r.link.Counters[CounterNumSubmessagesInvalid]++
		return
	}
	r.learnAddr(ctx, wi)

	// anything below the writer's first sequence will never be sent again
	floor := SequenceRange{SequenceNumberZero, hb.FirstSN - 1}
	if wi.recvd.Empty() || hb.FirstSN > 1 {
		wi.recvd.InsertRange(floor)
		r.link.reassembly.DataUnavailableRange(wi.guid, floor)
	}
	if hb.LastSN > wi.hbLast {
		wi.hbLast = hb.LastSN
	}
	if hb.Liveliness() {
		r.link.liveliness(wi.guid)
	}
	r.releaseHeld(wi)

	if !hb.Final() || (!hb.Liveliness() && wi.hbLast > wi.recvd.CumulativeAck()) {
		r.scheduleAck(wi)
	}
}

func (r *Reader) handleHeartbeatFrag(ctx ReceiverContext, wi *writerInfo, hf *HeartbeatFragSubmessage) {
	if wi.haveHBFrag && hf.Count <= wi.hbFragCount {
		r.link.Counters[CounterNumSubmessagesStale]++
		return
	}
	wi.haveHBFrag = true
	wi.hbFragCount = hf.Count
	r.learnAddr(ctx, wi)

	if hf.WriterSN < 1 || hf.LastFragmentNum == 0 || wi.recvd.Contains(hf.WriterSN) {
		return
	}
	if hf.LastFragmentNum > wi.fragsAvailable[hf.WriterSN] {
		wi.fragsAvailable[hf.WriterSN] = hf.LastFragmentNum
	}
	r.scheduleAck(wi)
}

func (r *Reader) scheduleAck(wi *writerInfo) {
	if !wi.ackPending {
		wi.ackPending = true
		wi.ackDue = r.link.Time.Add(r.link.Config.HeartbeatResponseDelay.Duration)
	}
}

func (r *Reader) flush(now time.Time) {
	for _, wi := range r.writers {
		if wi.ackPending && !now.Before(wi.ackDue) {
			r.sendAckNack(wi)
		}
	}
}

// sendAckNack acknowledges everything through the cumulative ack and asks
// for what is missing up to the last heartbeat. Samples that are partially
// reassembled are asked for fragment by fragment instead.
func (r *Reader) sendAckNack(wi *writerInfo) {
	wi.ackPending = false
	writer := wi.guid
	base := wi.recvd.CumulativeAck() + 1
	bitmap := make([]uint32, BitmapNumWords(base, wi.hbLast))
	numBits, _ := wi.recvd.ToBitmap(base, bitmap, true)
	capacity := SequenceNumber(len(bitmap) * 32)
	if high := wi.recvd.High(); wi.hbLast > high && high+1-base < capacity {
		last := wi.hbLast - base
		if last >= capacity {
			last = capacity - 1
		}
		FillBitmapRange(bitmap, uint32(high+1-base), uint32(last), &numBits)
	}

	fragmented := r.link.reassembly.RemoveFromBitmap(base, &numBits, bitmap, writer)
	for seq := range wi.fragsAvailable {
		switch {
		case wi.recvd.Contains(seq):
			delete(wi.fragsAvailable, seq)
		case seq >= base+SequenceNumber(numBits) && !containsSequence(fragmented, seq):
			fragmented = append(fragmented, seq)
		}
	}
	sort.Slice(fragmented, func(i, j int) bool { return fragmented[i] < fragmented[j] })

	an := &AckNackSubmessage{
		ReaderID: r.guid.Entity,
		WriterID: writer.Entity,
		ReaderSNState: SequenceNumberSet{
			Base:    base,
			NumBits: numBits,
			Bitmap:  bitmap[:bitmapWords(numBits)],
		},
	}
	if !anyBitSet(bitmap, numBits) {
		an.Flags = FlagFinal
		an.ReaderSNState.NumBits = 0
		an.ReaderSNState.Bitmap = nil
	}
	wi.ackNackCount++
	an.Count = wi.ackNackCount

	submessages := []Submessage{&InfoDestinationSubmessage{Prefix: writer.Prefix}, an}
	for _, seq := range fragmented {
		if nf := r.nackFrag(wi, seq); nf != nil {
			submessages = append(submessages, nf)
		}
	}
	log.Debugf("[%s] acknack to %s base %d bits %d, %d fragment requests", r.link.Config.Name, writer, base, an.ReaderSNState.NumBits, len(submessages)-2)
	r.link.send(wi.addr, submessages...)
	r.link.Counters[CounterNumAckNacksSent]++
	r.link.Counters[CounterNumNackFragsSent] += uint64(len(submessages) - 2)
}

// nackFrag requests the fragments of seq not yet received, limited to those
// the writer announced.
func (r *Reader) nackFrag(wi *writerInfo, seq SequenceNumber) *NackFragSubmessage {
	bitmap := make([]uint32, maxBitmapWords)
	base, numBits := r.link.reassembly.Gaps(seq, wi.guid, bitmap)
	lastAvailable, announced := wi.fragsAvailable[seq]
	if numBits == 0 {
		if !announced {
			return nil
		}
		// nothing received yet, ask for every announced fragment
		base = 1
		numBits = 0
		FillBitmapRange(bitmap, 0, uint32(lastAvailable-1), &numBits)
	} else if announced {
		if base > lastAvailable {
			return nil
		}
		if limit := uint32(lastAvailable-base) + 1; numBits > limit {
			numBits = limit
		}
	}
	if !anyBitSet(bitmap, numBits) {
		return nil
	}
	wi.nackFragCount++
	return &NackFragSubmessage{
		ReaderID: r.guid.Entity,
		WriterID: wi.guid.Entity,
		WriterSN: seq,
		FragmentNumberState: FragmentNumberSet{
			Base:    base,
			NumBits: numBits,
			Bitmap:  bitmap[:bitmapWords(numBits)],
		},
		Count: wi.nackFragCount,
	}
}

func containsSequence(list []SequenceNumber, seq SequenceNumber) bool {
	for _, s := range list {
		if s == seq {
			return true
		}
	}
	return false
}
