package rtps

import (
	"net"
	"sync"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("rtps")

const (
	CounterNumMessagesSent = iota
	CounterNumMessagesReceived
	CounterNumMessagesInvalid
	CounterNumMessagesTooLargeToSend
	CounterNumMessagesTooLargeToReceive
	CounterNumSubmessagesReceived
	CounterNumSubmessagesInvalid
	CounterNumSubmessagesUnknown
	CounterNumSubmessagesNotForUs
	CounterNumSubmessagesUnmatched
	CounterNumSubmessagesStale
	CounterNumSamplesSent
	CounterNumSamplesResent
	CounterNumSamplesDelivered
	CounterNumSamplesDuplicate
	CounterNumFragmentsSent
	CounterNumFragmentsReceived
	CounterNumFragmentsInvalid
	CounterNumFragmentsDuplicate
	CounterNumFragmentsEvicted
	CounterNumHeartbeatsSent
	CounterNumAckNacksSent
	CounterNumNackFragsSent
	CounterNumGapsSent
	CounterNumGapsReceived
	CounterMax
)

type Counters [CounterMax]uint64

// DataLink runs the reliability protocol for the local readers and writers
// of one participant. Every exported method takes the link's mutex, so
// messages and timer ticks may arrive from different goroutines. Callbacks
// in Config run after the mutex is released.
type DataLink struct {
	Config   *Config
	Time     time.Time
	Counters Counters

	mu         sync.Mutex
	header     Header
	codec      Codec
	dispatcher *Dispatcher
	reassembly *Reassembly
	readers    map[EntityID]*Reader
	writers    map[EntityID]*Writer
	callbacks  []func()
}

func NewDataLink(config *Config, prefix GuidPrefix, now time.Time) *DataLink {
	l := &DataLink{
		Config:  config,
		Time:    now,
		header:  Header{Version: ProtocolVersionCurrent, Vendor: config.Vendor, Prefix: prefix},
		codec:   config.Codec,
		readers: map[EntityID]*Reader{},
		writers: map[EntityID]*Writer{},
	}
	if l.codec == nil {
		l.codec = CDRCodec{}
	}
	l.dispatcher = NewDispatcher(config, prefix, linkHandler{l}, &l.Counters)
	l.reassembly = l.dispatcher.Reassembly()
	return l
}

func (l *DataLink) Prefix() GuidPrefix {
	return l.header.Prefix
}

// unlock releases the mutex and then runs the queued callbacks in order.
func (l *DataLink) unlock() {
	callbacks := l.callbacks
	l.callbacks = nil
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// NewReader creates a local reader. An existing reader with the same entity
// id is returned as is.
func (l *DataLink) NewReader(entity EntityID) *Reader {
	l.mu.Lock()
	defer l.unlock()
	if r, ok := l.readers[entity]; ok {
		return r
	}
	r := &Reader{
		link:    l,
		guid:    GUID{l.header.Prefix, entity},
		writers: map[GUID]*writerInfo{},
	}
	l.readers[entity] = r
	return r
}

// NewWriter creates a local writer. An existing writer with the same entity
// id is returned as is.
func (l *DataLink) NewWriter(entity EntityID) *Writer {
	l.mu.Lock()
	defer l.unlock()
	if w, ok := l.writers[entity]; ok {
		return w
	}
	w := &Writer{
		link:    l,
		guid:    GUID{l.header.Prefix, entity},
		buffer:  NewSequenceBuffer[sentSample](l.Config.SendBufferSize),
		readers: map[GUID]*readerInfo{},
	}
	l.writers[entity] = w
	return w
}

// ReceiveDatagram processes one received message.
func (l *DataLink) ReceiveDatagram(remote *net.UDPAddr, message []byte) {
	l.mu.Lock()
	defer l.unlock()
	l.dispatcher.ReceiveDatagram(remote, message, l.Time)
	l.flush(l.Time)
}

// Update advances the link clock, sends periodic heartbeats and due
// responses, and expires stale reassembly entries.
func (l *DataLink) Update(now time.Time) {
	l.mu.Lock()
	defer l.unlock()
	l.Time = now
	for _, w := range l.writers {
		w.heartbeat(now)
	}
	l.flush(now)
	l.reassembly.CheckExpirations(now)
}

// RemoveParticipant tears down every association with endpoints of prefix.
func (l *DataLink) RemoveParticipant(prefix GuidPrefix) {
	l.mu.Lock()
	defer l.unlock()
	for _, r := range l.readers {
		for g := range r.writers {
			if g.Prefix == prefix {
				r.disassociate(g)
			}
		}
	}
	for _, w := range l.writers {
		for g := range w.readers {
			if g.Prefix == prefix {
				delete(w.readers, g)
			}
		}
	}
}

// Snapshot returns a copy of the counters.
func (l *DataLink) Snapshot() Counters {
	l.mu.Lock()
	defer l.unlock()
	return l.Counters
}

// FragmentsPending reports whether a sample of writer is partially
// reassembled.
func (l *DataLink) FragmentsPending(seq SequenceNumber, writer GUID) bool {
	l.mu.Lock()
	defer l.unlock()
	return l.reassembly.HasFragments(seq, writer)
}

func (l *DataLink) flush(now time.Time) {
	for _, r := range l.readers {
		r.flush(now)
	}
	for _, w := range l.writers {
		w.flush(now)
	}
}

// send encodes a message from this participant and queues it.
func (l *DataLink) send(to *net.UDPAddr, submessages ...Submessage) {
	if to == nil {
		log.Debugf("[%s] no address to send %d submessages to", l.Config.Name, len(submessages))
		return
	}
	message, err := l.codec.EncodeMessage(l.header, submessages...)
	if err != nil {
		log.Errorf("[%s] could not encode message: %v", l.Config.Name, err)
		return
	}
	if l.Config.MaxDatagramSize > 0 && len(message) > l.Config.MaxDatagramSize {
		log.Errorf("[%s] message too large to send. message is %d bytes, maximum is %d", l.Config.Name, len(message), l.Config.MaxDatagramSize)
		l.Counters[CounterNumMessagesTooLargeToSend]++
		return
	}
	l.Counters[CounterNumMessagesSent]++
	if transmit := l.Config.TransmitFunction; transmit != nil {
		l.callbacks = append(l.callbacks, func() { transmit(to, message) })
	}
}

func (l *DataLink) deliver(reader GUID, sample *Sample) {
	l.Counters[CounterNumSamplesDelivered]++
	if fn := l.Config.DataReceivedFunction; fn != nil {
		l.callbacks = append(l.callbacks, func() { fn(reader, sample) })
	}
}

func (l *DataLink) liveliness(writer GUID) {
	if fn := l.Config.LivelinessFunction; fn != nil {
		l.callbacks = append(l.callbacks, func() { fn(writer) })
	}
}

// matchWriter calls fn for each local reader addressed by readerID that is
// associated with writer.
func (l *DataLink) matchWriter(readerID EntityID, writer GUID, fn func(r *Reader, wi *writerInfo)) {
	matched := false
	if readerID == EntityIDUnknown {
		for _, r := range l.readers {
			if wi, ok := r.writers[writer]; ok {
				matched = true
				fn(r, wi)
			}
		}
	} else if r, ok := l.readers[readerID]; ok {
		if wi, ok := r.writers[writer]; ok {
			matched = true
			fn(r, wi)
		}
	}
	if !matched {
		log.Debugf("[%s] no local reader %s matches writer %s", l.Config.Name, readerID, writer)
		l.Counters[CounterNumSubmessagesUnmatched]++
	}
}

// matchReader finds the local writer and its association with reader.
func (l *DataLink) matchReader(writerID EntityID, reader GUID) (*Writer, *readerInfo) {
	if w, ok := l.writers[writerID]; ok {
		if ri, ok := w.readers[reader]; ok {
			return w, ri
		}
	}
	log.Debugf("[%s] no local writer %s matches reader %s", l.Config.Name, writerID, reader)
	l.Counters[CounterNumSubmessagesUnmatched]++
	return nil, nil
}

// linkHandler receives dispatched submessages. The link mutex is already
// held.
type linkHandler struct {
	l *DataLink
}

func (h linkHandler) HandleData(ctx ReceiverContext, data *DataSubmessage, sample *Sample) {
	readerID := data.ReaderID
	if sample.Header.Fragmented {
		// reassembly is shared by the local readers, so the reader that
		// completes a sample completes it for all of them
		readerID = EntityIDUnknown
	}
	h.l.matchWriter(readerID, sample.Header.Publication, func(r *Reader, wi *writerInfo) {
		r.handleData(ctx, wi, sample)
	})
}

func (h linkHandler) HandleGap(ctx ReceiverContext, gap *GapSubmessage) {
	h.l.Counters[CounterNumGapsReceived]++
	h.l.matchWriter(gap.ReaderID, GUID{ctx.SourcePrefix, gap.WriterID}, func(r *Reader, wi *writerInfo) {
		r.handleGap(ctx, wi, gap)
	})
}

func (h linkHandler) HandleHeartbeat(ctx ReceiverContext, hb *HeartbeatSubmessage) {
	h.l.matchWriter(hb.ReaderID, GUID{ctx.SourcePrefix, hb.WriterID}, func(r *Reader, wi *writerInfo) {
		r.handleHeartbeat(ctx, wi, hb)
	})
}

func (h linkHandler) HandleHeartbeatFrag(ctx ReceiverContext, hf *HeartbeatFragSubmessage) {
	h.l.matchWriter(hf.ReaderID, GUID{ctx.SourcePrefix, hf.WriterID}, func(r *Reader, wi *writerInfo) {
		r.handleHeartbeatFrag(ctx, wi, hf)
	})
}

func (h linkHandler) HandleAckNack(ctx ReceiverContext, an *AckNackSubmessage) {
	if w, ri := h.l.matchReader(an.WriterID, GUID{ctx.SourcePrefix, an.ReaderID}); w != nil {
		w.handleAckNack(ctx, ri, an)
	}
}

func (h linkHandler) HandleNackFrag(ctx ReceiverContext, nf *NackFragSubmessage) {
	if w, ri := h.l.matchReader(nf.WriterID, GUID{ctx.SourcePrefix, nf.ReaderID}); w != nil {
		w.handleNackFrag(ctx, ri, nf)
	}
}
