package rtps

import (
	"net"
	"time"
)

// Handler receives the submessages of a message that carry reliability
// state, together with the receiver context in effect for each.
type Handler interface {
	HandleData(ctx ReceiverContext, data *DataSubmessage, sample *Sample)
	HandleGap(ctx ReceiverContext, gap *GapSubmessage)
	HandleHeartbeat(ctx ReceiverContext, hb *HeartbeatSubmessage)
	HandleAckNack(ctx ReceiverContext, an *AckNackSubmessage)
	HandleHeartbeatFrag(ctx ReceiverContext, hf *HeartbeatFragSubmessage)
	HandleNackFrag(ctx ReceiverContext, nf *NackFragSubmessage)
}

// Dispatcher walks received messages, tracks the receiver context, joins
// fragments and passes the rest to a Handler. It is not safe for concurrent
// use.
type Dispatcher struct {
	name        string
	local       GuidPrefix
	maxDatagram int
	codec       Codec
	handler     Handler
	reassembly  *Reassembly
	counters    *Counters
}

func NewDispatcher(config *Config, local GuidPrefix, handler Handler, counters *Counters) *Dispatcher {
	if counters == nil {
		counters = &Counters{}
	}
	codec := config.Codec
	if codec == nil {
		codec = CDRCodec{}
	}
	return &Dispatcher{
		name:        config.Name,
		local:       local,
		maxDatagram: config.MaxDatagramSize,
		codec:       codec,
		handler:     handler,
		reassembly:  NewReassembly(config, counters),
		counters:    counters,
	}
}

func (d *Dispatcher) Reassembly() *Reassembly {
	return d.reassembly
}

// ReceiveDatagram processes one message. Malformed messages are dropped; a
// submessage that fails to decode ends processing of that message only.
func (d *Dispatcher) ReceiveDatagram(remote *net.UDPAddr, data []byte, now time.Time) {
	if d.maxDatagram > 0 && len(data) > d.maxDatagram {
		log.Errorf("[%s] message too large to receive. message is %d bytes, maximum is %d", d.name, len(data), d.maxDatagram)
		d.counters[CounterNumMessagesTooLargeToReceive]++
		return
	}

	h, err := d.codec.DecodeHeader(data)
	if err != nil {
		log.Debugf("[%s] ignoring message from %s: %v", d.name, remote, err)
		d.counters[CounterNumMessagesInvalid]++
		return
	}
	if h.Prefix == d.local {
		return
	}
	d.counters[CounterNumMessagesReceived]++

	ctx := NewReceiverContext(d.local, remote, h)
	err = walkSubmessages(d.codec, data, func(sm Submessage) bool {
		ctx = ctx.Apply(sm)
		d.dispatch(ctx, sm, now)
		return true
	})
	if err != nil {
		log.Debugf("[%s] abandoning rest of message from %s: %v", d.name, h.Prefix, err)
		d.counters[CounterNumSubmessagesInvalid]++
	}
}

func (d *Dispatcher) dispatch(ctx ReceiverContext, sm Submessage, now time.Time) {
	switch sm.(type) {
	case *PadSubmessage, *InfoSourceSubmessage, *InfoDestinationSubmessage,
		*InfoReplySubmessage, *InfoReplyIP4Submessage, *InfoTimestampSubmessage:
		return
	case *UnknownSubmessage:
		log.Debugf("[%s] skipping %s from %s", d.name, HeaderOf(sm).Kind, ctx.SourcePrefix)
		d.counters[CounterNumSubmessagesUnknown]++
		return
	}

	if !ctx.ForUs() {
		d.counters[CounterNumSubmessagesNotForUs]++
		return
	}
	d.counters[CounterNumSubmessagesReceived]++

	switch m := sm.(type) {
	case *DataSubmessage:
		d.deliver(ctx, m, false)
	case *DataFragSubmessage:
		writer := GUID{ctx.SourcePrefix, m.WriterID}
		payload, ok := d.reassembly.Reassemble(writer, m, now)
		if !ok {
			return
		}
		flags := m.Flags &^ (FlagFragKey | FlagInlineQos)
		if m.Key() {
			flags |= FlagKey
		} else {
			flags |= FlagData
		}
		data := &DataSubmessage{
			SubmessageHeader: SubmessageHeader{Kind: KindData, Flags: flags},
			ExtraFlags:       m.ExtraFlags,
			ReaderID:         m.ReaderID,
			WriterID:         m.WriterID,
			WriterSN:         m.WriterSN,
			InlineQos:        m.InlineQos,
			Payload:          payload,
		}
		d.deliver(ctx, data, true)
	case *GapSubmessage:
		d.handler.HandleGap(ctx, m)
	case *HeartbeatSubmessage:
		d.handler.HandleHeartbeat(ctx, m)
	case *AckNackSubmessage:
		d.handler.HandleAckNack(ctx, m)
	case *HeartbeatFragSubmessage:
		d.handler.HandleHeartbeatFrag(ctx, m)
	case *NackFragSubmessage:
		d.handler.HandleNackFrag(ctx, m)
	}
}

func (d *Dispatcher) deliver(ctx ReceiverContext, data *DataSubmessage, fragmented bool) {
	sample := &Sample{
		Header: SampleHeader{
			Sequence:   data.WriterSN,
			InlineQos:  data.InlineQos,
			Key:        data.Key(),
			Fragmented: fragmented,
		},
		Payload: data.Payload,
	}
	ctx.Fill(&sample.Header)
	sample.Header.Publication.Entity = data.WriterID
	d.handler.HandleData(ctx, data, sample)
}
