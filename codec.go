package rtps

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Codec reads and writes RTPS messages. CDRCodec is the implementation used
// unless Config.Codec overrides it.
type Codec interface {
	DecodeHeader(data []byte) (Header, error)
	DecodeSubmessageHeader(data []byte) (SubmessageHeader, error)
	DecodeSubmessage(h SubmessageHeader, body []byte) (Submessage, error)
	EncodeMessage(h Header, submessages ...Submessage) ([]byte, error)
}

const submessageHeaderSize = 4

var protocolMagic = [4]byte{'R', 'T', 'P', 'S'}

// CDRCodec encodes RTPS 2.x messages. Messages are written little endian and
// read in whichever byte order each submessage declares.
type CDRCodec struct{}

func (CDRCodec) DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, errors.Wrapf(ErrInvalidHeader, "message is %d bytes", len(data))
	}
	if data[0] != protocolMagic[0] || data[1] != protocolMagic[1] || data[2] != protocolMagic[2] || data[3] != protocolMagic[3] {
		return h, errors.Wrapf(ErrInvalidHeader, "bad magic %q", data[:4])
	}
	h.Version = ProtocolVersion{data[4], data[5]}
	if h.Version.Major != ProtocolVersionCurrent.Major {
		return h, errors.Wrapf(ErrInvalidHeader, "unsupported protocol version %d.%d", h.Version.Major, h.Version.Minor)
	}
	h.Vendor = VendorID{data[6], data[7]}
	copy(h.Prefix[:], data[8:20])
	return h, nil
}

func (CDRCodec) DecodeSubmessageHeader(data []byte) (SubmessageHeader, error) {
	if len(data) < submessageHeaderSize {
		return SubmessageHeader{}, errors.Wrap(ErrTruncated, "submessage header")
	}
	h := SubmessageHeader{Kind: SubmessageKind(data[0]), Flags: data[1]}
	h.Length = orderOf(h.Flags).Uint16(data[2:4])
	return h, nil
}

func orderOf(flags uint8) byteOrder {
	if flags&FlagEndianness != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (c CDRCodec) DecodeSubmessage(h SubmessageHeader, body []byte) (Submessage, error) {
	b := newBufferFromRef(body, orderOf(h.Flags))
	var (
		sm  Submessage
		err error
	)
	switch h.Kind {
	case KindPad:
		sm = &PadSubmessage{SubmessageHeader: h}
	case KindAckNack:
		sm, err = decodeAckNack(h, b)
	case KindHeartbeat:
		sm, err = decodeHeartbeat(h, b)
	case KindGap:
		sm, err = decodeGap(h, b)
	case KindInfoTS:
		sm, err = decodeInfoTimestamp(h, b)
	case KindInfoSrc:
		sm, err = decodeInfoSource(h, b)
	case KindInfoReplyIP4:
		sm, err = decodeInfoReplyIP4(h, b)
	case KindInfoDst:
		sm, err = decodeInfoDestination(h, b)
	case KindInfoReply:
		sm, err = decodeInfoReply(h, b)
	case KindNackFrag:
		sm, err = decodeNackFrag(h, b)
	case KindHeartbeatFrag:
		sm, err = decodeHeartbeatFrag(h, b)
	case KindData:
		sm, err = decodeData(h, b)
	case KindDataFrag:
		sm, err = decodeDataFrag(h, b)
	default:
		sm = &UnknownSubmessage{SubmessageHeader: h, Body: append([]byte(nil), body...)}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", h.Kind)
	}
	return sm, nil
}

func decodeIDs(b *buffer) (reader, writer EntityID, err error) {
	if reader, err = b.getEntityID(); err != nil {
		return
	}
	writer, err = b.getEntityID()
	return
}

func decodeSequenceNumberSet(b *buffer) (SequenceNumberSet, error) {
	var set SequenceNumberSet
	var err error
	if set.Base, err = b.getSequenceNumber(); err != nil {
		return set, err
	}
	if set.NumBits, err = b.getUint32(); err != nil {
		return set, err
	}
	set.Bitmap, err = decodeBitmap(b, set.NumBits)
	return set, err
}

func decodeBitmap(b *buffer, numBits uint32) ([]uint32, error) {
	if numBits > maxBitmapBits {
		return nil, errors.Errorf("bitmap of %d bits exceeds %d", numBits, maxBitmapBits)
	}
	bitmap := make([]uint32, bitmapWords(numBits))
	for i := range bitmap {
		w, err := b.getUint32()
		if err != nil {
			return nil, err
		}
		bitmap[i] = w
	}
	return bitmap, nil
}

func decodeAckNack(h SubmessageHeader, b *buffer) (*AckNackSubmessage, error) {
	a := &AckNackSubmessage{SubmessageHeader: h}
	var err error
	if a.ReaderID, a.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if a.ReaderSNState, err = decodeSequenceNumberSet(b); err != nil {
		return nil, err
	}
	if a.Count, err = b.getInt32(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeHeartbeat(h SubmessageHeader, b *buffer) (*HeartbeatSubmessage, error) {
	hb := &HeartbeatSubmessage{SubmessageHeader: h}
	var err error
	if hb.ReaderID, hb.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if hb.FirstSN, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	if hb.LastSN, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	if hb.Count, err = b.getInt32(); err != nil {
		return nil, err
	}
	return hb, nil
}

func decodeGap(h SubmessageHeader, b *buffer) (*GapSubmessage, error) {
	g := &GapSubmessage{SubmessageHeader: h}
	var err error
	if g.ReaderID, g.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if g.GapStart, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	if g.GapList, err = decodeSequenceNumberSet(b); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeInfoTimestamp(h SubmessageHeader, b *buffer) (*InfoTimestampSubmessage, error) {
	ts := &InfoTimestampSubmessage{SubmessageHeader: h}
	if ts.Invalidate() {
		return ts, nil
	}
	var err error
	if ts.Timestamp.Seconds, err = b.getInt32(); err != nil {
		return nil, err
	}
	if ts.Timestamp.Fraction, err = b.getUint32(); err != nil {
		return nil, err
	}
	return ts, nil
}

func decodeInfoSource(h SubmessageHeader, b *buffer) (*InfoSourceSubmessage, error) {
	src := &InfoSourceSubmessage{SubmessageHeader: h}
	if err := b.skip(sizeUint32); err != nil {
		return nil, err
	}
	v, err := b.getBytes(4)
	if err != nil {
		return nil, err
	}
	src.Version = ProtocolVersion{v[0], v[1]}
	src.Vendor = VendorID{v[2], v[3]}
	if src.Prefix, err = b.getPrefix(); err != nil {
		return nil, err
	}
	return src, nil
}

func decodeIP4Locator(b *buffer) (Locator, error) {
	addr, err := b.getUint32()
	if err != nil {
		return LocatorInvalid, err
	}
	port, err := b.getUint32()
	if err != nil {
		return LocatorInvalid, err
	}
	l := Locator{Kind: LocatorKindUDPv4, Port: port}
	binary.BigEndian.PutUint32(l.Address[12:], addr)
	return l, nil
}

func decodeInfoReplyIP4(h SubmessageHeader, b *buffer) (*InfoReplyIP4Submessage, error) {
	r := &InfoReplyIP4Submessage{SubmessageHeader: h, Multicast: LocatorInvalid}
	var err error
	if r.Unicast, err = decodeIP4Locator(b); err != nil {
		return nil, err
	}
	if r.MulticastPresent() {
		if r.Multicast, err = decodeIP4Locator(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func decodeInfoDestination(h SubmessageHeader, b *buffer) (*InfoDestinationSubmessage, error) {
	p, err := b.getPrefix()
	if err != nil {
		return nil, err
	}
	return &InfoDestinationSubmessage{SubmessageHeader: h, Prefix: p}, nil
}

const locatorSize = 24

func decodeLocatorList(b *buffer) ([]Locator, error) {
	n, err := b.getUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > b.remaining()/locatorSize {
		return nil, errors.Wrapf(ErrTruncated, "locator list of %d entries", n)
	}
	list := make([]Locator, n)
	for i := range list {
		if list[i].Kind, err = b.getInt32(); err != nil {
			return nil, err
		}
		if list[i].Port, err = b.getUint32(); err != nil {
			return nil, err
		}
		addr, err := b.getBytes(16)
		if err != nil {
			return nil, err
		}
		copy(list[i].Address[:], addr)
	}
	return list, nil
}

func decodeInfoReply(h SubmessageHeader, b *buffer) (*InfoReplySubmessage, error) {
	r := &InfoReplySubmessage{SubmessageHeader: h}
	var err error
	if r.Unicast, err = decodeLocatorList(b); err != nil {
		return nil, err
	}
	if r.MulticastPresent() {
		if r.Multicast, err = decodeLocatorList(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func decodeNackFrag(h SubmessageHeader, b *buffer) (*NackFragSubmessage, error) {
	n := &NackFragSubmessage{SubmessageHeader: h}
	var err error
	if n.ReaderID, n.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if n.WriterSN, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	base, err := b.getUint32()
	if err != nil {
		return nil, err
	}
	n.FragmentNumberState.Base = FragmentNumber(base)
	if n.FragmentNumberState.NumBits, err = b.getUint32(); err != nil {
		return nil, err
	}
	if n.FragmentNumberState.Bitmap, err = decodeBitmap(b, n.FragmentNumberState.NumBits); err != nil {
		return nil, err
	}
	if n.Count, err = b.getInt32(); err != nil {
		return nil, err
	}
	return n, nil
}

func decodeHeartbeatFrag(h SubmessageHeader, b *buffer) (*HeartbeatFragSubmessage, error) {
	hf := &HeartbeatFragSubmessage{SubmessageHeader: h}
	var err error
	if hf.ReaderID, hf.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if hf.WriterSN, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	last, err := b.getUint32()
	if err != nil {
		return nil, err
	}
	hf.LastFragmentNum = FragmentNumber(last)
	if hf.Count, err = b.getInt32(); err != nil {
		return nil, err
	}
	return hf, nil
}

func decodeParameterList(b *buffer) ([]Parameter, error) {
	var params []Parameter
	for {
		id, err := b.getUint16()
		if err != nil {
			return nil, err
		}
		length, err := b.getUint16()
		if err != nil {
			return nil, err
		}
		if id == pidSentinel {
			return params, nil
		}
		value, err := b.getBytes(int(length))
		if err != nil {
			return nil, err
		}
		if id == pidPad {
			continue
		}
		params = append(params, Parameter{ID: id, Value: append([]byte(nil), value...)})
	}
}

// octets between the octetsToInlineQos field and the inline QoS
const (
	dataOctetsToInlineQos     = 16
	dataFragOctetsToInlineQos = 28
)

func decodeData(h SubmessageHeader, b *buffer) (*DataSubmessage, error) {
	d := &DataSubmessage{SubmessageHeader: h}
	var err error
	if d.ExtraFlags, err = b.getUint16(); err != nil {
		return nil, err
	}
	toQos, err := b.getUint16()
	if err != nil {
		return nil, err
	}
	start := b.pos
	if d.ReaderID, d.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if d.WriterSN, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	if err = skipToInlineQos(b, start, int(toQos)); err != nil {
		return nil, err
	}
	if h.Flags&FlagInlineQos != 0 {
		if d.InlineQos, err = decodeParameterList(b); err != nil {
			return nil, err
		}
	}
	if h.Flags&(FlagData|FlagKey) != 0 {
		d.Payload = append([]byte(nil), b.rest()...)
	}
	return d, nil
}

func decodeDataFrag(h SubmessageHeader, b *buffer) (*DataFragSubmessage, error) {
	d := &DataFragSubmessage{SubmessageHeader: h}
	var err error
	if d.ExtraFlags, err = b.getUint16(); err != nil {
		return nil, err
	}
	toQos, err := b.getUint16()
	if err != nil {
		return nil, err
	}
	start := b.pos
	if d.ReaderID, d.WriterID, err = decodeIDs(b); err != nil {
		return nil, err
	}
	if d.WriterSN, err = b.getSequenceNumber(); err != nil {
		return nil, err
	}
	num, err := b.getUint32()
	if err != nil {
		return nil, err
	}
	d.FragmentStartingNum = FragmentNumber(num)
	if d.FragmentsInSubmessage, err = b.getUint16(); err != nil {
		return nil, err
	}
	if d.FragmentSize, err = b.getUint16(); err != nil {
		return nil, err
	}
	if d.SampleSize, err = b.getUint32(); err != nil {
		return nil, err
	}
	if err = skipToInlineQos(b, start, int(toQos)); err != nil {
		return nil, err
	}
	if h.Flags&FlagInlineQos != 0 {
		if d.InlineQos, err = decodeParameterList(b); err != nil {
			return nil, err
		}
	}
	d.Payload = append([]byte(nil), b.rest()...)
	return d, nil
}

func skipToInlineQos(b *buffer, start, toQos int) error {
	read := b.pos - start
	if toQos < read {
		return errors.Errorf("octetsToInlineQos %d is inside the fixed fields", toQos)
	}
	return b.skip(toQos - read)
}

func (CDRCodec) EncodeMessage(h Header, submessages ...Submessage) ([]byte, error) {
	b := newBuffer(HeaderSize + 64*len(submessages))
	b.writeBytes(protocolMagic[:])
	b.writeUint8(h.Version.Major)
	b.writeUint8(h.Version.Minor)
	b.writeBytes(h.Vendor[:])
	b.writeBytes(h.Prefix[:])

	for _, sm := range submessages {
		if err := encodeSubmessage(b, sm); err != nil {
			return nil, err
		}
	}
	return b.bytes(), nil
}

func encodeSubmessage(b *buffer, sm Submessage) error {
	flags := sm.header().Flags | FlagEndianness
	var kind SubmessageKind
	var body func()

	switch m := sm.(type) {
	case *PadSubmessage:
		kind = KindPad
		body = func() {}
	case *AckNackSubmessage:
		kind = KindAckNack
		body = func() {
			encodeIDs(b, m.ReaderID, m.WriterID)
			encodeSequenceNumberSet(b, m.ReaderSNState)
			b.writeInt32(m.Count)
		}
	case *HeartbeatSubmessage:
		kind = KindHeartbeat
		body = func() {
			encodeIDs(b, m.ReaderID, m.WriterID)
			b.writeSequenceNumber(m.FirstSN)
			b.writeSequenceNumber(m.LastSN)
			b.writeInt32(m.Count)
		}
	case *GapSubmessage:
		kind = KindGap
		body = func() {
			encodeIDs(b, m.ReaderID, m.WriterID)
			b.writeSequenceNumber(m.GapStart)
			encodeSequenceNumberSet(b, m.GapList)
		}
	case *InfoTimestampSubmessage:
		kind = KindInfoTS
		body = func() {
			if flags&FlagInvalidate == 0 {
				b.writeInt32(m.Timestamp.Seconds)
				b.writeUint32(m.Timestamp.Fraction)
			}
		}
	case *InfoSourceSubmessage:
		kind = KindInfoSrc
		body = func() {
			b.writeUint32(0)
			b.writeUint8(m.Version.Major)
			b.writeUint8(m.Version.Minor)
			b.writeBytes(m.Vendor[:])
			b.writeBytes(m.Prefix[:])
		}
	case *InfoReplyIP4Submessage:
		kind = KindInfoReplyIP4
		body = func() {
			encodeIP4Locator(b, m.Unicast)
			if flags&FlagMulticast != 0 {
				encodeIP4Locator(b, m.Multicast)
			}
		}
	case *InfoDestinationSubmessage:
		kind = KindInfoDst
		body = func() {
			b.writeBytes(m.Prefix[:])
		}
	case *InfoReplySubmessage:
		kind = KindInfoReply
		if len(m.Multicast) > 0 {
			flags |= FlagMulticast
		}
		body = func() {
			encodeLocatorList(b, m.Unicast)
			if flags&FlagMulticast != 0 {
				encodeLocatorList(b, m.Multicast)
			}
		}
	case *NackFragSubmessage:
		kind = KindNackFrag
		body = func() {
			encodeIDs(b, m.ReaderID, m.WriterID)
			b.writeSequenceNumber(m.WriterSN)
			b.writeUint32(uint32(m.FragmentNumberState.Base))
			b.writeUint32(m.FragmentNumberState.NumBits)
			encodeBitmap(b, m.FragmentNumberState.NumBits, m.FragmentNumberState.Bitmap)
			b.writeInt32(m.Count)
		}
	case *HeartbeatFragSubmessage:
		kind = KindHeartbeatFrag
		body = func() {
			encodeIDs(b, m.ReaderID, m.WriterID)
			b.writeSequenceNumber(m.WriterSN)
			b.writeUint32(uint32(m.LastFragmentNum))
			b.writeInt32(m.Count)
		}
	case *DataSubmessage:
		kind = KindData
		if len(m.InlineQos) > 0 {
			flags |= FlagInlineQos
		}
		if m.Payload != nil && flags&FlagKey == 0 {
			flags |= FlagData
		}
		body = func() {
			b.writeUint16(m.ExtraFlags)
			b.writeUint16(dataOctetsToInlineQos)
			encodeIDs(b, m.ReaderID, m.WriterID)
			b.writeSequenceNumber(m.WriterSN)
			if flags&FlagInlineQos != 0 {
				encodeParameterList(b, m.InlineQos)
			}
			b.writeBytes(m.Payload)
		}
	case *DataFragSubmessage:
		kind = KindDataFrag
		if len(m.InlineQos) > 0 {
			flags |= FlagInlineQos
		}
		body = func() {
			b.writeUint16(m.ExtraFlags)
			b.writeUint16(dataFragOctetsToInlineQos)
			encodeIDs(b, m.ReaderID, m.WriterID)
			b.writeSequenceNumber(m.WriterSN)
			b.writeUint32(uint32(m.FragmentStartingNum))
			b.writeUint16(m.FragmentsInSubmessage)
			b.writeUint16(m.FragmentSize)
			b.writeUint32(m.SampleSize)
			if flags&FlagInlineQos != 0 {
				encodeParameterList(b, m.InlineQos)
			}
			b.writeBytes(m.Payload)
		}
	case *UnknownSubmessage:
		kind = m.Kind
		body = func() {
			b.writeBytes(m.Body)
		}
	default:
		return errors.Errorf("cannot encode submessage %T", sm)
	}

	b.writeUint8(uint8(kind))
	b.writeUint8(flags)
	lengthAt := len(b.buf)
	b.writeUint16(0)
	start := len(b.buf)
	body()
	length := len(b.buf) - start
	if length > 0xFFFF {
		return errors.Errorf("%s body of %d bytes does not fit a submessage", kind, length)
	}
	b.putUint16At(lengthAt, uint16(length))
	return nil
}

func encodeIDs(b *buffer, reader, writer EntityID) {
	b.writeBytes(reader[:])
	b.writeBytes(writer[:])
}

func encodeSequenceNumberSet(b *buffer, set SequenceNumberSet) {
	b.writeSequenceNumber(set.Base)
	b.writeUint32(set.NumBits)
	encodeBitmap(b, set.NumBits, set.Bitmap)
}

func encodeBitmap(b *buffer, numBits uint32, bitmap []uint32) {
	for i := 0; i < bitmapWords(numBits); i++ {
		var w uint32
		if i < len(bitmap) {
			w = bitmap[i]
		}
		b.writeUint32(w)
	}
}

func encodeIP4Locator(b *buffer, l Locator) {
	b.writeUint32(binary.BigEndian.Uint32(l.Address[12:]))
	b.writeUint32(l.Port)
}

func encodeLocatorList(b *buffer, list []Locator) {
	b.writeUint32(uint32(len(list)))
	for _, l := range list {
		b.writeInt32(l.Kind)
		b.writeUint32(l.Port)
		b.writeBytes(l.Address[:])
	}
}

func encodeParameterList(b *buffer, params []Parameter) {
	for _, p := range params {
		padded := (len(p.Value) + 3) &^ 3
		b.writeUint16(p.ID)
		b.writeUint16(uint16(padded))
		b.writeBytes(p.Value)
		for i := len(p.Value); i < padded; i++ {
			b.writeUint8(0)
		}
	}
	b.writeUint16(pidSentinel)
	b.writeUint16(0)
}

// walkSubmessages decodes the submessages following the message header in
// wire order, calling fn for each until fn returns false. A zero length on any
// kind but PAD and INFO_TS extends that submessage to the end of the message.
// Decoding stops at the first error; submessages already passed to fn stand.
func walkSubmessages(codec Codec, data []byte, fn func(Submessage) bool) error {
	pos := HeaderSize
	for len(data)-pos >= submessageHeaderSize {
		h, err := codec.DecodeSubmessageHeader(data[pos:])
		if err != nil {
			return err
		}
		pos += submessageHeaderSize

		length := int(h.Length)
		last := false
		if length == 0 && h.Kind != KindPad && h.Kind != KindInfoTS {
			length = len(data) - pos
			last = true
		}
		if length > len(data)-pos {
			return errors.Wrapf(ErrTruncated, "%s declares %d bytes, %d remain", h.Kind, length, len(data)-pos)
		}

		sm, err := codec.DecodeSubmessage(h, data[pos:pos+length])
		if err != nil {
			return err
		}
		if !fn(sm) || last {
			return nil
		}
		pos += length
	}
	return nil
}

// DecodeMessage decodes a whole message. It returns the submessages decoded
// before any error.
func DecodeMessage(codec Codec, data []byte) (Header, []Submessage, error) {
	h, err := codec.DecodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	var out []Submessage
	err = walkSubmessages(codec, data, func(sm Submessage) bool {
		out = append(out, sm)
		return true
	})
	return h, out, err
}
