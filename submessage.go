package rtps

import (
	"fmt"
	"net"
	"time"
)

type SubmessageKind uint8

const (
	KindPad           SubmessageKind = 0x01
	KindAckNack       SubmessageKind = 0x06
	KindHeartbeat     SubmessageKind = 0x07
	KindGap           SubmessageKind = 0x08
	KindInfoTS        SubmessageKind = 0x09
	KindInfoSrc       SubmessageKind = 0x0c
	KindInfoReplyIP4  SubmessageKind = 0x0d
	KindInfoDst       SubmessageKind = 0x0e
	KindInfoReply     SubmessageKind = 0x0f
	KindNackFrag      SubmessageKind = 0x12
	KindHeartbeatFrag SubmessageKind = 0x13
	KindData          SubmessageKind = 0x15
	KindDataFrag      SubmessageKind = 0x16
)

var submessageNames = map[SubmessageKind]string{
	KindPad:           "PAD",
	KindAckNack:       "ACKNACK",
	KindHeartbeat:     "HEARTBEAT",
	KindGap:           "GAP",
	KindInfoTS:        "INFO_TS",
	KindInfoSrc:       "INFO_SRC",
	KindInfoReplyIP4:  "INFO_REPLY_IP4",
	KindInfoDst:       "INFO_DST",
	KindInfoReply:     "INFO_REPLY",
	KindNackFrag:      "NACK_FRAG",
	KindHeartbeatFrag: "HEARTBEAT_FRAG",
	KindData:          "DATA",
	KindDataFrag:      "DATA_FRAG",
}

func (k SubmessageKind) String() string {
	if name, ok := submessageNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
}

// Submessage header flags. The meaning of bits above the endianness flag
// depends on the kind.
const (
	FlagEndianness = 0x01
	FlagFinal      = 0x02 // ACKNACK, HEARTBEAT
	FlagLiveliness = 0x04 // HEARTBEAT
	FlagInvalidate = 0x02 // INFO_TS
	FlagMulticast  = 0x02 // INFO_REPLY, INFO_REPLY_IP4
	FlagInlineQos  = 0x02 // DATA, DATA_FRAG
	FlagData       = 0x04 // DATA
	FlagKey        = 0x08 // DATA
	FlagFragKey    = 0x04 // DATA_FRAG
)

type SubmessageHeader struct {
	Kind   SubmessageKind
	Flags  uint8
	Length uint16
}

func (h SubmessageHeader) header() SubmessageHeader { return h }

// Submessage is one of the structs below. Each embeds its SubmessageHeader;
// encoders derive the kind from the concrete type.
type Submessage interface {
	header() SubmessageHeader
}

// HeaderOf returns the submessage header as decoded.
func HeaderOf(sm Submessage) SubmessageHeader {
	return sm.header()
}

type PadSubmessage struct {
	SubmessageHeader
}

type AckNackSubmessage struct {
	SubmessageHeader
	ReaderID      EntityID
	WriterID      EntityID
	ReaderSNState SequenceNumberSet
	Count         int32
}

func (a *AckNackSubmessage) Final() bool { return a.Flags&FlagFinal != 0 }

type HeartbeatSubmessage struct {
	SubmessageHeader
	ReaderID EntityID
	WriterID EntityID
	FirstSN  SequenceNumber
	LastSN   SequenceNumber
	Count    int32
}

func (h *HeartbeatSubmessage) Final() bool      { return h.Flags&FlagFinal != 0 }
func (h *HeartbeatSubmessage) Liveliness() bool { return h.Flags&FlagLiveliness != 0 }

type GapSubmessage struct {
	SubmessageHeader
	ReaderID EntityID
	WriterID EntityID
	GapStart SequenceNumber
	GapList  SequenceNumberSet
}

type InfoTimestampSubmessage struct {
	SubmessageHeader
	Timestamp Time
}

func (i *InfoTimestampSubmessage) Invalidate() bool { return i.Flags&FlagInvalidate != 0 }

type InfoSourceSubmessage struct {
	SubmessageHeader
	Version ProtocolVersion
	Vendor  VendorID
	Prefix  GuidPrefix
}

type InfoReplyIP4Submessage struct {
	SubmessageHeader
	Unicast   Locator
	Multicast Locator
}

func (i *InfoReplyIP4Submessage) MulticastPresent() bool { return i.Flags&FlagMulticast != 0 }

type InfoDestinationSubmessage struct {
	SubmessageHeader
	Prefix GuidPrefix
}

type InfoReplySubmessage struct {
	SubmessageHeader
	Unicast   []Locator
	Multicast []Locator
}

func (i *InfoReplySubmessage) MulticastPresent() bool { return i.Flags&FlagMulticast != 0 }

type NackFragSubmessage struct {
	SubmessageHeader
	ReaderID            EntityID
	WriterID            EntityID
	WriterSN            SequenceNumber
	FragmentNumberState FragmentNumberSet
	Count               int32
}

type HeartbeatFragSubmessage struct {
	SubmessageHeader
	ReaderID        EntityID
	WriterID        EntityID
	WriterSN        SequenceNumber
	LastFragmentNum FragmentNumber
	Count           int32
}

type DataSubmessage struct {
	SubmessageHeader
	ExtraFlags uint16
	ReaderID   EntityID
	WriterID   EntityID
	WriterSN   SequenceNumber
	InlineQos  []Parameter
	Payload    []byte
}

func (d *DataSubmessage) Key() bool { return d.Flags&FlagKey != 0 }

type DataFragSubmessage struct {
	SubmessageHeader
	ExtraFlags            uint16
	ReaderID              EntityID
	WriterID              EntityID
	WriterSN              SequenceNumber
	FragmentStartingNum   FragmentNumber
	FragmentsInSubmessage uint16
	FragmentSize          uint16
	SampleSize            uint32
	InlineQos             []Parameter
	Payload               []byte
}

func (d *DataFragSubmessage) Key() bool { return d.Flags&FlagFragKey != 0 }

// UnknownSubmessage carries a kind this package does not interpret,
// including vendor specific kinds.
type UnknownSubmessage struct {
	SubmessageHeader
	Body []byte
}

// Parameter is one entry of an inline QoS parameter list. Values are kept
// opaque.
type Parameter struct {
	ID    uint16
	Value []byte
}

const (
	pidPad      = 0x0000
	pidSentinel = 0x0001
)

// Header is the fixed RTPS message header.
type Header struct {
	Version ProtocolVersion
	Vendor  VendorID
	Prefix  GuidPrefix
}

const HeaderSize = 20

// Time is the RTPS wire timestamp: seconds and 1/2^32 fractions since the
// unix epoch.
type Time struct {
	Seconds  int32
	Fraction uint32
}

func TimeFromGo(t time.Time) Time {
	ns := t.UnixNano()
	sec := ns / int64(time.Second)
	rem := ns % int64(time.Second)
	return Time{
		Seconds:  int32(sec),
		Fraction: uint32((uint64(rem) << 32) / uint64(time.Second)),
	}
}

func (t Time) Go() time.Time {
	ns := (uint64(t.Fraction) * uint64(time.Second)) >> 32
	return time.Unix(int64(t.Seconds), int64(ns))
}

const (
	LocatorKindInvalid int32 = -1
	LocatorKindUDPv4   int32 = 1
	LocatorKindUDPv6   int32 = 2

	LocatorPortInvalid uint32 = 0
)

type Locator struct {
	Kind    int32
	Port    uint32
	Address [16]byte
}

var LocatorInvalid = Locator{Kind: LocatorKindInvalid}

func LocatorFromUDPAddr(addr *net.UDPAddr) Locator {
	if addr == nil {
		return LocatorInvalid
	}
	l := Locator{Port: uint32(addr.Port)}
	if ip4 := addr.IP.To4(); ip4 != nil {
		l.Kind = LocatorKindUDPv4
		copy(l.Address[12:], ip4)
	} else if ip6 := addr.IP.To16(); ip6 != nil {
		l.Kind = LocatorKindUDPv6
		copy(l.Address[:], ip6)
	} else {
		return LocatorInvalid
	}
	return l
}

// UDPAddr returns nil for locators that cannot be dialed.
func (l Locator) UDPAddr() *net.UDPAddr {
	if l.Port == LocatorPortInvalid {
		return nil
	}
	switch l.Kind {
	case LocatorKindUDPv4:
		return &net.UDPAddr{IP: net.IPv4(l.Address[12], l.Address[13], l.Address[14], l.Address[15]), Port: int(l.Port)}
	case LocatorKindUDPv6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, l.Address[:])
		return &net.UDPAddr{IP: ip, Port: int(l.Port)}
	}
	return nil
}

func (l Locator) String() string {
	switch l.Kind {
	case LocatorKindUDPv4:
		return fmt.Sprintf("udpv4://%d.%d.%d.%d:%d", l.Address[12], l.Address[13], l.Address[14], l.Address[15], l.Port)
	case LocatorKindUDPv6:
		return fmt.Sprintf("udpv6://[%s]:%d", net.IP(l.Address[:]), l.Port)
	case LocatorKindInvalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d):%d", l.Kind, l.Port)
}
