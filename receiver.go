package rtps

import "net"

// ReceiverContext is the addressing and timing state in effect at one point
// of a message. It is built from the message header and advanced with Apply
// by each INFO submessage, so it never outlives the message.
type ReceiverContext struct {
	Local                  GuidPrefix
	Remote                 *net.UDPAddr
	SourceVersion          ProtocolVersion
	SourceVendor           VendorID
	SourcePrefix           GuidPrefix
	DestPrefix             GuidPrefix
	UnicastReplyLocators   []Locator
	MulticastReplyLocators []Locator
	HaveTimestamp          bool
	Timestamp              Time
}

// NewReceiverContext is the context at the start of a message received by
// the participant local from remote.
func NewReceiverContext(local GuidPrefix, remote *net.UDPAddr, h Header) ReceiverContext {
	reply := LocatorFromUDPAddr(remote)
	reply.Port = LocatorPortInvalid
	return ReceiverContext{
		Local:                local,
		Remote:               remote,
		SourceVersion:        h.Version,
		SourceVendor:         h.Vendor,
		SourcePrefix:         h.Prefix,
		DestPrefix:           local,
		UnicastReplyLocators: []Locator{reply},
	}
}

// Apply returns the context following sm. Submessages other than the INFO
// kinds leave it unchanged.
func (c ReceiverContext) Apply(sm Submessage) ReceiverContext {
	switch m := sm.(type) {
	case *InfoSourceSubmessage:
		c.SourceVersion = m.Version
		c.SourceVendor = m.Vendor
		c.SourcePrefix = m.Prefix
		c.UnicastReplyLocators = []Locator{LocatorInvalid}
		c.MulticastReplyLocators = []Locator{LocatorInvalid}
		c.HaveTimestamp = false
		c.Timestamp = Time{}
	case *InfoDestinationSubmessage:
		if m.Prefix == GuidPrefixUnknown {
			c.DestPrefix = c.Local
		} else {
			c.DestPrefix = m.Prefix
		}
	case *InfoReplySubmessage:
		c.UnicastReplyLocators = append([]Locator(nil), m.Unicast...)
		if m.MulticastPresent() {
			c.MulticastReplyLocators = append([]Locator(nil), m.Multicast...)
		} else {
			c.MulticastReplyLocators = nil
		}
	case *InfoReplyIP4Submessage:
		c.UnicastReplyLocators = []Locator{m.Unicast}
		if m.MulticastPresent() {
			c.MulticastReplyLocators = []Locator{m.Multicast}
		} else {
			c.MulticastReplyLocators = nil
		}
	case *InfoTimestampSubmessage:
		if m.Invalidate() {
			c.HaveTimestamp = false
			c.Timestamp = Time{}
		} else {
			c.HaveTimestamp = true
			c.Timestamp = m.Timestamp
		}
	}
	return c
}

// ForUs reports whether submessages at this point are addressed to the local
// participant.
func (c ReceiverContext) ForUs() bool {
	return c.DestPrefix == c.Local
}

// Fill copies the source prefix and timestamp into a delivered sample header.
func (c ReceiverContext) Fill(h *SampleHeader) {
	h.Publication.Prefix = c.SourcePrefix
	if c.HaveTimestamp {
		h.SourceTimestamp = c.Timestamp
		h.HasSourceTimestamp = true
	}
}

// ReplyAddr picks where to answer the sender: the first dialable unicast
// reply locator, otherwise the address the message came from.
func (c ReceiverContext) ReplyAddr() *net.UDPAddr {
	for _, l := range c.UnicastReplyLocators {
		if addr := l.UDPAddr(); addr != nil {
			return addr
		}
	}
	return c.Remote
}
