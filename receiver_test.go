package rtps

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	localPrefix  = GuidPrefix{0xAA, 1}
	remotePrefix = GuidPrefix{0xBB, 2}
	remoteAddr   = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7410}
)

func newTestContext() ReceiverContext {
	return NewReceiverContext(localPrefix, remoteAddr, Header{
		Version: ProtocolVersion{2, 3},
		Vendor:  VendorID{1, 15},
		Prefix:  remotePrefix,
	})
}

func TestReceiverContext_Initial(t *testing.T) {
	ctx := newTestContext()
	assert.Equal(t, remotePrefix, ctx.SourcePrefix)
	assert.Equal(t, localPrefix, ctx.DestPrefix)
	assert.Equal(t, ProtocolVersion{2, 3}, ctx.SourceVersion)
	assert.Equal(t, VendorID{1, 15}, ctx.SourceVendor)
	assert.True(t, ctx.ForUs())
	assert.False(t, ctx.HaveTimestamp)

	// the unicast reply locator carries the sender's address but no port, so
	// replies go back to where the message came from
	assert.Len(t, ctx.UnicastReplyLocators, 1)
	assert.Equal(t, LocatorKindUDPv4, ctx.UnicastReplyLocators[0].Kind)
	assert.Equal(t, LocatorPortInvalid, ctx.UnicastReplyLocators[0].Port)
	assert.Empty(t, ctx.MulticastReplyLocators)
	assert.Equal(t, remoteAddr, ctx.ReplyAddr())
}

func TestReceiverContext_InfoDestination(t *testing.T) {
	ctx := newTestContext()

	other := ctx.Apply(&InfoDestinationSubmessage{Prefix: GuidPrefix{0xCC}})
	assert.False(t, other.ForUs())
	assert.True(t, ctx.ForUs(), "Apply does not modify its receiver")

	back := other.Apply(&InfoDestinationSubmessage{Prefix: GuidPrefixUnknown})
	assert.True(t, back.ForUs())
	assert.Equal(t, localPrefix, back.DestPrefix)

	explicit := ctx.Apply(&InfoDestinationSubmessage{Prefix: localPrefix})
	assert.True(t, explicit.ForUs())
}

func TestReceiverContext_InfoSource(t *testing.T) {
	ctx := newTestContext().Apply(&InfoTimestampSubmessage{Timestamp: Time{Seconds: 5}})
	assert.True(t, ctx.HaveTimestamp)

	y := GuidPrefix{0xDD, 3}
	ctx = ctx.Apply(&InfoSourceSubmessage{Version: ProtocolVersion{2, 1}, Vendor: VendorID{1, 2}, Prefix: y})
	assert.Equal(t, y, ctx.SourcePrefix)
	assert.Equal(t, ProtocolVersion{2, 1}, ctx.SourceVersion)
	assert.Equal(t, VendorID{1, 2}, ctx.SourceVendor)
	assert.Equal(t, []Locator{LocatorInvalid}, ctx.UnicastReplyLocators)
	assert.Equal(t, []Locator{LocatorInvalid}, ctx.MulticastReplyLocators)
	assert.False(t, ctx.HaveTimestamp)
	assert.Equal(t, localPrefix, ctx.DestPrefix, "destination is kept")
	assert.Equal(t, remoteAddr, ctx.ReplyAddr())
}

func TestReceiverContext_InfoReply(t *testing.T) {
	unicast := LocatorFromUDPAddr(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 7420})
	multicast := LocatorFromUDPAddr(&net.UDPAddr{IP: net.IPv4(239, 255, 0, 1), Port: 7400})

	ctx := newTestContext().Apply(&InfoReplySubmessage{
		SubmessageHeader: SubmessageHeader{Flags: FlagMulticast},
		Unicast:          []Locator{unicast},
		Multicast:        []Locator{multicast},
	})
	assert.Equal(t, []Locator{unicast}, ctx.UnicastReplyLocators)
	assert.Equal(t, []Locator{multicast}, ctx.MulticastReplyLocators)
	assert.Equal(t, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 7420}, ctx.ReplyAddr())

	ctx = ctx.Apply(&InfoReplySubmessage{Unicast: []Locator{unicast}})
	assert.Empty(t, ctx.MulticastReplyLocators)

	ctx = ctx.Apply(&InfoReplyIP4Submessage{
		SubmessageHeader: SubmessageHeader{Flags: FlagMulticast},
		Unicast:          unicast,
		Multicast:        multicast,
	})
	assert.Equal(t, []Locator{multicast}, ctx.MulticastReplyLocators)
	ctx = ctx.Apply(&InfoReplyIP4Submessage{Unicast: unicast})
	assert.Empty(t, ctx.MulticastReplyLocators)
}

func TestReceiverContext_InfoTimestamp(t *testing.T) {
	ts := Time{Seconds: 100, Fraction: 1 << 31}
	ctx := newTestContext().Apply(&InfoTimestampSubmessage{Timestamp: ts})
	assert.True(t, ctx.HaveTimestamp)
	assert.Equal(t, ts, ctx.Timestamp)

	var h SampleHeader
	ctx.Fill(&h)
	assert.True(t, h.HasSourceTimestamp)
	assert.Equal(t, ts, h.SourceTimestamp)
	assert.Equal(t, remotePrefix, h.Publication.Prefix)

	ctx = ctx.Apply(&InfoTimestampSubmessage{SubmessageHeader: SubmessageHeader{Flags: FlagInvalidate}})
	assert.False(t, ctx.HaveTimestamp)
	h = SampleHeader{}
	ctx.Fill(&h)
	assert.False(t, h.HasSourceTimestamp)
}

func TestReceiverContext_OtherKindsUnchanged(t *testing.T) {
	ctx := newTestContext()
	after := ctx.Apply(&HeartbeatSubmessage{FirstSN: 1, LastSN: 2, Count: 1})
	assert.Equal(t, ctx, after)
}
