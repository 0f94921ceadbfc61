package main

import (
	"fmt"
	"io"
	"net"

	"github.com/jakecoffman/rtps"
)

// printMessage writes one line per submessage. Interpreter submessages are
// applied to the receiver context before the next one is printed.
func printMessage(w io.Writer, codec rtps.Codec, local rtps.GuidPrefix, remote *net.UDPAddr, data []byte) error {
	h, submessages, err := rtps.DecodeMessage(codec, data)
	if err != nil && submessages == nil && h.Prefix == (rtps.GuidPrefix{}) {
		fmt.Fprintf(w, "message %d bytes from %v: %v\n", len(data), remote, err)
		return err
	}
	fmt.Fprintf(w, "message %d bytes from %v version %d.%d vendor %x prefix %s\n",
		len(data), remote, h.Version.Major, h.Version.Minor, h.Vendor[:], h.Prefix)

	ctx := rtps.NewReceiverContext(local, remote, h)
	for _, sm := range submessages {
		ctx = ctx.Apply(sm)
		sh := rtps.HeaderOf(sm)
		fmt.Fprintf(w, "  %-14s flags=%02x len=%-5d src=%s %s\n", sh.Kind, sh.Flags, sh.Length, ctx.SourcePrefix, describe(sm))
	}
	return err
}

func describe(sm rtps.Submessage) string {
	switch m := sm.(type) {
	case *rtps.DataSubmessage:
		return fmt.Sprintf("%s->%s sn=%d qos=%d payload=%d", m.WriterID, m.ReaderID, m.WriterSN, len(m.InlineQos), len(m.Payload))
	case *rtps.DataFragSubmessage:
		return fmt.Sprintf("%s->%s sn=%d frag=%d+%d size=%d/%d", m.WriterID, m.ReaderID, m.WriterSN,
			m.FragmentStartingNum, m.FragmentsInSubmessage, m.FragmentSize, m.SampleSize)
	case *rtps.HeartbeatSubmessage:
		return fmt.Sprintf("%s->%s %d-%d count=%d final=%v liveliness=%v", m.WriterID, m.ReaderID, m.FirstSN, m.LastSN, m.Count, m.Final(), m.Liveliness())
	case *rtps.HeartbeatFragSubmessage:
		return fmt.Sprintf("%s->%s sn=%d last=%d count=%d", m.WriterID, m.ReaderID, m.WriterSN, m.LastFragmentNum, m.Count)
	case *rtps.AckNackSubmessage:
		return fmt.Sprintf("%s->%s base=%d bits=%d count=%d final=%v", m.ReaderID, m.WriterID, m.ReaderSNState.Base, m.ReaderSNState.NumBits, m.Count, m.Final())
	case *rtps.NackFragSubmessage:
		return fmt.Sprintf("%s->%s sn=%d base=%d bits=%d count=%d", m.ReaderID, m.WriterID, m.WriterSN, m.FragmentNumberState.Base, m.FragmentNumberState.NumBits, m.Count)
	case *rtps.GapSubmessage:
		return fmt.Sprintf("%s->%s start=%d base=%d bits=%d", m.WriterID, m.ReaderID, m.GapStart, m.GapList.Base, m.GapList.NumBits)
	case *rtps.InfoTimestampSubmessage:
		if m.Invalidate() {
			return "invalidate"
		}
		return m.Timestamp.Go().UTC().String()
	case *rtps.InfoSourceSubmessage:
		return fmt.Sprintf("prefix=%s", m.Prefix)
	case *rtps.InfoDestinationSubmessage:
		return fmt.Sprintf("prefix=%s", m.Prefix)
	case *rtps.InfoReplySubmessage:
		return fmt.Sprintf("unicast=%v multicast=%v", m.Unicast, m.Multicast)
	case *rtps.InfoReplyIP4Submessage:
		return fmt.Sprintf("unicast=%s multicast=%s", m.Unicast, m.Multicast)
	case *rtps.UnknownSubmessage:
		return fmt.Sprintf("%d bytes", len(m.Body))
	}
	return ""
}
