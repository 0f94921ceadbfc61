package rtps

import "time"

// SampleHeader describes a delivered sample. Publication is the full writer
// GUID: the entity comes from the DATA submessage and the prefix from the
// receiver context.
type SampleHeader struct {
	Publication        GUID
	Sequence           SequenceNumber
	SourceTimestamp    Time
	HasSourceTimestamp bool
	InlineQos          []Parameter
	Key                bool
	Fragmented         bool
}

type Sample struct {
	Header  SampleHeader
	Payload []byte
}

// sentSample is a send buffer entry kept for retransmission.
type sentSample struct {
	sequence  SequenceNumber
	time      time.Time
	payload   []byte
	fragments uint32 // zero when sent whole
}
