package rtps

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = Header{Version: ProtocolVersionCurrent, Vendor: DefaultVendorID, Prefix: remotePrefix}

func testMessageHeader(prefix GuidPrefix) []byte {
	msg := append([]byte("RTPS"), 2, 4, 0x01, 0x03)
	return append(msg, prefix[:]...)
}

func TestCodec_DecodeBigEndianHeartbeat(t *testing.T) {
	msg := testMessageHeader(remotePrefix)
	msg = append(msg, byte(KindHeartbeat), FlagFinal, 0, 28)
	msg = append(msg, 0, 0, 1, 4) // reader
	msg = append(msg, 0, 0, 1, 3) // writer
	msg = binary.BigEndian.AppendUint32(msg, 0)
	msg = binary.BigEndian.AppendUint32(msg, 3)
	msg = binary.BigEndian.AppendUint32(msg, 1)
	msg = binary.BigEndian.AppendUint32(msg, 2)
	msg = binary.BigEndian.AppendUint32(msg, 9)

	h, submessages, err := DecodeMessage(CDRCodec{}, msg)
	require.NoError(t, err)
	assert.Equal(t, remotePrefix, h.Prefix)
	assert.Equal(t, ProtocolVersionCurrent, h.Version)
	require.Len(t, submessages, 1)

	hb, ok := submessages[0].(*HeartbeatSubmessage)
	require.True(t, ok)
	assert.True(t, hb.Final())
	assert.False(t, hb.Liveliness())
	assert.Equal(t, NewEntityID(1, EntityKindUserReaderNoKey), hb.ReaderID)
	assert.Equal(t, NewEntityID(1, EntityKindUserWriterNoKey), hb.WriterID)
	assert.EqualValues(t, 3, hb.FirstSN)
	assert.Equal(t, NewSequenceNumber(1, 2), hb.LastSN)
	assert.EqualValues(t, 9, hb.Count)
}

func TestCodec_InvalidHeader(t *testing.T) {
	_, err := CDRCodec{}.DecodeHeader([]byte("RTPS"))
	assert.Equal(t, ErrInvalidHeader, errors.Cause(err))

	msg := testMessageHeader(remotePrefix)
	copy(msg, "RTPX")
	_, err = CDRCodec{}.DecodeHeader(msg)
	assert.Equal(t, ErrInvalidHeader, errors.Cause(err))

	msg = testMessageHeader(remotePrefix)
	msg[4] = 1
	_, err = CDRCodec{}.DecodeHeader(msg)
	assert.Equal(t, ErrInvalidHeader, errors.Cause(err))
}

func TestCodec_DataLayout(t *testing.T) {
	data := &DataSubmessage{
		ReaderID:  NewEntityID(1, EntityKindUserReaderNoKey),
		WriterID:  NewEntityID(1, EntityKindUserWriterNoKey),
		WriterSN:  5,
		InlineQos: []Parameter{{ID: 0x70, Value: []byte{1, 2, 3}}},
		Payload:   []byte("hello"),
	}
	msg, err := CDRCodec{}.EncodeMessage(testHeader, data)
	require.NoError(t, err)

	sm := msg[HeaderSize:]
	assert.Equal(t, byte(KindData), sm[0])
	assert.Equal(t, FlagEndianness|FlagInlineQos|FlagData, int(sm[1]))
	// extra flags, octetsToInlineQos, ids, sequence, one padded parameter,
	// sentinel, payload
	assert.EqualValues(t, 4+8+8+8+4+5, binary.LittleEndian.Uint16(sm[2:4]))
	assert.EqualValues(t, 16, binary.LittleEndian.Uint16(sm[6:8]))

	_, submessages, err := DecodeMessage(CDRCodec{}, msg)
	require.NoError(t, err)
	require.Len(t, submessages, 1)
	got := submessages[0].(*DataSubmessage)
	assert.Equal(t, data.WriterSN, got.WriterSN)
	assert.Equal(t, data.ReaderID, got.ReaderID)
	assert.Equal(t, []Parameter{{ID: 0x70, Value: []byte{1, 2, 3, 0}}}, got.InlineQos)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.False(t, got.Key())
}

func TestCodec_SetsAndFragments(t *testing.T) {
	an := &AckNackSubmessage{
		ReaderID:      NewEntityID(1, EntityKindUserReaderNoKey),
		WriterID:      NewEntityID(1, EntityKindUserWriterNoKey),
		ReaderSNState: SequenceNumberSet{Base: 4, NumBits: 33, Bitmap: []uint32{0x80000001, 0x80000000}},
		Count:         2,
	}
	gap := &GapSubmessage{
		WriterID: NewEntityID(1, EntityKindUserWriterNoKey),
		GapStart: 2,
		GapList:  SequenceNumberSet{Base: 4},
	}
	df := &DataFragSubmessage{
		WriterID:              NewEntityID(1, EntityKindUserWriterNoKey),
		WriterSN:              9,
		FragmentStartingNum:   2,
		FragmentsInSubmessage: 1,
		FragmentSize:          4,
		SampleSize:            10,
		Payload:               []byte{4, 5, 6, 7},
	}
	nf := &NackFragSubmessage{
		WriterSN:            9,
		FragmentNumberState: FragmentNumberSet{Base: 1, NumBits: 3, Bitmap: []uint32{0xA0000000}},
		Count:               1,
	}
	msg, err := CDRCodec{}.EncodeMessage(testHeader, an, gap, df, nf)
	require.NoError(t, err)

	_, submessages, err := DecodeMessage(CDRCodec{}, msg)
	require.NoError(t, err)
	require.Len(t, submessages, 4)

	gotAn := submessages[0].(*AckNackSubmessage)
	assert.Equal(t, an.ReaderSNState, gotAn.ReaderSNState)
	assert.EqualValues(t, 2, gotAn.Count)

	gotGap := submessages[1].(*GapSubmessage)
	assert.EqualValues(t, 2, gotGap.GapStart)
	assert.EqualValues(t, 4, gotGap.GapList.Base)
	assert.EqualValues(t, 0, gotGap.GapList.NumBits)

	gotDf := submessages[2].(*DataFragSubmessage)
	assert.EqualValues(t, 2, gotDf.FragmentStartingNum)
	assert.EqualValues(t, 10, gotDf.SampleSize)
	assert.Equal(t, df.Payload, gotDf.Payload)

	gotNf := submessages[3].(*NackFragSubmessage)
	assert.Equal(t, nf.FragmentNumberState, gotNf.FragmentNumberState)
}

func TestCodec_ZeroLengthRunsToEnd(t *testing.T) {
	msg, err := CDRCodec{}.EncodeMessage(testHeader,
		&InfoTimestampSubmessage{Timestamp: Time{Seconds: 1}},
		&DataSubmessage{WriterID: NewEntityID(1, EntityKindUserWriterNoKey), WriterSN: 1, Payload: []byte{1, 2, 3, 4}},
	)
	require.NoError(t, err)
	dataAt := HeaderSize + 4 + 8
	binary.LittleEndian.PutUint16(msg[dataAt+2:], 0)
	// trailing bytes belong to the last submessage
	msg = append(msg, 5, 6)

	_, submessages, err := DecodeMessage(CDRCodec{}, msg)
	require.NoError(t, err)
	require.Len(t, submessages, 2)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, submessages[1].(*DataSubmessage).Payload)
}

func TestCodec_Truncated(t *testing.T) {
	msg, err := CDRCodec{}.EncodeMessage(testHeader,
		&InfoDestinationSubmessage{Prefix: localPrefix},
		&HeartbeatSubmessage{FirstSN: 1, LastSN: 1, Count: 1},
	)
	require.NoError(t, err)
	msg = msg[:len(msg)-4]

	_, submessages, err := DecodeMessage(CDRCodec{}, msg)
	assert.Equal(t, ErrTruncated, errors.Cause(err))
	require.Len(t, submessages, 1, "submessages before the bad one stand")
	assert.IsType(t, &InfoDestinationSubmessage{}, submessages[0])
}

func TestCodec_UnknownKind(t *testing.T) {
	msg, err := CDRCodec{}.EncodeMessage(testHeader,
		&UnknownSubmessage{SubmessageHeader: SubmessageHeader{Kind: 0x80}, Body: []byte{1, 2, 3, 4}},
		&HeartbeatSubmessage{FirstSN: 1, LastSN: 2, Count: 1},
	)
	require.NoError(t, err)

	_, submessages, err := DecodeMessage(CDRCodec{}, msg)
	require.NoError(t, err)
	require.Len(t, submessages, 2)
	unknown := submessages[0].(*UnknownSubmessage)
	assert.Equal(t, SubmessageKind(0x80), unknown.Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, unknown.Body)
	assert.EqualValues(t, 2, submessages[1].(*HeartbeatSubmessage).LastSN)
}
