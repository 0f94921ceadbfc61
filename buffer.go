package rtps

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrTruncated     = errors.New("rtps: message truncated")
	ErrInvalidHeader = errors.New("rtps: invalid message header")
)

// buffer is a cursor over a message so callers do not track offsets
// themselves. Reads fail with ErrTruncated instead of panicking; writes grow
// the underlying slice.
type buffer struct {
	buf   []byte
	pos   int
	order byteOrder
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func newBuffer(size int) *buffer {
	return &buffer{buf: make([]byte, 0, size), order: binary.LittleEndian}
}

func newBufferFromRef(buf []byte, order byteOrder) *buffer {
	return &buffer{buf: buf, order: order}
}

func (b *buffer) bytes() []byte {
	return b.buf
}

func (b *buffer) remaining() int {
	return len(b.buf) - b.pos
}

func (b *buffer) rest() []byte {
	v := b.buf[b.pos:]
	b.pos = len(b.buf)
	return v
}

func (b *buffer) getBytes(length int) ([]byte, error) {
	if length < 0 || b.pos+length > len(b.buf) {
		return nil, errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", length, b.pos, b.remaining())
	}
	value := b.buf[b.pos : b.pos+length]
	b.pos += length
	return value, nil
}

func (b *buffer) skip(length int) error {
	_, err := b.getBytes(length)
	return err
}

func (b *buffer) getUint8() (uint8, error) {
	buf, err := b.getBytes(sizeUint8)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *buffer) getUint16() (uint16, error) {
	buf, err := b.getBytes(sizeUint16)
	if err != nil {
		return 0, err
	}
	return b.order.Uint16(buf), nil
}

func (b *buffer) getUint32() (uint32, error) {
	buf, err := b.getBytes(sizeUint32)
	if err != nil {
		return 0, err
	}
	return b.order.Uint32(buf), nil
}

func (b *buffer) getInt32() (int32, error) {
	n, err := b.getUint32()
	return int32(n), err
}

func (b *buffer) getSequenceNumber() (SequenceNumber, error) {
	high, err := b.getInt32()
	if err != nil {
		return 0, err
	}
	low, err := b.getUint32()
	if err != nil {
		return 0, err
	}
	return NewSequenceNumber(high, low), nil
}

func (b *buffer) getEntityID() (EntityID, error) {
	var id EntityID
	buf, err := b.getBytes(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], buf)
	return id, nil
}

func (b *buffer) getPrefix() (GuidPrefix, error) {
	var p GuidPrefix
	buf, err := b.getBytes(len(p))
	if err != nil {
		return p, err
	}
	copy(p[:], buf)
	return p, nil
}

func (b *buffer) writeBytes(src []byte) {
	b.buf = append(b.buf, src...)
}

func (b *buffer) writeUint8(n uint8) {
	b.buf = append(b.buf, n)
}

func (b *buffer) writeUint16(n uint16) {
	b.buf = b.order.AppendUint16(b.buf, n)
}

func (b *buffer) writeUint32(n uint32) {
	b.buf = b.order.AppendUint32(b.buf, n)
}

func (b *buffer) writeInt32(n int32) {
	b.writeUint32(uint32(n))
}

func (b *buffer) writeSequenceNumber(s SequenceNumber) {
	b.writeInt32(s.High())
	b.writeUint32(s.Low())
}

// putUint16At overwrites two bytes already written, used to patch in a
// length once the body is known.
func (b *buffer) putUint16At(pos int, n uint16) {
	b.order.PutUint16(b.buf[pos:], n)
}

const (
	sizeUint8  = 1
	sizeUint16 = 2
	sizeUint32 = 4
)
