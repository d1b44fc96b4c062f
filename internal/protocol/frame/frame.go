package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// Align is the padding unit for every stored slot.
	Align = 4
	// MaxSegments is the number of payload segments a header can declare.
	MaxSegments = 3
	// MaxSlots is the scatter/gather capacity of one Buffer; slot 0 is the header.
	MaxSlots = MaxSegments + 1
	// HeaderLen is the encoded size of Header.
	HeaderLen = 2 + 2*MaxSegments
	// MaxSegmentLen is the largest length a header field can declare.
	MaxSegmentLen = 1<<16 - 1
	// MaxAllocSize bounds a single slot allocation.
	MaxAllocSize = 256 * 1024

	// DefaultMaxFrameSize is the control socket channel ceiling.
	DefaultMaxFrameSize = 8192
)

var (
	ErrNoMemory        = errors.New("frame: allocation failed")
	ErrSlotRange       = errors.New("frame: slot out of range")
	ErrSlotOccupied    = errors.New("frame: slot occupied")
	ErrShortBuffer     = errors.New("frame: buffer shorter than padded length")
	ErrTooManySegments = errors.New("frame: too many segments")
	ErrSegmentTooLarge = errors.New("frame: segment too large")
	ErrFrameTooLarge   = errors.New("frame: frame exceeds max frame size")
	ErrShortHeader     = errors.New("frame: short header")
	ErrTruncated       = errors.New("frame: truncated segment")
	ErrNoHeader        = errors.New("frame: header slot empty")
)

// live counts buffers that have been created and not yet released.
var live atomic.Int64

// Live returns the number of unreleased buffers in the process.
func Live() int64 {
	return live.Load()
}

// AlignUp rounds n up to the next multiple of Align.
func AlignUp(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

// Alloc returns a zeroed slice of AlignUp(n) bytes with length n.
func Alloc(n int) ([]byte, error) {
	if n < 0 || AlignUp(n) > MaxAllocSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoMemory, n)
	}
	return make([]byte, n, AlignUp(n)), nil
}

// Dup allocates n bytes and copies data[:n] into them.
func Dup(data []byte, n int) ([]byte, error) {
	if n > len(data) {
		return nil, fmt.Errorf("%w: dup %d of %d bytes", ErrShortBuffer, n, len(data))
	}
	buf, err := Alloc(n)
	if err != nil {
		return nil, err
	}
	copy(buf, data[:n])
	return buf, nil
}

// Header is segment 0 of every frame.
type Header struct {
	Type uint16
	Len  [MaxSegments]uint16
}

// PaddedSize is the wire size of the header plus every declared segment.
func (h Header) PaddedSize() int {
	n := HeaderLen
	for _, l := range h.Len {
		n += AlignUp(int(l))
	}
	return n
}

// EncodeHeader writes h in host byte order; both peers share the host.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, AlignUp(HeaderLen))
	binary.NativeEndian.PutUint16(buf[0:2], h.Type)
	for i, l := range h.Len {
		binary.NativeEndian.PutUint16(buf[2+2*i:4+2*i], l)
	}
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	var h Header
	h.Type = binary.NativeEndian.Uint16(b[0:2])
	for i := range h.Len {
		h.Len[i] = binary.NativeEndian.Uint16(b[2+2*i : 4+2*i])
	}
	return h, nil
}

// Buffer is one frame laid out as a scatter/gather array. A Buffer has a
// single owner which must call Release once it is done with it.
type Buffer struct {
	slots    [MaxSlots][]byte
	released bool
}

// New returns an empty Buffer.
func New() *Buffer {
	live.Add(1)
	return &Buffer{}
}

// Attach stores buf[:AlignUp(n)] in slot, zero-filling the padding tail.
func (b *Buffer) Attach(slot int, buf []byte, n int) error {
	if slot < 0 || slot >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}
	if b.slots[slot] != nil {
		return fmt.Errorf("%w: %d", ErrSlotOccupied, slot)
	}
	padded := AlignUp(n)
	if n < 0 || cap(buf) < padded {
		return fmt.Errorf("%w: cap=%d need=%d", ErrShortBuffer, cap(buf), padded)
	}
	buf = buf[:padded]
	clear(buf[n:])
	b.slots[slot] = buf
	return nil
}

// Retrieve returns the stored, padded bytes of slot. Ownership stays with b.
func (b *Buffer) Retrieve(slot int) ([]byte, bool) {
	if slot < 0 || slot >= MaxSlots || b.slots[slot] == nil {
		return nil, false
	}
	return b.slots[slot], true
}

// Release drops every slot. Calling it again is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	for i := range b.slots {
		b.slots[i] = nil
	}
	live.Add(-1)
}

func (b *Buffer) Header() (Header, error) {
	raw, ok := b.Retrieve(0)
	if !ok {
		return Header{}, ErrNoHeader
	}
	return DecodeHeader(raw)
}

// Type returns the message type, or 0 when the header slot is empty.
func (b *Buffer) Type() uint16 {
	h, err := b.Header()
	if err != nil {
		return 0
	}
	return h.Type
}

// Segment returns the unpadded payload of segment i (1..MaxSegments).
func (b *Buffer) Segment(i int) ([]byte, bool) {
	if i < 1 || i > MaxSegments {
		return nil, false
	}
	h, err := b.Header()
	if err != nil {
		return nil, false
	}
	raw, ok := b.Retrieve(i)
	if !ok {
		return nil, false
	}
	n := int(h.Len[i-1])
	if n > len(raw) {
		return nil, false
	}
	return raw[:n], true
}

// Segments returns every payload segment; absent ones are nil.
func (b *Buffer) Segments() [][]byte {
	out := make([][]byte, MaxSegments)
	for i := range out {
		out[i], _ = b.Segment(i + 1)
	}
	return out
}

// Buffers returns the occupied slots in order, ready for a vectored write.
func (b *Buffer) Buffers() [][]byte {
	out := make([][]byte, 0, MaxSlots)
	for _, s := range b.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Size is the total padded length of all occupied slots.
func (b *Buffer) Size() int {
	n := 0
	for _, s := range b.slots {
		n += len(s)
	}
	return n
}

// Bytes returns the contiguous wire encoding of b.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.Size())
	for _, s := range b.slots {
		out = append(out, s...)
	}
	return out
}
