package frame

import "fmt"

// Codec builds and parses frames for one channel.
type Codec struct {
	// MaxFrameSize bounds the padded size of a frame, header included.
	MaxFrameSize int
}

func DefaultCodec() Codec {
	return Codec{MaxFrameSize: DefaultMaxFrameSize}
}

func (c Codec) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Build copies segs into a new Buffer behind a header of type typ.
// Empty segments are declared with length 0 and occupy no slot.
func (c Codec) Build(typ uint16, segs ...[]byte) (*Buffer, error) {
	if len(segs) > MaxSegments {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManySegments, len(segs), MaxSegments)
	}
	h := Header{Type: typ}
	for i, s := range segs {
		if len(s) > MaxSegmentLen {
			return nil, fmt.Errorf("%w: segment %d is %d bytes", ErrSegmentTooLarge, i+1, len(s))
		}
		h.Len[i] = uint16(len(s))
	}
	if size := h.PaddedSize(); size > c.maxFrameSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxFrameSize())
	}

	b := New()
	if err := b.Attach(0, EncodeHeader(h), HeaderLen); err != nil {
		b.Release()
		return nil, err
	}
	for i, s := range segs {
		if len(s) == 0 {
			continue
		}
		data, err := Dup(s, len(s))
		if err != nil {
			b.Release()
			return nil, err
		}
		if err := b.Attach(i+1, data, len(s)); err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

// Parse decodes one frame from p. Segment bounds come from the header and
// are checked against the remaining input.
func (c Codec) Parse(p []byte) (*Buffer, error) {
	if len(p) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(p))
	}
	if len(p) > c.maxFrameSize() {
		return nil, fmt.Errorf("%w: read %d > %d", ErrFrameTooLarge, len(p), c.maxFrameSize())
	}

	hdr, err := Dup(p, HeaderLen)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	b := New()
	if err := b.Attach(0, hdr, HeaderLen); err != nil {
		b.Release()
		return nil, err
	}

	rest := p[HeaderLen:]
	for i, l := range h.Len {
		n := int(l)
		if n == 0 {
			continue
		}
		if AlignUp(n) > len(rest) {
			b.Release()
			return nil, fmt.Errorf("%w: segment %d declares %d, %d left", ErrTruncated, i+1, AlignUp(n), len(rest))
		}
		data, err := Dup(rest, n)
		if err != nil {
			b.Release()
			return nil, err
		}
		if err := b.Attach(i+1, data, n); err != nil {
			b.Release()
			return nil, err
		}
		rest = rest[AlignUp(n):]
	}
	return b, nil
}
