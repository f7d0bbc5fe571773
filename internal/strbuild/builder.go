package strbuild

import "errors"

// Builder appends strings and numbers to a fixed buffer it does not own.
// The first failed write is sticky: later writes are no-ops and Err reports
// it, so callers can chain writes and check once.
type Builder struct {
	buf []byte
	n   int
	err error
}

// NewBuilder returns a Builder writing into buf. len(buf) is the capacity.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

// Write appends p in full or not at all.
func (b *Builder) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(p) > b.Available() {
		b.err = ErrCapacityExceeded
		return 0, b.err
	}
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n, nil
}

// WriteString appends s in full or not at all.
func (b *Builder) WriteString(s string) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(s) > b.Available() {
		b.err = ErrCapacityExceeded
		return 0, b.err
	}
	n := copy(b.buf[b.n:], s)
	b.n += n
	return n, nil
}

func (b *Builder) WriteByte(c byte) error {
	if b.err != nil {
		return b.err
	}
	if b.Available() < 1 {
		b.err = ErrCapacityExceeded
		return b.err
	}
	b.buf[b.n] = c
	b.n++
	return nil
}

// WriteUint32Hex appends v as lower-case hex.
func (b *Builder) WriteUint32Hex(v uint32) (int, error) {
	return b.WriteUint32(hexEncoder, v)
}

// WriteUint32Decimal appends v in base 10.
func (b *Builder) WriteUint32Decimal(v uint32) (int, error) {
	return b.WriteUint32(decimalEncoder, v)
}

// WriteUint32 appends v rendered by enc.
func (b *Builder) WriteUint32(enc Encoder, v uint32) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := enc.Encode(b.buf[b.n:], v)
	if err != nil {
		// An exhausted buffer is a full builder, not a bad destination.
		if errors.Is(err, ErrInvalidDestination) {
			err = ErrCapacityExceeded
		}
		b.err = err
		return 0, err
	}
	b.n += n
	return n, nil
}

// Err returns the first write error, if any.
func (b *Builder) Err() error { return b.err }

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return b.n }

// Available returns the number of bytes left in the buffer.
func (b *Builder) Available() int { return len(b.buf) - b.n }

// Bytes returns the written prefix of the buffer. It aliases the buffer.
func (b *Builder) Bytes() []byte { return b.buf[:b.n] }

func (b *Builder) String() string { return string(b.buf[:b.n]) }

// Reset empties the builder and clears any sticky error.
func (b *Builder) Reset() {
	b.n = 0
	b.err = nil
}
