// Package strbuild writes numbers and strings into caller-owned, fixed-size
// buffers without allocating and without ever writing past the buffer.
package strbuild

import (
	"errors"
	"fmt"
)

const (
	// MaxHexDigits is the longest hex rendering of a uint32 ("ffffffff").
	MaxHexDigits = 8
	// MaxDecimalDigits is the longest decimal rendering of a uint32 ("4294967295").
	MaxDecimalDigits = 10
	// U32MaxLen is the digit budget every uint32 encoding fits in.
	U32MaxLen = 10
	// U32BufferSize holds any encoding, "0x" prefix or NUL terminator included.
	U32BufferSize = U32MaxLen + 1
)

var (
	// ErrInvalidDestination is returned for a nil or empty destination.
	ErrInvalidDestination = errors.New("strbuild: invalid destination")
	// ErrCapacityExceeded is returned when the encoding does not fit.
	// Nothing is written in that case.
	ErrCapacityExceeded = errors.New("strbuild: capacity exceeded")
)

// Base selects the digit base of an Encoder.
type Base uint8

const (
	Hex     Base = 16
	Decimal Base = 10
)

func (b Base) String() string {
	switch b {
	case Hex:
		return "hex"
	case Decimal:
		return "decimal"
	default:
		return fmt.Sprintf("Base(%d)", uint8(b))
	}
}

const (
	lowerDigits = "0123456789abcdef"
	upperDigits = "0123456789ABCDEF"
)

// Options configures an Encoder. The zero value is lower-case hex with no
// prefix and no terminator.
type Options struct {
	Base Base
	// Upper selects A-F for hex digits.
	Upper bool
	// Prefix writes "0x" before hex digits. Ignored for Decimal.
	Prefix bool
	// Terminate writes a NUL after the digits. The NUL counts toward the
	// returned length and the capacity check.
	Terminate bool
}

// Encoder renders uint32 values as ASCII digits. Encoders are immutable and
// safe for concurrent use as long as destinations do not overlap.
type Encoder struct {
	radix     uint32
	digits    string
	prefix    string
	terminate bool
}

// NewEncoder returns an Encoder for opts. It panics on a base other than Hex
// or Decimal.
func NewEncoder(opts Options) Encoder {
	e := Encoder{radix: 16, digits: lowerDigits, terminate: opts.Terminate}
	switch opts.Base {
	case 0, Hex:
		if opts.Upper {
			e.digits = upperDigits
		}
		if opts.Prefix {
			e.prefix = "0x"
		}
	case Decimal:
		e.radix = 10
	default:
		panic(fmt.Sprintf("strbuild: unsupported base %d", uint8(opts.Base)))
	}
	return e
}

var (
	hexEncoder     = NewEncoder(Options{Base: Hex})
	decimalEncoder = NewEncoder(Options{Base: Decimal})
)

// UInt32Hex writes value as lower-case hex into dst and returns the number of
// bytes written.
func UInt32Hex(dst []byte, value uint32) (int, error) {
	return hexEncoder.Encode(dst, value)
}

// UInt32Decimal writes value in base 10 into dst and returns the number of
// bytes written.
func UInt32Decimal(dst []byte, value uint32) (int, error) {
	return decimalEncoder.Encode(dst, value)
}

// Encode writes value into dst, using len(dst) as the capacity. On error the
// returned count is 0 and dst is left untouched.
func (e Encoder) Encode(dst []byte, value uint32) (int, error) {
	if len(dst) == 0 {
		return 0, ErrInvalidDestination
	}

	var scratch [U32MaxLen]byte
	i := e.fill(&scratch, value)

	if e.size(len(scratch)-i) > len(dst) {
		return 0, ErrCapacityExceeded
	}

	n := copy(dst, e.prefix)
	n += copy(dst[n:], scratch[i:])
	if e.terminate {
		dst[n] = 0
		n++
	}
	return n, nil
}

// Len reports how many bytes Encode would write for value.
func (e Encoder) Len(value uint32) int {
	radix := e.base()
	digits := 1
	for value >= radix {
		value /= radix
		digits++
	}
	return e.size(digits)
}

// fill writes digits least-significant first from the end of scratch and
// returns the index of the most significant one.
func (e Encoder) fill(scratch *[U32MaxLen]byte, value uint32) int {
	radix := e.base()
	alphabet := e.alphabet()
	i := len(scratch)
	for {
		i--
		scratch[i] = alphabet[value%radix]
		value /= radix
		if value == 0 {
			return i
		}
	}
}

func (e Encoder) size(digits int) int {
	n := len(e.prefix) + digits
	if e.terminate {
		n++
	}
	return n
}

// base and alphabet let the zero Encoder behave like NewEncoder(Options{}).
func (e Encoder) base() uint32 {
	if e.radix == 0 {
		return 16
	}
	return e.radix
}

func (e Encoder) alphabet() string {
	if e.digits == "" {
		return lowerDigits
	}
	return e.digits
}
