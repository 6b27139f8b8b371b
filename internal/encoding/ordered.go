// Package encoding implements an order-preserving binary codec.
//
// Every component written by a Builder is self-delimiting, so the encoding of
// a tuple is prefix-free per component and bytes.Compare on two encoded tuples
// yields the same result as comparing the tuples component by component.
//
// Layout of a single component:
//
//	string / bytes:  escaped payload followed by the terminator 0x00 0x01,
//	                 where 0x00 is escaped as 0x00 0xFF and 0xFF as 0xFF 0x00
//	int64:           8 bytes big endian with the sign bit flipped
//	float64:         8 bytes big endian, sign-adjusted so negative values sort first
//	path:            a 0x02 marker plus an escaped segment per segment, then 0x01
//
// Descending components are the bytewise inversion of the ascending form.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	escape1      byte = 0x00
	nullChar     byte = 0xFF
	separator    byte = 0x01
	escape2      byte = 0xFF
	ffChar       byte = 0x00
	infinityByte byte = 0xFF

	// PathSegment precedes every segment of an encoded path.
	PathSegment byte = 0x02
	// PathEnd terminates an encoded path. It sorts below PathSegment so that
	// a path sorts before all of its descendants.
	PathEnd byte = 0x01
)

// ErrCorrupt is returned when decoding runs into malformed input.
var ErrCorrupt = errors.New("corrupt ordered encoding")

// Builder accumulates order-preserving key components.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with the given capacity hint.
func NewBuilder(capacity int) *Builder {
	return &Builder{buf: make([]byte, 0, capacity)}
}

// String appends an escaped, terminated string component.
func (b *Builder) String(s string) *Builder {
	b.buf = AppendEscaped(b.buf, []byte(s))
	return b
}

// Bytes appends an escaped, terminated byte component.
func (b *Builder) Bytes(p []byte) *Builder {
	b.buf = AppendEscaped(b.buf, p)
	return b
}

// Int appends a fixed width signed integer component.
func (b *Builder) Int(v int64) *Builder {
	b.buf = AppendInt(b.buf, v)
	return b
}

// Float appends a fixed width float component.
func (b *Builder) Float(f float64) *Builder {
	b.buf = AppendFloat(b.buf, f)
	return b
}

// Path appends a resource path given as its segments.
func (b *Builder) Path(segments []string) *Builder {
	b.buf = AppendPath(b.buf, segments)
	return b
}

// Raw appends bytes verbatim. The caller is responsible for keeping the
// result prefix-free.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Build returns the accumulated key.
func (b *Builder) Build() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// AppendEscaped appends the escaped form of p followed by the terminator.
func AppendEscaped(dst, p []byte) []byte {
	for _, c := range p {
		switch c {
		case escape1:
			dst = append(dst, escape1, nullChar)
		case escape2:
			dst = append(dst, escape2, ffChar)
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, escape1, separator)
}

// AppendInt appends v so that signed order matches byte order.
func AppendInt(dst []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v)^(1<<63))
	return append(dst, tmp[:]...)
}

// AppendFloat appends f so that numeric order matches byte order. Negative
// zero is folded into positive zero. NaN is not ordered by this function;
// callers that need NaN must label it separately.
func AppendFloat(dst []byte, f float64) []byte {
	if f == 0 {
		f = 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	return append(dst, tmp[:]...)
}

// AppendPath appends segments as an ordered path component.
func AppendPath(dst []byte, segments []string) []byte {
	for _, s := range segments {
		dst = append(dst, PathSegment)
		dst = AppendEscaped(dst, []byte(s))
	}
	return append(dst, PathEnd)
}

// AppendPathPrefix appends segments without the terminating PathEnd, which
// yields a prefix shared by the path and all of its descendants.
func AppendPathPrefix(dst []byte, segments []string) []byte {
	for _, s := range segments {
		dst = append(dst, PathSegment)
		dst = AppendEscaped(dst, []byte(s))
	}
	return dst
}

// AppendInfinity appends a marker that sorts after every other component.
func AppendInfinity(dst []byte) []byte {
	return append(dst, infinityByte, infinityByte)
}

// Invert flips every byte of p in place, turning an ascending encoding into
// a descending one.
func Invert(p []byte) []byte {
	for i := range p {
		p[i] = ^p[i]
	}
	return p
}

// Successor returns a byte string that sorts strictly after p. The last byte
// is incremented, which also places the result after every key prefixed by
// p. When p is empty or ends in 0xFF a zero byte is appended instead; that
// result is prefixed by p and only bounds p itself.
func Successor(p []byte) []byte {
	n := len(p)
	if n == 0 || p[n-1] == 0xFF {
		out := make([]byte, n+1)
		copy(out, p)
		return out
	}
	out := make([]byte, n)
	copy(out, p)
	out[n-1]++
	return out
}

// PrefixEnd returns the smallest key greater than every key that has the
// given prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Reader decodes components written by a Builder.
type Reader struct {
	buf []byte
}

// NewReader returns a Reader over p.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Remaining returns the undecoded suffix.
func (r *Reader) Remaining() []byte { return r.buf }

// Done reports whether the input has been fully consumed.
func (r *Reader) Done() bool { return len(r.buf) == 0 }

// Bytes decodes an escaped component.
func (r *Reader) Bytes() ([]byte, error) {
	var out []byte
	for i := 0; i < len(r.buf); i++ {
		c := r.buf[i]
		if c != escape1 && c != escape2 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(r.buf) {
			return nil, ErrCorrupt
		}
		next := r.buf[i+1]
		switch {
		case c == escape1 && next == separator:
			r.buf = r.buf[i+2:]
			if out == nil {
				out = []byte{}
			}
			return out, nil
		case c == escape1 && next == nullChar:
			out = append(out, escape1)
		case c == escape2 && next == ffChar:
			out = append(out, escape2)
		default:
			return nil, fmt.Errorf("%w: unexpected escape 0x%02x 0x%02x", ErrCorrupt, c, next)
		}
		i++
	}
	return nil, ErrCorrupt
}

// String decodes an escaped string component.
func (r *Reader) String() (string, error) {
	p, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// Int decodes a fixed width integer component.
func (r *Reader) Int() (int64, error) {
	if len(r.buf) < 8 {
		return 0, ErrCorrupt
	}
	v := binary.BigEndian.Uint64(r.buf[:8]) ^ (1 << 63)
	r.buf = r.buf[8:]
	return int64(v), nil
}

// Float decodes a fixed width float component.
func (r *Reader) Float() (float64, error) {
	if len(r.buf) < 8 {
		return 0, ErrCorrupt
	}
	bits := binary.BigEndian.Uint64(r.buf[:8])
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	r.buf = r.buf[8:]
	return math.Float64frombits(bits), nil
}

// Path decodes a path component into its segments.
func (r *Reader) Path() ([]string, error) {
	var segments []string
	for {
		if len(r.buf) == 0 {
			return nil, ErrCorrupt
		}
		marker := r.buf[0]
		r.buf = r.buf[1:]
		switch marker {
		case PathEnd:
			return segments, nil
		case PathSegment:
			s, err := r.String()
			if err != nil {
				return nil, err
			}
			segments = append(segments, s)
		default:
			return nil, fmt.Errorf("%w: unexpected path marker 0x%02x", ErrCorrupt, marker)
		}
	}
}

// Compare is bytes.Compare, re-exported so callers comparing encoded keys do
// not need a second import.
func Compare(a, b []byte) int { return bytes.Compare(a, b) }
