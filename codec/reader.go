// Package codec reads and writes C12.19 table fields from and to a table buffer.
//
// Every multi-byte value is big-endian, that is a property of the meter family this
// library talks to, not an option. Readers and writers work on a fixed slice and keep
// a cursor, a read or write past the end fails with ErrBufferUnderrun / ErrBufferOverrun,
// the buffer is never grown by a field write.
//
// Timestamps (STIME_DATE, LTIME_DATE) depend on the TM_FORMAT selector from the general
// configuration table (ST0), so readers and writers carry the format and a reference
// time used for default (all zero) timestamps:
//
//	r := codec.NewReader(buf).WithTime(codec.TimeFormatSeconds, time.Unix(0, 0).UTC())
//	ts, err := r.LTime()
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrBufferUnderrun        = errors.New("buffer underrun")
	ErrBufferOverrun         = errors.New("buffer overrun")
	ErrUnsupportedTimeFormat = errors.New("unsupported time format")
	ErrInvalidValue          = errors.New("invalid encoded value")
)

type Reader struct {
	buf       []byte
	pos       int
	format    TimeFormat
	source    func() (TimeFormat, error)
	reference time.Time
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf, reference: DefaultReferenceTime}
}

// WithTime sets time format and reference time used by STime/LTime.
func (r *Reader) WithTime(format TimeFormat, reference time.Time) *Reader {
	r.format = format
	r.reference = reference
	return r
}

// WithTimeSource is WithTime with the format asked from source at the first timestamp.
// A source error fails that field and is returned as is.
func (r *Reader) WithTimeSource(source func() (TimeFormat, error), reference time.Time) *Reader {
	r.source = source
	r.reference = reference
	return r
}

func (r *Reader) TimeFormat() (TimeFormat, error) {
	if r.source != nil {
		f, err := r.source()
		if err != nil {
			return TimeFormatNone, err
		}
		r.format = f
		r.source = nil
	}
	return r.format, nil
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) Len() int {
	return len(r.buf)
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return fmt.Errorf("%w: seek to %d, length %d", ErrBufferUnderrun, pos, len(r.buf))
	}
	r.pos = pos
	return nil
}

func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at %d, length %d", ErrBufferUnderrun, n, r.pos, len(r.buf))
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Sub returns a reader over next n bytes (nested record) and advances past them.
func (r *Reader) Sub(n int) (*Reader, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return &Reader{buf: b, format: r.format, source: r.source, reference: r.reference}, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// U24 reads 3 byte unsigned, used by offsets and some counters.
func (r *Reader) U24() (uint32, error) {
	b, err := r.take(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) U48() (uint64, error) {
	b, err := r.take(6)
	if err != nil {
		return 0, err
	}
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(binary.BigEndian.Uint32(b[2:])), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) I8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	return math.Float32frombits(v), err
}

func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	return math.Float64frombits(v), err
}

// Bool reads one byte, anything non zero is true.
func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

// Bytes returns a copy, the table buffer is never aliased by decoded values.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, n)
	copy(ret, b)
	return ret, nil
}

// String reads fixed length character field, trailing NULs and spaces are trimmed.
func (r *Reader) String(n int) (string, error) {
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00 "), nil
}

// BCD reads n packed bcd bytes as a number, high nibble first.
func (r *Reader) BCD(n int) (uint64, error) {
	b, err := r.take(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		d, err := frombcd(c)
		if err != nil {
			return 0, err
		}
		v = v*100 + uint64(d)
	}
	return v, nil
}

func frombcd(c byte) (byte, error) {
	if c>>4 > 9 || c&0xf > 9 {
		return 0, fmt.Errorf("%w: bcd byte 0x%02x", ErrInvalidValue, c)
	}
	return (c>>4)*10 + c&0xf, nil
}

func tobcd(v byte) byte {
	return (v/10)<<4 | v%10
}

// Bits extracts width bits starting at shift (lsb is 0) from a packed flag value.
func Bits(v uint64, shift, width uint) uint64 {
	return (v >> shift) & (1<<width - 1)
}

// Bit reports a single flag bit.
func Bit(v uint64, n uint) bool {
	return Bits(v, n, 1) != 0
}

// SetBits replaces width bits at shift with f.
func SetBits(v uint64, shift, width uint, f uint64) uint64 {
	mask := uint64(1<<width-1) << shift
	return v&^mask | (f<<shift)&mask
}
