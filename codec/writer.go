package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Writer encodes into a fixed buffer, it never grows it.
type Writer struct {
	buf       []byte
	pos       int
	format    TimeFormat
	source    func() (TimeFormat, error)
	reference time.Time
}

func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf, reference: DefaultReferenceTime}
}

func (w *Writer) WithTime(format TimeFormat, reference time.Time) *Writer {
	w.format = format
	w.reference = reference
	return w
}

func (w *Writer) WithTimeSource(source func() (TimeFormat, error), reference time.Time) *Writer {
	w.source = source
	w.reference = reference
	return w
}

func (w *Writer) TimeFormat() (TimeFormat, error) {
	if w.source != nil {
		f, err := w.source()
		if err != nil {
			return TimeFormatNone, err
		}
		w.format = f
		w.source = nil
	}
	return w.format, nil
}

func (w *Writer) Pos() int {
	return w.pos
}

func (w *Writer) Remaining() int {
	return len(w.buf) - w.pos
}

func (w *Writer) Seek(pos int) error {
	if pos < 0 || pos > len(w.buf) {
		return fmt.Errorf("%w: seek to %d, length %d", ErrBufferOverrun, pos, len(w.buf))
	}
	w.pos = pos
	return nil
}

// Skip leaves n bytes untouched, used for reserved or read only fields.
func (w *Writer) Skip(n int) error {
	_, err := w.take(n)
	return err
}

func (w *Writer) take(n int) ([]byte, error) {
	if n < 0 || w.pos+n > len(w.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at %d, length %d", ErrBufferOverrun, n, w.pos, len(w.buf))
	}
	b := w.buf[w.pos : w.pos+n]
	w.pos += n
	return b, nil
}

// Sub returns a writer over next n bytes and advances past them.
func (w *Writer) Sub(n int) (*Writer, error) {
	b, err := w.take(n)
	if err != nil {
		return nil, err
	}
	return &Writer{buf: b, format: w.format, source: w.source, reference: w.reference}, nil
}

func (w *Writer) U8(v uint8) error {
	b, err := w.take(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (w *Writer) U16(v uint16) error {
	b, err := w.take(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b, v)
	return nil
}

func (w *Writer) U24(v uint32) error {
	if v > 0xFFFFFF {
		return fmt.Errorf("%w: %d does not fit 24 bits", ErrInvalidValue, v)
	}
	b, err := w.take(3)
	if err != nil {
		return err
	}
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
	return nil
}

func (w *Writer) U32(v uint32) error {
	b, err := w.take(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b, v)
	return nil
}

func (w *Writer) U48(v uint64) error {
	if v > 0xFFFFFFFFFFFF {
		return fmt.Errorf("%w: %d does not fit 48 bits", ErrInvalidValue, v)
	}
	b, err := w.take(6)
	if err != nil {
		return err
	}
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	binary.BigEndian.PutUint32(b[2:], uint32(v))
	return nil
}

func (w *Writer) U64(v uint64) error {
	b, err := w.take(8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b, v)
	return nil
}

func (w *Writer) I8(v int8) error {
	return w.U8(uint8(v))
}

func (w *Writer) I16(v int16) error {
	return w.U16(uint16(v))
}

func (w *Writer) I32(v int32) error {
	return w.U32(uint32(v))
}

func (w *Writer) I64(v int64) error {
	return w.U64(uint64(v))
}

func (w *Writer) F32(v float32) error {
	return w.U32(math.Float32bits(v))
}

func (w *Writer) F64(v float64) error {
	return w.U64(math.Float64bits(v))
}

func (w *Writer) Bool(v bool) error {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

// Bytes writes exactly len(v) bytes.
func (w *Writer) Bytes(v []byte) error {
	b, err := w.take(len(v))
	if err != nil {
		return err
	}
	copy(b, v)
	return nil
}

// String writes fixed n chars field, padded with spaces, longer values are rejected.
func (w *Writer) String(v string, n int) error {
	if len(v) > n {
		return fmt.Errorf("%w: string of %d chars into %d", ErrInvalidValue, len(v), n)
	}
	b, err := w.take(n)
	if err != nil {
		return err
	}
	copy(b, v)
	for i := len(v); i < n; i++ {
		b[i] = ' '
	}
	return nil
}

// BCD writes v as n packed bcd bytes.
func (w *Writer) BCD(v uint64, n int) error {
	b, err := w.take(n)
	if err != nil {
		return err
	}
	for i := n - 1; i >= 0; i-- {
		b[i] = tobcd(byte(v % 100))
		v /= 100
	}
	if v != 0 {
		return fmt.Errorf("%w: value does not fit %d bcd bytes", ErrInvalidValue, n)
	}
	return nil
}
