package table

import (
	"encoding/binary"
	"fmt"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/codec"
)

// Resolver is what a Sizer may use while the table length is still unknown.
type Resolver interface {
	// ReadHeader offset reads first n bytes of the table, they become prefix of the table buffer.
	ReadHeader(n int) ([]byte, error)
	TimeFormat() (codec.TimeFormat, error)
}

// Sizer resolves table byte length before the read.
type Sizer interface {
	Size(res Resolver) (int, error)
}

type SizerFunc func(res Resolver) (int, error)

func (f SizerFunc) Size(res Resolver) (int, error) {
	return f(res)
}

// CountFunc returns record count from already constructed dependency, usually via CountOf.
type CountFunc func() (int, error)

// FlagFunc returns a layout flag from dependency table, usually via FlagOf.
type FlagFunc func() (bool, error)

type Fixed int

func (f Fixed) Size(Resolver) (int, error) {
	return int(f), nil
}

// PerRecord is recordSize * count.
func PerRecord(recordSize int, count CountFunc) Sizer {
	return PerRecordPlus(0, recordSize, count)
}

// PerRecordPlus is header + recordSize * count.
func PerRecordPlus(header, recordSize int, count CountFunc) Sizer {
	return SizerFunc(func(Resolver) (int, error) {
		n, err := count()
		if err != nil {
			return 0, fmt.Errorf("%w: record count: %w", ErrSizeResolution, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("%w: negative record count %d", ErrSizeResolution, n)
		}
		return header + recordSize*n, nil
	})
}

// Flagged is set bytes long when flag holds, unset otherwise.
func Flagged(flag FlagFunc, set, unset int) Sizer {
	return SizerFunc(func(Resolver) (int, error) {
		f, err := flag()
		if err != nil {
			return 0, fmt.Errorf("%w: layout flag: %w", ErrSizeResolution, err)
		}
		if f {
			return set, nil
		}
		return unset, nil
	})
}

// ByVersion picks size once, at construction time.
func ByVersion(v Version, sizes VersionTable[int]) Sizer {
	return Fixed(sizes.Select(v))
}

// TimeFormatSized is for tables holding timestamps, their width follows TM_FORMAT.
func TimeFormatSized(f func(codec.TimeFormat) (int, error)) Sizer {
	return SizerFunc(func(res Resolver) (int, error) {
		tf, err := res.TimeFormat()
		if err != nil {
			return 0, fmt.Errorf("%w: time format: %w", ErrSizeResolution, err)
		}
		n, err := f(tf)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrSizeResolution, err)
		}
		return n, nil
	})
}

// SelfDescribing reads headerSize bytes first, lengthOf returns total table length from them.
// The body is then read from headerSize on, header is never read twice.
func SelfDescribing(headerSize int, lengthOf func(header []byte) (int, error)) Sizer {
	return SizerFunc(func(res Resolver) (int, error) {
		h, err := res.ReadHeader(headerSize)
		if err != nil {
			return 0, err
		}
		n, err := lengthOf(h)
		if err != nil {
			return 0, err
		}
		if n < headerSize || n > base.MaxOffset {
			return 0, fmt.Errorf("%w: header reports %d bytes", ErrIndeterminateLength, n)
		}
		return n, nil
	})
}

// U16Length is lengthOf for headers with big-endian body length at offset at, 0xFFFF means not present.
func U16Length(at int) func(header []byte) (int, error) {
	return func(header []byte) (int, error) {
		if len(header) < at+2 {
			return 0, fmt.Errorf("%w: header too short", ErrIndeterminateLength)
		}
		l := binary.BigEndian.Uint16(header[at:])
		if l == 0xFFFF {
			return 0, fmt.Errorf("%w: length sentinel 0xFFFF", ErrIndeterminateLength)
		}
		return len(header) + int(l), nil
	}
}

// CountOf borrows dep to read record count, dep is loaded on demand and never modified.
func CountOf[T any](dep *Table[T], f func(*T) int) CountFunc {
	return func() (int, error) {
		v, err := dep.Get()
		if err != nil {
			return 0, fmt.Errorf("dependency %s: %w", dep.def.label(), err)
		}
		return f(&v), nil
	}
}

// FlagOf borrows dep to read a layout flag.
func FlagOf[T any](dep *Table[T], f func(*T) bool) FlagFunc {
	return func() (bool, error) {
		v, err := dep.Get()
		if err != nil {
			return false, fmt.Errorf("dependency %s: %w", dep.def.label(), err)
		}
		return f(&v), nil
	}
}
