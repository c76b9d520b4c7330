package codec

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TimeFormat is TM_FORMAT from ST0 FORMAT_CONTROL_2.
type TimeFormat byte

const (
	TimeFormatNone    TimeFormat = 0 // no clock in the device
	TimeFormatBCD     TimeFormat = 1 // discrete BCD fields
	TimeFormatUint8   TimeFormat = 2 // discrete UINT8 fields
	TimeFormatMinutes TimeFormat = 3 // UINT32 minutes since 1970, LTIME adds UINT8 seconds
	TimeFormatSeconds TimeFormat = 4 // UINT32 minutes since 1970, LTIME is UINT32 seconds since 1970
)

// two digit years below the pivot are 20xx
const yearPivot = 70

// DefaultReferenceTime is used for default timestamps when the session did not provide anything better.
var DefaultReferenceTime = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

func (f TimeFormat) String() string {
	switch f {
	case TimeFormatNone:
		return "none"
	case TimeFormatBCD:
		return "bcd"
	case TimeFormatUint8:
		return "uint8"
	case TimeFormatMinutes:
		return "uint32-minutes"
	case TimeFormatSeconds:
		return "uint32-seconds"
	}
	return fmt.Sprintf("unknown-%d", byte(f))
}

// STimeSize is byte width of STIME_DATE.
func STimeSize(f TimeFormat) (int, error) {
	switch f {
	case TimeFormatBCD, TimeFormatUint8:
		return 5, nil
	case TimeFormatMinutes, TimeFormatSeconds:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedTimeFormat, f)
}

// LTimeSize is byte width of LTIME_DATE.
func LTimeSize(f TimeFormat) (int, error) {
	switch f {
	case TimeFormatBCD, TimeFormatUint8:
		return 6, nil
	case TimeFormatMinutes:
		return 5, nil
	case TimeFormatSeconds:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedTimeFormat, f)
}

// STime decodes STIME_DATE (minute resolution).
func (r *Reader) STime() (time.Time, error) {
	f, err := r.TimeFormat()
	if err != nil {
		return time.Time{}, err
	}
	switch f {
	case TimeFormatBCD, TimeFormatUint8:
		return r.discrete(false)
	case TimeFormatMinutes, TimeFormatSeconds:
		m, err := r.U32()
		if err != nil {
			return time.Time{}, err
		}
		if m == 0 {
			return r.reference, nil
		}
		return time.Unix(int64(m)*60, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnsupportedTimeFormat, f)
}

// LTime decodes LTIME_DATE (second resolution).
func (r *Reader) LTime() (time.Time, error) {
	f, err := r.TimeFormat()
	if err != nil {
		return time.Time{}, err
	}
	switch f {
	case TimeFormatBCD, TimeFormatUint8:
		return r.discrete(true)
	case TimeFormatMinutes:
		m, err := r.U32()
		if err != nil {
			return time.Time{}, err
		}
		s, err := r.U8()
		if err != nil {
			return time.Time{}, err
		}
		if m == 0 && s == 0 {
			return r.reference, nil
		}
		if s > 59 {
			return time.Time{}, fmt.Errorf("%w: seconds %d", ErrInvalidValue, s)
		}
		return time.Unix(int64(m)*60+int64(s), 0).UTC(), nil
	case TimeFormatSeconds:
		s, err := r.U32()
		if err != nil {
			return time.Time{}, err
		}
		if s == 0 {
			return r.reference, nil
		}
		return time.Unix(int64(s), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnsupportedTimeFormat, f)
}

func (r *Reader) discrete(seconds bool) (time.Time, error) {
	n := 5
	if seconds {
		n = 6
	}
	b, err := r.take(n)
	if err != nil {
		return time.Time{}, err
	}
	var f [6]byte
	for i := 0; i < n; i++ {
		if r.format == TimeFormatBCD {
			f[i], err = frombcd(b[i])
			if err != nil {
				return time.Time{}, err
			}
		} else {
			f[i] = b[i]
		}
	}
	if f[1] == 0 && f[2] == 0 { // month and day zero, default value
		return r.reference, nil
	}
	if f[0] > 99 || f[1] < 1 || f[1] > 12 || f[2] < 1 || f[2] > 31 || f[3] > 23 || f[4] > 59 || f[5] > 59 {
		return time.Time{}, fmt.Errorf("%w: date fields %v", ErrInvalidValue, f[:n])
	}
	y := 1900 + int(f[0])
	if f[0] < yearPivot {
		y += 100
	}
	return time.Date(y, time.Month(f[1]), int(f[2]), int(f[3]), int(f[4]), int(f[5]), 0, time.UTC), nil
}

// STime encodes STIME_DATE, zero time is encoded as the all zero default.
func (w *Writer) STime(t time.Time) error {
	f, err := w.TimeFormat()
	if err != nil {
		return err
	}
	switch f {
	case TimeFormatBCD, TimeFormatUint8:
		return w.discrete(t, false)
	case TimeFormatMinutes, TimeFormatSeconds:
		if t.IsZero() {
			return w.U32(0)
		}
		m, err := unixcounter(t.Unix() / 60)
		if err != nil {
			return err
		}
		return w.U32(m)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedTimeFormat, f)
}

// LTime encodes LTIME_DATE, zero time is encoded as the all zero default.
func (w *Writer) LTime(t time.Time) error {
	f, err := w.TimeFormat()
	if err != nil {
		return err
	}
	switch f {
	case TimeFormatBCD, TimeFormatUint8:
		return w.discrete(t, true)
	case TimeFormatMinutes:
		var m uint32
		var s byte
		if !t.IsZero() {
			if m, err = unixcounter(t.Unix() / 60); err != nil {
				return err
			}
			s = byte(t.Unix() % 60)
		}
		b, err := w.take(5)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(b, m)
		b[4] = s
		return nil
	case TimeFormatSeconds:
		if t.IsZero() {
			return w.U32(0)
		}
		s, err := unixcounter(t.Unix())
		if err != nil {
			return err
		}
		return w.U32(s)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedTimeFormat, f)
}

func unixcounter(v int64) (uint32, error) {
	if v < 0 || v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: time out of counter range", ErrInvalidValue)
	}
	return uint32(v), nil
}

func (w *Writer) discrete(t time.Time, seconds bool) error {
	n := 5
	if seconds {
		n = 6
	}
	var f [6]byte
	if !t.IsZero() {
		t = t.UTC()
		y := t.Year()
		if y < 1900+yearPivot || y >= 2000+yearPivot {
			return fmt.Errorf("%w: year %d out of two digit range", ErrInvalidValue, y)
		}
		f = [6]byte{byte(y % 100), byte(t.Month()), byte(t.Day()), byte(t.Hour()), byte(t.Minute()), byte(t.Second())}
	}
	b, err := w.take(n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if w.format == TimeFormatBCD {
			b[i] = tobcd(f[i])
		} else {
			b[i] = f[i]
		}
	}
	return nil
}
