package table

import (
	"fmt"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/codec"
)

type call struct {
	op     string
	id     uint16
	offset uint32
	count  int
	data   []byte
}

// mockPort keeps tables in memory and records every request
type mockPort struct {
	tables    map[uint16][]byte
	calls     []call
	failures  map[string]base.ResponseCode // op -> code, applied to every matching call
	format    codec.TimeFormat
	formatErr error // returned by TimeFormat when set
	formats   int
	timeout   time.Duration
}

func newMockPort() *mockPort {
	return &mockPort{
		tables:   map[uint16][]byte{},
		failures: map[string]base.ResponseCode{},
		format:   codec.TimeFormatSeconds,
	}
}

func (m *mockPort) fail(op string) error {
	if code, ok := m.failures[op]; ok {
		return base.NewPsemError(base.ServiceFullRead, code)
	}
	return nil
}

func (m *mockPort) count(op string) int {
	n := 0
	for _, c := range m.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (m *mockPort) FullRead(id uint16) ([]byte, error) {
	m.calls = append(m.calls, call{op: opFullRead, id: id})
	if err := m.fail(opFullRead); err != nil {
		return nil, err
	}
	t, ok := m.tables[id]
	if !ok {
		return nil, base.NewPsemError(base.ServiceFullRead, base.ResponseInappropriateAction)
	}
	return append([]byte(nil), t...), nil
}

func (m *mockPort) OffsetRead(id uint16, offset uint32, count uint16) ([]byte, error) {
	m.calls = append(m.calls, call{op: opOffsetRead, id: id, offset: offset, count: int(count)})
	if err := m.fail(opOffsetRead); err != nil {
		return nil, err
	}
	t, ok := m.tables[id]
	if !ok || int(offset)+int(count) > len(t) {
		return nil, base.NewPsemError(base.ServiceOffsetRead, base.ResponseInappropriateAction)
	}
	return append([]byte(nil), t[offset:int(offset)+int(count)]...), nil
}

func (m *mockPort) FullWrite(id uint16, data []byte) error {
	m.calls = append(m.calls, call{op: opFullWrite, id: id, count: len(data), data: append([]byte(nil), data...)})
	if err := m.fail(opFullWrite); err != nil {
		return err
	}
	m.tables[id] = append([]byte(nil), data...)
	return nil
}

func (m *mockPort) OffsetWrite(id uint16, offset uint32, data []byte) error {
	m.calls = append(m.calls, call{op: opOffsetWrite, id: id, offset: offset, count: len(data), data: append([]byte(nil), data...)})
	if err := m.fail(opOffsetWrite); err != nil {
		return err
	}
	t, ok := m.tables[id]
	if !ok || int(offset)+len(data) > len(t) {
		return fmt.Errorf("mock: write outside of table %d", id)
	}
	copy(t[offset:], data)
	return nil
}

func (m *mockPort) TimeFormat() (codec.TimeFormat, error) {
	m.formats++
	if m.formatErr != nil {
		return codec.TimeFormatNone, m.formatErr
	}
	return m.format, nil
}

func (m *mockPort) ReferenceTime() time.Time {
	return codec.DefaultReferenceTime
}

func (m *mockPort) SetTimeout(t time.Duration) {
	m.timeout = t
}

// pair is a two field test layout, u16 + u16
type pair struct {
	A uint16
	B uint16
}

func decodePair(r *codec.Reader, v *pair) (err error) {
	if v.A, err = r.U16(); err != nil {
		return
	}
	v.B, err = r.U16()
	return
}

func encodePair(w *codec.Writer, v *pair) error {
	if err := w.U16(v.A); err != nil {
		return err
	}
	return w.U16(v.B)
}

// stamped is LTIME_DATE + u8
type stamped struct {
	At time.Time
	N  uint8
}

func decodeStamped(r *codec.Reader, v *stamped) (err error) {
	if v.At, err = r.LTime(); err != nil {
		return
	}
	v.N, err = r.U8()
	return
}

func encodeStamped(w *codec.Writer, v *stamped) error {
	if err := w.LTime(v.At); err != nil {
		return err
	}
	return w.U8(v.N)
}
