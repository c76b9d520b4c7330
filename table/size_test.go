package table

import (
	"encoding/binary"
	"testing"

	"github.com/cybroslabs/libpsem-go/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dimension table holding record count in its first byte
func newDimension(p *mockPort, n byte) *Table[int] {
	p.tables[Mfg(53)] = []byte{n, 0}
	return New(p, Definition{ID: Mfg(53), Size: Fixed(2)}, func(r *codec.Reader, v *int) error {
		c, err := r.U8()
		*v = int(c)
		return err
	}, nil)
}

func TestDependentCountOffsetRead(t *testing.T) {
	p := newMockPort()
	dim := newDimension(p, 8)
	p.tables[Mfg(54)] = make([]byte, 96)
	clients := NewRaw(p, Definition{
		ID:   Mfg(54),
		Size: PerRecord(12, CountOf(dim, func(v *int) int { return *v })),
		Read: ReadOffset,
	})

	b, err := clients.Get()
	require.NoError(t, err)
	assert.Len(t, b, 96)
	require.Equal(t, 1, p.count(opOffsetRead))
	last := p.calls[len(p.calls)-1]
	assert.Equal(t, Mfg(54), last.id)
	assert.Equal(t, 96, last.count)
	assert.Equal(t, Loaded, dim.State())

	// dependency is borrowed, not read again
	require.NoError(t, clients.Invalidate())
	require.NoError(t, clients.EnsureLoaded())
	assert.Equal(t, 1, p.count(opFullRead))
}

func TestDependentCountFullRead(t *testing.T) {
	p := newMockPort()
	dim := newDimension(p, 8)
	// meter pads the table, only the dimensioned part is used
	p.tables[Mfg(54)] = make([]byte, 120)
	clients := NewRaw(p, Definition{
		ID:   Mfg(54),
		Size: PerRecord(12, CountOf(dim, func(v *int) int { return *v })),
	})
	b, err := clients.Get()
	require.NoError(t, err)
	assert.Len(t, b, 96)
}

func TestDependencyFailureIsSizeResolution(t *testing.T) {
	p := newMockPort()
	dim := New(p, Definition{ID: Mfg(53), Size: Fixed(2)}, func(r *codec.Reader, v *int) error { return nil }, nil)
	clients := NewRaw(p, Definition{ID: Mfg(54), Size: PerRecord(12, CountOf(dim, func(v *int) int { return *v }))})

	_, err := clients.Get()
	require.ErrorIs(t, err, ErrSizeResolution)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, Unloaded, clients.State())
	assert.Equal(t, 1, p.count(opFullRead), "only the dependency was requested")
}

func TestFlaggedSize(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(1)] = []byte{0x01}
	caps := New(p, Definition{ID: Mfg(1), Size: Fixed(1)}, func(r *codec.Reader, v *bool) error {
		b, err := r.U8()
		*v = codec.Bit(uint64(b), 0)
		return err
	}, nil)
	p.tables[Mfg(40)] = make([]byte, 24)
	inst := NewRaw(p, Definition{ID: Mfg(40), Size: Flagged(FlagOf(caps, func(v *bool) bool { return *v }), 24, 8)})
	b, err := inst.Get()
	require.NoError(t, err)
	assert.Len(t, b, 24)

	p.tables[Mfg(1)][0] = 0
	require.NoError(t, caps.Invalidate())
	require.NoError(t, inst.Invalidate())
	b, err = inst.Get()
	require.NoError(t, err)
	assert.Len(t, b, 8)
}

func TestSizeCycleIsDetected(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(20)] = make([]byte, 4)
	p.tables[Mfg(21)] = make([]byte, 4)
	var a, b *Table[[]byte]
	a = NewRaw(p, Definition{ID: Mfg(20), Size: PerRecord(1, func() (int, error) {
		v, err := b.Get()
		return len(v), err
	})})
	b = NewRaw(p, Definition{ID: Mfg(21), Size: PerRecord(1, func() (int, error) {
		v, err := a.Get()
		return len(v), err
	})})

	_, err := a.Get()
	require.ErrorIs(t, err, ErrSizeCycle)
	assert.Empty(t, p.calls)
	assert.Equal(t, Unloaded, a.State())
	assert.Equal(t, Unloaded, b.State())
}

func selfDescribingLog(body []byte, sentinel bool) []byte {
	h := make([]byte, 2)
	if sentinel {
		binary.BigEndian.PutUint16(h, 0xFFFF)
	} else {
		binary.BigEndian.PutUint16(h, uint16(len(body)))
	}
	return append(h, body...)
}

func TestSelfDescribingReadsHeaderOnce(t *testing.T) {
	body := []byte("power fail 2026-01-01")
	p := newMockPort()
	p.tables[Mfg(111)] = selfDescribingLog(body, false)
	log := NewRaw(p, Definition{ID: Mfg(111), Size: SelfDescribing(2, U16Length(0)), Read: ReadOffset})

	b, err := log.Get()
	require.NoError(t, err)
	assert.Equal(t, p.tables[Mfg(111)], b)
	require.Len(t, p.calls, 2)
	assert.Equal(t, call{op: opOffsetRead, id: Mfg(111), offset: 0, count: 2}, p.calls[0])
	assert.Equal(t, call{op: opOffsetRead, id: Mfg(111), offset: 2, count: len(body)}, p.calls[1])
}

func TestSelfDescribingEmptyBody(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(111)] = selfDescribingLog(nil, false)
	log := NewRaw(p, Definition{ID: Mfg(111), Size: SelfDescribing(2, U16Length(0))})
	b, err := log.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, b)
	assert.Len(t, p.calls, 1)
}

func TestSelfDescribingSentinel(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(111)] = selfDescribingLog(make([]byte, 4), true)
	log := NewRaw(p, Definition{ID: Mfg(111), Size: SelfDescribing(2, U16Length(0))})

	_, err := log.Get()
	require.ErrorIs(t, err, ErrIndeterminateLength)
	require.Len(t, p.calls, 1, "no body read after the sentinel")
	assert.Equal(t, 2, p.calls[0].count)
	assert.Equal(t, Unloaded, log.State())
}

func TestTimeFormatSized(t *testing.T) {
	p := newMockPort()
	p.tables[52] = make([]byte, 5)
	clock := NewRaw(p, Definition{ID: 52, Size: TimeFormatSized(func(f codec.TimeFormat) (int, error) {
		n, err := codec.LTimeSize(f)
		return n + 1, err
	})})
	b, err := clock.Get()
	require.NoError(t, err)
	assert.Len(t, b, 5)

	p.format = codec.TimeFormatNone
	require.NoError(t, clock.Invalidate())
	_, err = clock.Get()
	require.ErrorIs(t, err, ErrSizeResolution)
	require.ErrorIs(t, err, codec.ErrUnsupportedTimeFormat)
}

func TestZeroSizeTableDoesNoIO(t *testing.T) {
	p := newMockPort()
	tbl := NewRaw(p, Definition{ID: 9, Size: Fixed(0)})
	b, err := tbl.Get()
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.Empty(t, p.calls)
	assert.Equal(t, Loaded, tbl.State())
}
