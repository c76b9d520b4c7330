package table

import (
	"testing"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parentID = 2048

func newParent(p *mockPort) {
	b := make([]byte, 64)
	for i := range b {
		b[i] = byte(i)
	}
	p.tables[parentID] = b
}

func TestSubTableWriteTranslatesOffset(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, SubTable("display", parentID, 20, 8, WriteOffset))

	require.NoError(t, view.WriteRange(3, []byte{0xAA, 0xBB}))
	require.Len(t, p.calls, 1)
	assert.Equal(t, call{op: opOffsetWrite, id: parentID, offset: 23, count: 2, data: []byte{0xAA, 0xBB}}, p.calls[0])
	assert.Equal(t, byte(0xAA), p.tables[parentID][23])
}

func TestSubTableReadTranslatesOffset(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, SubTable("display", parentID, 20, 8, WriteOffset))

	b, err := view.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{20, 21, 22, 23, 24, 25, 26, 27}, b)
	assert.Equal(t, call{op: opOffsetRead, id: parentID, offset: 20, count: 8}, p.calls[0])

	r, err := view.ReadRange(6, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{26, 27}, r)
	assert.Equal(t, uint32(26), p.calls[1].offset)
}

func TestSubTableWriteBack(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, SubTable("demand", parentID, 40, 4, WriteOffset))
	require.NoError(t, view.Update(func(v *[]byte) error {
		(*v)[2] = 0
		return nil
	}))
	require.NoError(t, view.WriteBack())
	last := p.calls[len(p.calls)-1]
	assert.Equal(t, call{op: opOffsetWrite, id: parentID, offset: 42, count: 1, data: []byte{0}}, last)
}

func TestSubTableFullWriteStaysInsideView(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, SubTable("billing", parentID, 10, 4, WriteFull))
	require.NoError(t, view.Update(func(v *[]byte) error {
		(*v)[0] = 0xFF
		return nil
	}))
	require.NoError(t, view.WriteBack())
	assert.Zero(t, p.count(opFullWrite))
	last := p.calls[len(p.calls)-1]
	assert.Equal(t, uint32(10), last.offset)
	assert.Equal(t, []byte{0xFF, 11, 12, 13}, last.data)
	assert.Len(t, p.tables[parentID], 64)
}

func TestSubTableRejectsOutOfRange(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, SubTable("display", parentID, 20, 8, WriteOffset))
	require.NoError(t, view.EnsureLoaded())

	require.ErrorIs(t, view.WriteRange(7, []byte{1, 2}), ErrOutOfRange)
	_, err := view.ReadRange(-1, 1)
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Len(t, p.calls, 1)
}

func TestWriteRangeUpdatesCachedCopy(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)
	require.NoError(t, tbl.EnsureLoaded())
	require.NoError(t, tbl.WriteRange(0, []byte{0x10, 0x20}))
	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1020), v.A)
	assert.Equal(t, Loaded, tbl.State())
	assert.Equal(t, 1, p.count(opFullRead))
}

type event struct {
	kind  string
	delay time.Duration
}

func TestLoadSelectedOrder(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(72)] = []byte{0}
	p.tables[Mfg(73)] = []byte{1, 2, 3, 4}

	var events []event
	rec := NewRaw(p, Definition{ID: Mfg(73), Size: Fixed(4)})
	rec.SetSleep(func(d time.Duration) {
		events = append(events, event{"sleep", d})
		// meter fills the selected record while we wait
		p.tables[Mfg(73)] = []byte{5, 6, 7, 8}
	})
	const settle = 750 * time.Millisecond
	require.NoError(t, rec.LoadSelected(Selector{TableID: Mfg(72), Value: []byte{3}, Settle: settle}))

	require.Len(t, p.calls, 2)
	assert.Equal(t, opOffsetWrite, p.calls[0].op)
	assert.Equal(t, Mfg(72), p.calls[0].id)
	assert.Equal(t, []event{{"sleep", settle}}, events)
	assert.Equal(t, opFullRead, p.calls[1].op)
	assert.Equal(t, Mfg(73), p.calls[1].id)

	b, err := rec.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, b)
	assert.Equal(t, Loaded, rec.State())
	assert.Len(t, p.calls, 2)
}

func TestLoadSelectedFullWriteSelector(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(72)] = []byte{0, 0}
	p.tables[Mfg(73)] = []byte{1}
	rec := NewRaw(p, Definition{ID: Mfg(73), Size: Fixed(1)})
	slept := 0
	rec.SetSleep(func(time.Duration) { slept++ })
	require.NoError(t, rec.LoadSelected(Selector{TableID: Mfg(72), Full: true, Value: []byte{0, 9}}))
	assert.Equal(t, opFullWrite, p.calls[0].op)
	assert.Equal(t, 1, slept)
}

func TestLoadSelectedWriteFailureSkipsRead(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(72)] = []byte{0}
	p.tables[Mfg(73)] = []byte{1}
	p.failures[opOffsetWrite] = base.ResponseInsufficientSecurity
	rec := NewRaw(p, Definition{ID: Mfg(73), Size: Fixed(1)})
	slept := false
	rec.SetSleep(func(time.Duration) { slept = true })

	err := rec.LoadSelected(Selector{TableID: Mfg(72), Value: []byte{1}, Settle: time.Second})
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.False(t, slept)
	assert.Len(t, p.calls, 1)
	assert.Equal(t, Unloaded, rec.State())
}

func TestLoadSelectedRefusesDirty(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)
	require.NoError(t, tbl.Update(func(v *pair) error { v.B = 0; return nil }))
	n := len(p.calls)
	err := tbl.LoadSelected(Selector{TableID: Mfg(72), Value: []byte{1}})
	require.ErrorIs(t, err, ErrPendingChanges)
	assert.Len(t, p.calls, n)
}

func TestUnloadedSubTableStaysInsideView(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, SubTable("display", parentID, 20, 8, WriteOffset))

	require.ErrorIs(t, view.WriteRange(30, []byte{0xAA, 0xBB}), ErrOutOfRange)
	require.ErrorIs(t, view.WriteRange(7, []byte{0xAA, 0xBB}), ErrOutOfRange)
	_, err := view.ReadRange(10, 4)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = view.RangeReader(6, 3)
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Empty(t, p.calls)
	assert.Equal(t, byte(50), p.tables[parentID][50])
	assert.Equal(t, Unloaded, view.State())

	require.NoError(t, view.WriteRange(6, []byte{0xAA, 0xBB}))
	assert.Equal(t, call{op: opOffsetWrite, id: parentID, offset: 26, count: 2, data: []byte{0xAA, 0xBB}}, p.calls[0])
}

func TestUnloadedFixedTableRejectsOutOfRange(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)

	_, err := tbl.ReadRange(3, 2)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.ErrorIs(t, tbl.WriteRange(4, []byte{1}), ErrOutOfRange)
	assert.Empty(t, p.calls)
}

func TestSubTableSizedViewResolvesBeforeRange(t *testing.T) {
	p := newMockPort()
	newParent(p)
	view := NewRaw(p, Definition{
		ID:    parentID,
		Size:  PerRecord(2, func() (int, error) { return 3, nil }),
		Read:  ReadOffset,
		Write: WriteOffset,
		View:  &View{Parent: parentID, Offset: 40},
	})
	_, err := view.ReadRange(4, 4)
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Empty(t, p.calls)

	b, err := view.ReadRange(4, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{44, 45}, b)
}

func TestSubTablesKeepSeparateCaches(t *testing.T) {
	p := newMockPort()
	newParent(p)
	display := NewRaw(p, SubTable("display", parentID, 20, 8, WriteOffset))
	demand := NewRaw(p, SubTable("demand", parentID, 40, 4, WriteOffset))
	whole := NewRaw(p, Definition{ID: parentID, Size: Fixed(64), Write: WriteOffset})

	require.NoError(t, display.EnsureLoaded())
	assert.Equal(t, Loaded, display.State())
	assert.Equal(t, Unloaded, demand.State())
	assert.Equal(t, Unloaded, whole.State())
	assert.Len(t, p.calls, 1)

	require.NoError(t, demand.EnsureLoaded())
	require.NoError(t, whole.EnsureLoaded())
	require.Len(t, p.calls, 3)
	assert.Equal(t, call{op: opOffsetRead, id: parentID, offset: 40, count: 4}, p.calls[1])
	assert.Equal(t, call{op: opFullRead, id: parentID}, p.calls[2])

	require.NoError(t, display.Invalidate())
	assert.Equal(t, Expired, display.State())
	assert.Equal(t, Loaded, demand.State())
	assert.Equal(t, Loaded, whole.State())

	require.NoError(t, demand.Update(func(v *[]byte) error {
		(*v)[0] = 0xEE
		return nil
	}))
	assert.Equal(t, Dirty, demand.State())
	assert.Equal(t, Expired, display.State())
	assert.Equal(t, Loaded, whole.State())

	// whole table keeps its own copy of the bytes behind the dirty view
	b, err := whole.Get()
	require.NoError(t, err)
	assert.Equal(t, byte(40), b[40])
	assert.Len(t, p.calls, 3)

	_, err = display.Get()
	require.NoError(t, err)
	require.Len(t, p.calls, 4)
	assert.Equal(t, call{op: opOffsetRead, id: parentID, offset: 20, count: 8}, p.calls[3])
	assert.Equal(t, Dirty, demand.State())
}
