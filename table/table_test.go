package table

import (
	"errors"
	"testing"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPairTable(p *mockPort, write WriteStrategy) *Table[pair] {
	p.tables[Mfg(10)] = []byte{0x00, 0x01, 0x00, 0x02}
	return New(p, Definition{ID: Mfg(10), Size: Fixed(4), Write: write}, decodePair, encodePair)
}

func TestEnsureLoadedIsIdempotent(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	assert.Equal(t, Unloaded, tbl.State())

	require.NoError(t, tbl.EnsureLoaded())
	require.NoError(t, tbl.EnsureLoaded())
	v, err := tbl.Get()
	require.NoError(t, err)

	assert.Equal(t, pair{A: 1, B: 2}, v)
	assert.Equal(t, 1, p.count(opFullRead))
	assert.Len(t, p.calls, 1)
	assert.Equal(t, Loaded, tbl.State())
}

func TestFailedReadKeepsStateAndRetries(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	p.failures[opFullRead] = base.ResponseInsufficientSecurity

	_, err := tbl.Get()
	require.ErrorIs(t, err, ErrTransportFailure)
	code, ok := ResponseCode(err)
	require.True(t, ok)
	assert.Equal(t, base.ResponseInsufficientSecurity, code)
	assert.Equal(t, Unloaded, tbl.State())
	assert.Equal(t, -1, tbl.Len())

	// every access tries again and fails the same way
	_, err = tbl.Get()
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, 2, p.count(opFullRead))

	delete(p.failures, opFullRead)
	_, err = tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, Loaded, tbl.State())
}

func TestInvalidateRereads(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	require.NoError(t, tbl.EnsureLoaded())

	p.tables[Mfg(10)][1] = 9
	require.NoError(t, tbl.Invalidate())
	assert.Equal(t, Expired, tbl.State())

	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, uint16(9), v.A)
	assert.Equal(t, 2, p.count(opFullRead))
	assert.Equal(t, Loaded, tbl.State())
}

func TestExpiredReadFailureStaysExpired(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	require.NoError(t, tbl.EnsureLoaded())
	require.NoError(t, tbl.Invalidate())

	p.failures[opFullRead] = base.ResponseDeviceBusy
	require.Error(t, tbl.EnsureLoaded())
	assert.Equal(t, Expired, tbl.State())
}

func TestStateTransitionSequence(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)

	steps := []struct {
		name string
		do   func() error
		want State
	}{
		{"load", tbl.EnsureLoaded, Loaded},
		{"invalidate", tbl.Invalidate, Expired},
		{"reload", tbl.EnsureLoaded, Loaded},
		{"set", func() error { return tbl.Update(func(v *pair) error { v.B = 7; return nil }) }, Dirty},
		{"load while dirty", tbl.EnsureLoaded, Dirty},
		{"write back", tbl.WriteBack, Loaded},
		{"write back clean", tbl.WriteBack, Loaded},
		{"set again", func() error { return tbl.Update(func(v *pair) error { v.A = 3; return nil }) }, Dirty},
		{"discard", func() error { tbl.Discard(); return nil }, Expired},
		{"reload after discard", tbl.EnsureLoaded, Loaded},
	}
	for _, s := range steps {
		require.NoError(t, s.do(), s.name)
		assert.Equal(t, s.want, tbl.State(), s.name)
	}
	v, err := tbl.Get()
	require.NoError(t, err)
	// discarded A never reached the meter
	assert.Equal(t, pair{A: 1, B: 7}, v)
}

func TestInvalidateDoesNotLosePendingChanges(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)
	require.NoError(t, tbl.Update(func(v *pair) error { v.A = 0x55; return nil }))

	err := tbl.Invalidate()
	require.ErrorIs(t, err, ErrPendingChanges)
	assert.Equal(t, Dirty, tbl.State())
	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x55), v.A)
}

func TestUpdateWithoutChangeStaysLoaded(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)
	require.NoError(t, tbl.Update(func(v *pair) error { v.A = 1; return nil }))
	assert.Equal(t, Loaded, tbl.State())
	require.NoError(t, tbl.WriteBack())
	assert.Zero(t, p.count(opOffsetWrite))
}

func TestWriteBackSendsChangedSpanOnly(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)
	require.NoError(t, tbl.Update(func(v *pair) error { v.B = 0x0304; return nil }))
	require.NoError(t, tbl.WriteBack())

	require.Equal(t, 1, p.count(opOffsetWrite))
	last := p.calls[len(p.calls)-1]
	assert.Equal(t, uint32(2), last.offset)
	assert.Equal(t, []byte{0x03, 0x04}, last.data)
	assert.Equal(t, []byte{0x00, 0x01, 0x03, 0x04}, p.tables[Mfg(10)])
}

func TestWriteBackFullStrategy(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteFull)
	require.NoError(t, tbl.Update(func(v *pair) error { v.B = 0; return nil }))
	require.NoError(t, tbl.WriteBack())
	require.Equal(t, 1, p.count(opFullWrite))
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00}, p.calls[len(p.calls)-1].data)
}

func TestWriteBackFailureStaysDirty(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, WriteOffset)
	require.NoError(t, tbl.Update(func(v *pair) error { v.B = 5; return nil }))
	p.failures[opOffsetWrite] = base.ResponseDataLocked

	err := tbl.WriteBack()
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, Dirty, tbl.State())

	delete(p.failures, opOffsetWrite)
	require.NoError(t, tbl.WriteBack())
	assert.Equal(t, Loaded, tbl.State())
}

func TestReadOnlyRejectsWritesWithoutTransport(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)

	require.ErrorIs(t, tbl.Update(func(v *pair) error { return nil }), ErrOperationNotSupported)
	require.ErrorIs(t, tbl.WriteRange(0, []byte{1}), ErrOperationNotSupported)
	require.ErrorIs(t, tbl.WriteBack(), ErrOperationNotSupported)
	assert.Empty(t, p.calls)
	assert.Equal(t, Unloaded, tbl.State())
}

func TestReadRangeAlwaysReads(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	require.NoError(t, tbl.EnsureLoaded())

	p.tables[Mfg(10)][3] = 0x42
	for i := 0; i < 2; i++ {
		b, err := tbl.ReadRange(2, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x42}, b)
	}
	assert.Equal(t, 2, p.count(opOffsetRead))
	assert.Equal(t, Loaded, tbl.State())
	v, _ := tbl.Get()
	assert.Equal(t, uint16(0x42), v.B)
	assert.Equal(t, 1, p.count(opFullRead))
}

func TestReadRangeOnUnloadedTable(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	r, err := tbl.RangeReader(2, 2)
	require.NoError(t, err)
	b, err := r.U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), b)
	assert.Equal(t, Unloaded, tbl.State())
	assert.Zero(t, p.count(opFullRead))
}

func TestOffsetReadEquivalence(t *testing.T) {
	const L = 12
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	type three struct{ A, B, C uint32 }
	dec := func(r *codec.Reader, v *three) (err error) {
		if v.A, err = r.U32(); err != nil {
			return
		}
		if v.B, err = r.U32(); err != nil {
			return
		}
		v.C, err = r.U32()
		return
	}

	p := newMockPort()
	p.tables[Mfg(5)] = data
	full, err := New(p, Definition{ID: Mfg(5), Size: Fixed(L)}, dec, nil).Get()
	require.NoError(t, err)

	for k := 1; k < L; k++ {
		p := newMockPort()
		p.tables[Mfg(5)] = data
		tbl := New(p, Definition{ID: Mfg(5), Size: Fixed(L), Read: ReadOffset, MaxChunk: k}, dec, nil)
		v, err := tbl.Get()
		require.NoError(t, err)
		assert.Equal(t, full, v, "chunk %d", k)
		require.Equal(t, uint32(0), p.calls[0].offset)
		assert.Equal(t, k, p.calls[0].count)
		assert.Equal(t, uint32(k), p.calls[1].offset)
	}
}

func TestFallbackAttemptedOnce(t *testing.T) {
	p := newMockPort()
	tbl := newPairTable(p, ReadOnly)
	tbl.def.Read = ReadFullThenOffset
	p.failures[opFullRead] = base.ResponseServiceNotSupported

	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, pair{A: 1, B: 2}, v)
	assert.Equal(t, 1, p.count(opFullRead))
	assert.Equal(t, 1, p.count(opOffsetRead))

	// both fail, no loop
	p2 := newMockPort()
	tbl2 := newPairTable(p2, ReadOnly)
	tbl2.def.Read = ReadOffsetThenFull
	p2.failures[opFullRead] = base.ResponseError
	p2.failures[opOffsetRead] = base.ResponseError
	_, err = tbl2.Get()
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Len(t, p2.calls, 2)
	assert.Equal(t, Unloaded, tbl2.State())
}

func TestShortFullReadIsError(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(1)] = []byte{1, 2}
	tbl := NewRaw(p, Definition{ID: Mfg(1), Size: Fixed(4)})
	_, err := tbl.Get()
	require.ErrorIs(t, err, ErrLengthMismatch)
	require.ErrorIs(t, err, ErrTransportFailure)
}

func TestUnsizedTableTakesWholeResponse(t *testing.T) {
	p := newMockPort()
	p.tables[7] = []byte{1, 2, 3}
	b, err := NewRaw(p, Definition{ID: 7}).Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = NewRaw(p, Definition{ID: 7, Read: ReadOffset}).Get()
	require.ErrorIs(t, err, ErrIndeterminateLength)
}

func TestDecodeUnderrunIsNotRetriedAsTransport(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(2)] = []byte{0, 1, 0}
	tbl := New(p, Definition{ID: Mfg(2), Size: Fixed(3)}, decodePair, nil)
	_, err := tbl.Get()
	require.ErrorIs(t, err, codec.ErrBufferUnderrun)
	assert.False(t, errors.Is(err, ErrTransportFailure))
	assert.Equal(t, Unloaded, tbl.State())
}

func TestTimeoutIsApplied(t *testing.T) {
	p := newMockPort()
	p.tables[3] = []byte{1}
	tbl := NewRaw(p, Definition{ID: 3, Size: Fixed(1), Timeout: 1500 * time.Millisecond})
	require.NoError(t, tbl.EnsureLoaded())
	assert.Equal(t, 1500*time.Millisecond, p.timeout)
}

func TestEncodeOverrunIsReported(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(3)] = []byte{0, 1}
	tbl := New(p, Definition{ID: Mfg(3), Size: Fixed(2), Write: WriteOffset},
		func(r *codec.Reader, v *pair) (err error) { v.A, err = r.U16(); return },
		encodePair)
	err := tbl.Update(func(v *pair) error { v.A = 2; return nil })
	require.ErrorIs(t, err, codec.ErrBufferOverrun)
	assert.Equal(t, Loaded, tbl.State())
}

func newStampedTable(p *mockPort) *Table[stamped] {
	p.tables[Mfg(20)] = []byte{0x00, 0x00, 0x00, 0x3C, 0x07}
	return New(p, Definition{ID: Mfg(20), Size: Fixed(5), Write: WriteOffset}, decodeStamped, encodeStamped)
}

func TestTimeFormatFailureIsTransportFailure(t *testing.T) {
	p := newMockPort()
	tbl := newStampedTable(p)
	p.formatErr = base.NewPsemError(base.ServiceFullRead, base.ResponseDeviceBusy)

	_, err := tbl.Get()
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.NotErrorIs(t, err, codec.ErrUnsupportedTimeFormat)
	code, ok := ResponseCode(err)
	require.True(t, ok)
	assert.Equal(t, base.ResponseDeviceBusy, code)
	assert.Equal(t, Unloaded, tbl.State())

	p.formatErr = nil
	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, stamped{At: time.Unix(60, 0).UTC(), N: 7}, v)
	assert.Equal(t, Loaded, tbl.State())
}

func TestTimeFormatFailureOnUpdate(t *testing.T) {
	p := newMockPort()
	tbl := newStampedTable(p)
	require.NoError(t, tbl.EnsureLoaded())
	p.formatErr = base.NewPsemError(base.ServiceFullRead, base.ResponseInsufficientSecurity)

	err := tbl.Update(func(v *stamped) error { v.N = 9; return nil })
	require.ErrorIs(t, err, ErrTransportFailure)
	code, ok := ResponseCode(err)
	require.True(t, ok)
	assert.Equal(t, base.ResponseInsufficientSecurity, code)
	assert.Equal(t, Loaded, tbl.State())

	p.formatErr = nil
	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), v.N)
}

func TestTimeFormatFailureDuringSizeResolution(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(21)] = []byte{0, 0, 0, 0}
	p.formatErr = errors.New("link down")
	tbl := NewRaw(p, Definition{ID: Mfg(21), Size: TimeFormatSized(codec.LTimeSize)})

	_, err := tbl.Get()
	require.ErrorIs(t, err, ErrTransportFailure)
	require.ErrorIs(t, err, ErrSizeResolution)
	assert.Empty(t, p.calls)
}

func TestTimeFormatAskedOnlyForTimestamps(t *testing.T) {
	p := newMockPort()
	p.formatErr = errors.New("link down")
	tbl := newPairTable(p, WriteOffset)

	v, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, pair{A: 1, B: 2}, v)
	require.NoError(t, tbl.Update(func(v *pair) error { v.A = 5; return nil }))
	assert.Zero(t, p.formats)
}

func TestGetReturnsOwnedValue(t *testing.T) {
	p := newMockPort()
	p.tables[Mfg(11)] = []byte{1, 2, 3}
	tbl := NewRaw(p, Definition{ID: Mfg(11)})

	b, err := tbl.Get()
	require.NoError(t, err)
	b[0] = 0xFF

	again, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again)
	assert.Equal(t, Loaded, tbl.State())
	assert.Equal(t, 1, p.count(opFullRead))
}
