package rfc2217

import (
	"bytes"
	"testing"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipe serves scripted chunks to Read and collects everything written
type pipe struct {
	open   bool
	chunks [][]byte
	tx     bytes.Buffer
}

func (p *pipe) Close() error { return nil }
func (p *pipe) Open() error { p.open = true; return nil }
func (p *pipe) Disconnect() error { p.open = false; return nil }
func (p *pipe) IsOpen() bool { return p.open }
func (p *pipe) SetLogger(*zap.SugaredLogger) {}
func (p *pipe) SetDeadline(time.Time) {}
func (p *pipe) SetTimeout(time.Duration) {}
func (p *pipe) SetMaxReceivedBytes(int64) {}
func (p *pipe) GetRxTxBytes() (int64, int64) { return 0, int64(p.tx.Len()) }
func (p *pipe) Write(src []byte) error { p.tx.Write(src); return nil }
func (p *pipe) Read(b []byte) (n int, err error) {
	if len(p.chunks) == 0 {
		return 0, base.ErrCommunicationTimeout
	}
	n = copy(b, p.chunks[0])
	if n == len(p.chunks[0]) {
		p.chunks = p.chunks[1:]
	} else {
		p.chunks[0] = p.chunks[0][n:]
	}
	return n, nil
}

func opened(t *testing.T, chunks ...[]byte) (*rfc2217Serial, *pipe) {
	t.Helper()
	p := &pipe{}
	s := New(p, base.SerialStreamSettings{BaudRate: 9600}).(*rfc2217Serial)
	require.NoError(t, s.Open())
	p.tx.Reset()
	p.chunks = chunks
	return s, p
}

func TestOpenNegotiates(t *testing.T) {
	p := &pipe{}
	s := New(p, base.SerialStreamSettings{})
	require.NoError(t, s.Open())
	assert.True(t, s.IsOpen())

	tx := p.tx.Bytes()
	assert.True(t, bytes.Contains(tx, []byte{cmdIAC, cmdWILL, optComPort}))
	assert.True(t, bytes.Contains(tx, []byte{cmdIAC, cmdSB, optComPort, comBaudRate, 0x00, 0x00, 0x25, 0x80, cmdIAC, cmdSE}))
	assert.True(t, bytes.Contains(tx, []byte{cmdIAC, cmdSB, optComPort, comDataSize, 8, cmdIAC, cmdSE}))
	assert.True(t, bytes.Contains(tx, []byte{cmdIAC, cmdSB, optComPort, comParity, byte(base.SerialNoParity), cmdIAC, cmdSE}))
	assert.True(t, bytes.Contains(tx, []byte(Signature)))

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsOpen())
	assert.False(t, p.open)
}

func TestOpenRejectsBadSettings(t *testing.T) {
	p := &pipe{}
	s := New(p, base.SerialStreamSettings{BaudRate: 9600, DataBits: 9})
	assert.Error(t, s.Open())
	assert.False(t, p.open)
}

func TestWriteEscapesIAC(t *testing.T) {
	s, p := opened(t)
	require.NoError(t, s.Write([]byte{0xEE, 0xFF, 0x01}))
	assert.Equal(t, []byte{0xEE, 0xFF, 0xFF, 0x01}, p.tx.Bytes())
}

func TestReadFiltersCommands(t *testing.T) {
	s, _ := opened(t,
		[]byte{0xEE, cmdIAC, cmdIAC, 0x01, cmdIAC, cmdSB, optComPort, serverResponse + comBaudRate, 0x00},
		[]byte{0x00, 0x25, 0x80, cmdIAC, cmdSE, 0x02},
	)
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEE, 0xFF, 0x01}, buf[:n])

	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, buf[:n])
	assert.Equal(t, 9600, s.baudrate)

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, base.ErrCommunicationTimeout)
}

func TestReadSmallBuffer(t *testing.T) {
	s, _ := opened(t, []byte{1, 2, 3})
	var b [2]byte
	n, err := s.Read(b[:])
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b[:n])
	n, err = s.Read(b[:])
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, b[:n])
}

func TestOptionHandling(t *testing.T) {
	s, p := opened(t, []byte{cmdIAC, cmdDO, 24, cmdIAC, cmdWILL, 1, cmdIAC, cmdDO, optComPort, 0x42})
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, buf[:n])
	assert.Equal(t, []byte{cmdIAC, cmdWONT, 24, cmdIAC, cmdDONT, 1}, p.tx.Bytes())
}

func TestRefusedComPort(t *testing.T) {
	s, _ := opened(t, []byte{cmdIAC, cmdWONT, optComPort})
	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrRefused)
}

func TestSignatureRequest(t *testing.T) {
	s, p := opened(t, []byte{cmdIAC, cmdSB, optComPort, comSignature, cmdIAC, cmdSE, 0x10})
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, appendSignature(nil), p.tx.Bytes())
}

func TestLineControl(t *testing.T) {
	s, p := opened(t)
	require.NoError(t, s.SetDTR(true))
	assert.Equal(t, []byte{cmdIAC, cmdSB, optComPort, comControl, controlDTROn, cmdIAC, cmdSE}, p.tx.Bytes())
	p.tx.Reset()
	require.NoError(t, s.SetRTS(false))
	assert.Equal(t, []byte{cmdIAC, cmdSB, optComPort, comControl, controlRTSOff, cmdIAC, cmdSE}, p.tx.Bytes())
	p.tx.Reset()
	require.NoError(t, s.SetFlowControl(base.SerialHWFlowControl))
	assert.Equal(t, []byte{cmdIAC, cmdSB, optComPort, comControl, byte(base.SerialHWFlowControl), cmdIAC, cmdSE}, p.tx.Bytes())
	assert.Error(t, s.SetFlowControl(7))
}

func TestSetSpeed(t *testing.T) {
	s, p := opened(t)
	require.NoError(t, s.SetSpeed(19200, base.Serial7DataBits, base.SerialEvenParity, base.SerialOneStopBit))
	assert.True(t, bytes.Contains(p.tx.Bytes(), []byte{comBaudRate, 0x00, 0x00, 0x4B, 0x00}))
	assert.True(t, bytes.Contains(p.tx.Bytes(), []byte{comDataSize, 7}))
	assert.Equal(t, 19200, s.settings.BaudRate)

	assert.Error(t, s.SetSpeed(9600, base.Serial8DataBits, 0, base.SerialOneStopBit))
	assert.Equal(t, 19200, s.settings.BaudRate)
}

func TestNotOpened(t *testing.T) {
	s := New(&pipe{}, base.SerialStreamSettings{})
	assert.ErrorIs(t, s.Write([]byte{1}), base.ErrNotOpened)
	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, base.ErrNotOpened)
	assert.ErrorIs(t, s.SetDTR(true), base.ErrNotOpened)
}
