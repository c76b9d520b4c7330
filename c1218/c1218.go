// Package c1218 is the ANSI C12.18 data link: every PSEM request is sent as one or more packets
//
//	EE | identity | ctrl | seq | length(2) | data | crc(2)
//
// each acknowledged by a single ACK/NAK byte. Responses are reassembled from multi-packet
// transfers and handed to the upper layer as one message, Read returns io.EOF at its end.
package c1218

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"go.uber.org/zap"
)

const (
	DefaultPacketSize = 64 // until negotiated
	MaxPacketSize     = 8192
	DefaultRetries    = 3
	DefaultMaxPackets = 255

	maxBytesBeforeStart = 512
	maxAckGarbage       = 32
)

var ErrCRC = errors.New("packet crc mismatch")
var ErrNoAck = errors.New("packet not acknowledged")
var ErrSequence = errors.New("unexpected packet sequence")

type Settings struct {
	Identity   byte
	PacketSize int // whole packet, header and crc included
	Retries    int // retransmissions after NAK or timeout
	MaxPackets int // of one multi-packet message
}

func DefaultSettings() Settings {
	return Settings{
		Identity:   0,
		PacketSize: DefaultPacketSize,
		Retries:    DefaultRetries,
		MaxPackets: DefaultMaxPackets,
	}
}

// Link is a base.Stream, Write appends to the request, first Read sends it and receives the response.
type Link struct {
	transport  base.Stream
	logger     *zap.SugaredLogger
	identity   byte
	packetsize int
	retries    int
	maxpackets int
	isopen     bool

	txtoggle bool
	rxtoggle int // toggle of last accepted packet, -1 none yet
	state    int // 0 - idle, 1 - writing, 2 - reading
	tosend   []byte
	response []byte
	rcvbuf   [MaxPacketSize]byte
}

type packet struct {
	identity byte
	ctrl     byte
	seq      byte
	data     []byte
}

func New(transport base.Stream, settings *Settings) (*Link, error) {
	if settings.PacketSize == 0 {
		settings.PacketSize = DefaultPacketSize
	}
	if settings.PacketSize <= base.PacketHeaderLen+base.PacketCRCLen || settings.PacketSize > MaxPacketSize {
		return nil, fmt.Errorf("invalid packet size %d", settings.PacketSize)
	}
	if settings.Retries < 0 {
		return nil, fmt.Errorf("invalid retry count %d", settings.Retries)
	}
	if settings.MaxPackets <= 0 || settings.MaxPackets > 256 {
		settings.MaxPackets = DefaultMaxPackets
	}
	return &Link{
		transport:  transport,
		identity:   settings.Identity,
		packetsize: settings.PacketSize,
		retries:    settings.Retries,
		maxpackets: settings.MaxPackets,
		rxtoggle:   -1,
	}, nil
}

func (w *Link) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

func (w *Link) dlogf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Debugf(format, v...)
	}
}

func (w *Link) Open() error {
	if w.isopen {
		return nil
	}
	if err := w.transport.Open(); err != nil {
		return err
	}
	w.reset()
	w.isopen = true
	return nil
}

func (w *Link) reset() {
	w.txtoggle = false
	w.rxtoggle = -1
	w.state = 0
	w.tosend = w.tosend[:0]
	w.response = nil
}

func (w *Link) Close() error {
	if !w.isopen {
		return nil
	}
	w.isopen = false
	return w.transport.Close()
}

func (w *Link) Disconnect() error {
	w.isopen = false
	return w.transport.Disconnect()
}

func (w *Link) IsOpen() bool {
	return w.isopen
}

// SetPacketSize applies negotiated packet size, it is used from the next request on.
func (w *Link) SetPacketSize(n int) error {
	if n <= base.PacketHeaderLen+base.PacketCRCLen || n > MaxPacketSize {
		return fmt.Errorf("invalid packet size %d", n)
	}
	w.packetsize = n
	return nil
}

func (w *Link) PacketSize() int {
	return w.packetsize
}

// SetBaudRate switches negotiated speed in case the link runs over a serial stream, 8N1 is kept.
func (w *Link) SetBaudRate(rate int) error {
	s, ok := w.transport.(base.SerialStream)
	if !ok {
		w.dlogf("not a serial stream, ignoring baud rate %d", rate)
		return nil
	}
	w.logf("switching to %d baud", rate)
	return s.SetSpeed(rate, base.Serial8DataBits, base.SerialNoParity, base.SerialOneStopBit)
}

func (w *Link) SetMaxReceivedBytes(m int64) {
	w.transport.SetMaxReceivedBytes(m)
}

func (w *Link) SetDeadline(t time.Time) {
	w.transport.SetDeadline(t)
}

func (w *Link) SetTimeout(t time.Duration) {
	w.transport.SetTimeout(t)
}

func (w *Link) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
	w.transport.SetLogger(logger)
}

func (w *Link) GetRxTxBytes() (int64, int64) {
	return w.transport.GetRxTxBytes()
}

func (w *Link) Write(src []byte) error {
	if !w.isopen {
		return base.ErrNotOpened
	}
	if len(src) == 0 {
		return nil
	}
	if w.state != 1 {
		if len(w.response) > 0 {
			w.dlogf("dropping %d unread response bytes", len(w.response))
		}
		w.response = nil
		w.tosend = w.tosend[:0]
		w.state = 1
	}
	w.tosend = append(w.tosend, src...)
	return nil
}

func (w *Link) Read(p []byte) (n int, err error) {
	if !w.isopen {
		return 0, base.ErrNotOpened
	}
	if w.state == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	if w.state == 1 {
		w.state = 0 // whatever happens, request is gone
		if err = w.writeout(); err != nil {
			return 0, err
		}
		if w.response, err = w.receive(); err != nil {
			return 0, err
		}
		w.state = 2
	}
	if len(w.response) == 0 {
		w.state = 0
		return 0, io.EOF
	}
	n = copy(p, w.response)
	w.response = w.response[n:]
	return n, nil
}

func (w *Link) maxdata() int {
	return w.packetsize - base.PacketHeaderLen - base.PacketCRCLen
}

func encodepacket(dst []byte, p packet) []byte {
	dst = append(dst[:0], base.PacketStart, p.identity, p.ctrl, p.seq, byte(len(p.data)>>8), byte(len(p.data)))
	dst = append(dst, p.data...)
	crc := crc16(dst)
	return append(dst, byte(crc), byte(crc>>8))
}

func (w *Link) writeout() error {
	src := w.tosend
	md := w.maxdata()
	cnt := (len(src) + md - 1) / md
	if cnt > w.maxpackets {
		return fmt.Errorf("request of %d bytes needs %d packets, max is %d", len(src), cnt, w.maxpackets)
	}
	frame := make([]byte, 0, w.packetsize)
	for i := 0; i < cnt; i++ {
		l := min(len(src), md)
		p := packet{identity: w.identity, seq: 0, data: src[:l]}
		if cnt > 1 {
			p.ctrl = base.CtrlMultiPacket
			if i == 0 {
				p.ctrl |= base.CtrlFirstPacket
			}
			p.seq = byte(cnt - 1 - i)
		}
		if w.txtoggle {
			p.ctrl |= base.CtrlToggle
		}
		frame = encodepacket(frame, p)
		if err := w.sendpacket(frame); err != nil {
			return err
		}
		w.txtoggle = !w.txtoggle
		src = src[l:]
	}
	w.tosend = w.tosend[:0]
	return nil
}

// sendpacket writes frame until ACK, NAK and silence are retransmitted
func (w *Link) sendpacket(frame []byte) error {
	var last error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			w.logf("retransmitting packet, attempt %d: %v", attempt, last)
		}
		w.dlogf("%s", base.LogHex("TX", frame))
		if err := w.transport.Write(frame); err != nil {
			return err
		}
		ack, err := w.readack()
		switch {
		case err == nil && ack:
			return nil
		case err == nil:
			last = fmt.Errorf("NAK received")
		case errors.Is(err, base.ErrCommunicationTimeout):
			last = err
		default:
			return err
		}
	}
	return fmt.Errorf("%w after %d retransmissions: %w", ErrNoAck, w.retries, last)
}

func (w *Link) readack() (bool, error) {
	var b [1]byte
	for i := 0; i < maxAckGarbage; i++ {
		if _, err := io.ReadFull(w.transport, b[:]); err != nil {
			return false, err
		}
		switch b[0] {
		case base.PacketAck:
			return true, nil
		case base.PacketNak:
			return false, nil
		}
	}
	return false, fmt.Errorf("no ACK/NAK within %d bytes", maxAckGarbage)
}

func (w *Link) sendbyte(b byte) error {
	return w.transport.Write([]byte{b})
}

// receive reads one whole message, every good packet is acknowledged, bad ones NAKed
func (w *Link) receive() ([]byte, error) {
	var msg []byte
	expected := -1 // remaining packets of a multi-packet message
	bad := 0
	for {
		p, err := w.readpacket()
		if err != nil {
			if errors.Is(err, ErrCRC) && bad < w.retries {
				bad++
				w.logf("%v, sending NAK", err)
				if err = w.sendbyte(base.PacketNak); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if err = w.sendbyte(base.PacketAck); err != nil {
			return nil, err
		}
		toggle := 0
		if p.ctrl&base.CtrlToggle != 0 {
			toggle = 1
		}
		if toggle == w.rxtoggle {
			w.dlogf("duplicate packet (toggle %d) discarded", toggle)
			continue
		}
		w.rxtoggle = toggle
		if p.identity != w.identity {
			return nil, fmt.Errorf("packet of identity %d, expected %d", p.identity, w.identity)
		}

		if p.ctrl&base.CtrlMultiPacket == 0 {
			if expected >= 0 {
				return nil, fmt.Errorf("%w: single packet inside multi-packet message", ErrSequence)
			}
			return append(msg, p.data...), nil
		}
		if p.ctrl&base.CtrlFirstPacket != 0 {
			if expected >= 0 {
				return nil, fmt.Errorf("%w: first packet repeated", ErrSequence)
			}
			if int(p.seq)+1 > w.maxpackets {
				return nil, fmt.Errorf("%w: message of %d packets", ErrSequence, int(p.seq)+1)
			}
		} else if expected < 0 || int(p.seq) != expected {
			return nil, fmt.Errorf("%w: got seq %d, expected %d", ErrSequence, p.seq, expected)
		}
		msg = append(msg, p.data...)
		if p.seq == 0 {
			return msg, nil
		}
		expected = int(p.seq) - 1
	}
}

func (w *Link) readpacket() (p packet, err error) {
	b := w.rcvbuf[:]
	for cnt := 0; ; cnt++ {
		if cnt > maxBytesBeforeStart {
			return p, fmt.Errorf("no packet start within %d bytes", maxBytesBeforeStart)
		}
		if _, err = io.ReadFull(w.transport, b[:1]); err != nil {
			return
		}
		if b[0] == base.PacketStart {
			break
		}
	}
	if _, err = io.ReadFull(w.transport, b[1:base.PacketHeaderLen]); err != nil {
		return
	}
	l := int(b[4])<<8 | int(b[5])
	total := base.PacketHeaderLen + l + base.PacketCRCLen
	if total > len(b) {
		return p, fmt.Errorf("packet of %d data bytes too long", l)
	}
	if _, err = io.ReadFull(w.transport, b[base.PacketHeaderLen:total]); err != nil {
		return
	}
	w.dlogf("%s", base.LogHex("RX", b[:total]))
	crc := crc16(b[:total-base.PacketCRCLen])
	if crc != uint16(b[total-2])|uint16(b[total-1])<<8 {
		return p, fmt.Errorf("%w: computed %04x", ErrCRC, crc)
	}
	p.identity = b[1]
	p.ctrl = b[2]
	p.seq = b[3]
	p.data = b[base.PacketHeaderLen : total-base.PacketCRCLen]
	return p, nil
}
