// Package rfc2217 is a serial line reached through a telnet com port control server (RFC 2217),
// typically an optical probe or modem plugged into a terminal server.
package rfc2217

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"go.uber.org/zap"
)

const (
	optBinary  = 0
	optSGA     = 3
	optComPort = 44

	cmdSE   = 240
	cmdSB   = 250
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254
	cmdIAC  = 255

	// client to server com port commands, server answers with +100
	comSignature   = 0
	comBaudRate    = 1
	comDataSize    = 2
	comParity      = 3
	comStopSize    = 4
	comControl     = 5
	comPurge       = 12
	serverResponse = 100

	controlDTROn  = 8
	controlDTROff = 9
	controlRTSOn  = 11
	controlRTSOff = 12
	purgeBoth     = 3

	Signature = "libpsem-go"

	writeChunk     = 2048
	maxSubnegotion = 1024
)

var ErrRefused = errors.New("com port server refused mandatory telnet option")

type parserState int

const (
	stData parserState = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

type rfc2217Serial struct {
	transport base.Stream // usually tcp
	settings  base.SerialStreamSettings
	isopen    bool
	logger    *zap.SugaredLogger

	wbuf  []byte
	rx    []byte
	off   int
	end   int
	state parserState
	verb  byte
	sub   []byte

	// reported by the server
	baudrate   int
	databits   base.SerialDataBits
	parity     base.SerialParity
	stopbits   base.SerialStopBits
	linestate  byte
	modemstate byte
}

// New wraps t, settings are applied on every Open, zero fields mean 8N1 without flow control.
func New(t base.Stream, settings base.SerialStreamSettings) base.SerialStream {
	return &rfc2217Serial{
		transport: t,
		settings:  normalize(settings),
		wbuf:      make([]byte, 0, 256),
		rx:        make([]byte, 1024),
	}
}

func normalize(s base.SerialStreamSettings) base.SerialStreamSettings {
	d := base.DefaultC1218SerialSettings()
	if s.BaudRate == 0 {
		s.BaudRate = d.BaudRate
	}
	if s.DataBits == 0 {
		s.DataBits = d.DataBits
	}
	if s.Parity == 0 {
		s.Parity = d.Parity
	}
	if s.StopBits == 0 {
		s.StopBits = d.StopBits
	}
	if s.FlowControl == 0 {
		s.FlowControl = d.FlowControl
	}
	return s
}

func validate(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if baudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", baudRate)
	}
	if dataBits < base.Serial5DataBits || dataBits > base.Serial8DataBits {
		return fmt.Errorf("unsupported data bits %d", dataBits)
	}
	if parity < base.SerialNoParity || parity > base.SerialSpaceParity {
		return fmt.Errorf("unsupported parity %d", parity)
	}
	if stopBits < base.SerialOneStopBit || stopBits > base.SerialOneAndHalfStopBits {
		return fmt.Errorf("unsupported stop bits %d", stopBits)
	}
	return nil
}

func (r *rfc2217Serial) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *rfc2217Serial) dlogf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Debugf(format, v...)
	}
}

func (r *rfc2217Serial) Close() error {
	return nil // nothing to release on this layer, Disconnect drops the transport
}

func (r *rfc2217Serial) Disconnect() error {
	r.isopen = false
	return r.transport.Disconnect()
}

func (r *rfc2217Serial) IsOpen() bool {
	return r.isopen
}

func (r *rfc2217Serial) GetRxTxBytes() (int64, int64) {
	return r.transport.GetRxTxBytes()
}

func (r *rfc2217Serial) Open() error {
	if r.isopen {
		return nil
	}
	s := r.settings
	if err := validate(s.BaudRate, s.DataBits, s.Parity, s.StopBits); err != nil {
		return err
	}
	if err := r.transport.Open(); err != nil {
		return err
	}
	r.off, r.end = 0, 0
	r.state = stData

	r.logf("negotiating com port control, %d baud", s.BaudRate)
	b := append(r.wbuf[:0],
		cmdIAC, cmdWILL, optBinary, cmdIAC, cmdDO, optBinary,
		cmdIAC, cmdWILL, optSGA, cmdIAC, cmdDO, optSGA,
		cmdIAC, cmdWILL, optComPort)
	b = appendSignature(b)
	b = appendLine(b, s.BaudRate, s.DataBits, s.Parity, s.StopBits)
	b = appendCom(b, comControl, byte(s.FlowControl))
	b = appendCom(b, comPurge, purgeBoth)
	r.wbuf = b
	if err := r.transport.Write(b); err != nil {
		_ = r.transport.Disconnect()
		return err
	}
	r.isopen = true
	return nil
}

func appendCom(dst []byte, cmd byte, value ...byte) []byte {
	dst = append(dst, cmdIAC, cmdSB, optComPort, cmd)
	for _, b := range value {
		if b == cmdIAC {
			dst = append(dst, cmdIAC)
		}
		dst = append(dst, b)
	}
	return append(dst, cmdIAC, cmdSE)
}

func appendSignature(dst []byte) []byte {
	return appendCom(dst, comSignature, []byte(Signature)...)
}

func appendLine(dst []byte, baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) []byte {
	var rate [4]byte
	binary.BigEndian.PutUint32(rate[:], uint32(baudRate))
	dst = appendCom(dst, comBaudRate, rate[:]...)
	dst = appendCom(dst, comDataSize, byte(dataBits))
	dst = appendCom(dst, comParity, byte(parity))
	return appendCom(dst, comStopSize, byte(stopBits))
}

func (r *rfc2217Serial) send(b []byte) error {
	r.wbuf = b
	return r.transport.Write(b)
}

// Read returns line data only, telnet commands in between are consumed and answered.
func (r *rfc2217Serial) Read(p []byte) (int, error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	for {
		if r.off >= r.end {
			nn, err := r.transport.Read(r.rx)
			if err != nil {
				return 0, err
			}
			if nn == 0 {
				return 0, io.EOF
			}
			r.off, r.end = 0, nn
		}
		n := 0
		for r.off < r.end && n < len(p) {
			c := r.rx[r.off]
			r.off++
			data, err := r.feed(c)
			if err != nil {
				return n, err
			}
			if data {
				p[n] = c
				n++
			}
		}
		if n > 0 {
			return n, nil
		}
	}
}

// feed advances the telnet parser, true means c is line data
func (r *rfc2217Serial) feed(c byte) (bool, error) {
	switch r.state {
	case stData:
		if c == cmdIAC {
			r.state = stIAC
			return false, nil
		}
		return true, nil
	case stIAC:
		switch c {
		case cmdIAC:
			r.state = stData
			return true, nil
		case cmdWILL, cmdWONT, cmdDO, cmdDONT:
			r.verb = c
			r.state = stOption
		case cmdSB:
			r.sub = r.sub[:0]
			r.state = stSub
		default: // NOP, GA and friends
			r.state = stData
		}
	case stOption:
		r.state = stData
		return false, r.option(r.verb, c)
	case stSub:
		if c == cmdIAC {
			r.state = stSubIAC
			return false, nil
		}
		if len(r.sub) >= maxSubnegotion {
			return false, fmt.Errorf("subnegotiation longer than %d bytes", maxSubnegotion)
		}
		r.sub = append(r.sub, c)
	case stSubIAC:
		switch c {
		case cmdIAC:
			r.sub = append(r.sub, cmdIAC)
			r.state = stSub
		case cmdSE:
			r.state = stData
			return false, r.subnegotiation(r.sub)
		default:
			return false, fmt.Errorf("invalid command %02x inside subnegotiation", c)
		}
	}
	return false, nil
}

func mandatory(opt byte) bool {
	return opt == optBinary || opt == optSGA || opt == optComPort
}

func (r *rfc2217Serial) option(verb byte, opt byte) error {
	switch verb {
	case cmdDO:
		if !mandatory(opt) {
			r.dlogf("refusing DO %d", opt)
			return r.send([]byte{cmdIAC, cmdWONT, opt})
		}
	case cmdWILL:
		if !mandatory(opt) {
			r.dlogf("refusing WILL %d", opt)
			return r.send([]byte{cmdIAC, cmdDONT, opt})
		}
	case cmdWONT, cmdDONT:
		if opt == optBinary || opt == optComPort {
			r.logf("server refused option %d", opt)
			return fmt.Errorf("%w: %d", ErrRefused, opt)
		}
	}
	return nil
}

func (r *rfc2217Serial) subnegotiation(sub []byte) error {
	if len(sub) < 2 || sub[0] != optComPort {
		r.dlogf("ignoring subnegotiation % X", sub)
		return nil
	}
	cmd, val := sub[1], sub[2:]
	if cmd == comSignature && len(val) == 0 {
		return r.send(appendSignature(r.wbuf[:0]))
	}
	if cmd < serverResponse {
		r.dlogf("ignoring client command %d from server", cmd)
		return nil
	}
	cmd -= serverResponse
	if cmd >= comDataSize && cmd <= 7 && len(val) != 1 {
		return fmt.Errorf("invalid length %d of com port response %d", len(val), cmd)
	}
	switch cmd {
	case comSignature:
		r.logf("server signature: %q", strings.Trim(string(val), "\x00 \r\n\t"))
	case comBaudRate:
		if len(val) != 4 {
			return fmt.Errorf("invalid length %d of baud rate response", len(val))
		}
		r.baudrate = int(binary.BigEndian.Uint32(val))
		r.dlogf("server baud rate %d", r.baudrate)
	case comDataSize:
		r.databits = base.SerialDataBits(val[0])
	case comParity:
		r.parity = base.SerialParity(val[0])
	case comStopSize:
		r.stopbits = base.SerialStopBits(val[0])
	case comControl:
		r.dlogf("server control %d", val[0])
	case 6: // notify line state
		r.linestate = val[0]
	case 7: // notify modem state
		r.modemstate = val[0]
		r.dlogf("modem state %02x", r.modemstate)
	default:
		r.dlogf("com port response %d % X", cmd, val)
	}
	return nil
}

func (r *rfc2217Serial) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	b := r.wbuf[:0]
	for _, c := range src {
		if len(b) >= writeChunk {
			if err := r.send(b); err != nil {
				return err
			}
			b = r.wbuf[:0]
		}
		if c == cmdIAC {
			b = append(b, cmdIAC)
		}
		b = append(b, c)
	}
	if len(b) == 0 {
		return nil
	}
	return r.send(b)
}

func (r *rfc2217Serial) SetSpeed(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if err := validate(baudRate, dataBits, parity, stopBits); err != nil {
		return err
	}
	if err := r.send(appendLine(r.wbuf[:0], baudRate, dataBits, parity, stopBits)); err != nil {
		return err
	}
	r.settings.BaudRate = baudRate
	r.settings.DataBits = dataBits
	r.settings.Parity = parity
	r.settings.StopBits = stopBits
	r.logf("SetSpeed: %d,%v,%v,%v", baudRate, dataBits, parity, stopBits)
	return nil
}

func (r *rfc2217Serial) SetFlowControl(flowControl base.SerialFlowControl) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if flowControl < base.SerialNoFlowControl || flowControl > base.SerialHWFlowControl {
		return fmt.Errorf("unsupported flow control %d", flowControl)
	}
	if err := r.send(appendCom(r.wbuf[:0], comControl, byte(flowControl))); err != nil {
		return err
	}
	r.settings.FlowControl = flowControl
	return nil
}

func (r *rfc2217Serial) control(on bool, onValue, offValue byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	v := offValue
	if on {
		v = onValue
	}
	return r.send(appendCom(r.wbuf[:0], comControl, v))
}

func (r *rfc2217Serial) SetDTR(dtr bool) error {
	return r.control(dtr, controlDTROn, controlDTROff)
}

func (r *rfc2217Serial) SetRTS(rts bool) error {
	return r.control(rts, controlRTSOn, controlRTSOff)
}

func (r *rfc2217Serial) SetDeadline(t time.Time) {
	r.transport.SetDeadline(t)
}

func (r *rfc2217Serial) SetTimeout(t time.Duration) {
	r.transport.SetTimeout(t)
}

func (r *rfc2217Serial) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
	r.transport.SetLogger(logger)
}

func (r *rfc2217Serial) SetMaxReceivedBytes(m int64) {
	r.transport.SetMaxReceivedBytes(m)
}
