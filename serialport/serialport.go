// Package serialport is a base.SerialStream over a local serial device, usually an ANSI type 2
// optical probe or RS-232 line to the meter.
package serialport

import (
	"fmt"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

type serialPort struct {
	name     string
	settings base.SerialStreamSettings
	port     serial.Port
	isopen   bool
	timeout  time.Duration
	deadline time.Time
	logger   *zap.SugaredLogger

	totalincoming   int64
	totaloutgoing   int64
	currentincoming int64
	maxincoming     int64

	open func(name string, mode *serial.Mode) (serial.Port, error)
}

func New(name string, settings base.SerialStreamSettings, timeout time.Duration) base.SerialStream {
	return &serialPort{
		name:     name,
		settings: settings,
		timeout:  timeout,
		open:     serial.Open,
	}
}

func (r *serialPort) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func toMode(s base.SerialStreamSettings) (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: s.BaudRate, DataBits: int(s.DataBits)}
	switch s.Parity {
	case base.SerialNoParity, 0:
		m.Parity = serial.NoParity
	case base.SerialOddParity:
		m.Parity = serial.OddParity
	case base.SerialEvenParity:
		m.Parity = serial.EvenParity
	case base.SerialMarkParity:
		m.Parity = serial.MarkParity
	case base.SerialSpaceParity:
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid parity %v", s.Parity)
	}
	switch s.StopBits {
	case base.SerialOneStopBit, 0:
		m.StopBits = serial.OneStopBit
	case base.SerialOneAndHalfStopBits:
		m.StopBits = serial.OnePointFiveStopBits
	case base.SerialTwoStopBits:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %v", s.StopBits)
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	if m.DataBits < 5 || m.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d", m.DataBits)
	}
	if m.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", m.BaudRate)
	}
	return m, nil
}

func (r *serialPort) Open() error {
	if r.isopen {
		return nil
	}
	mode, err := toMode(r.settings)
	if err != nil {
		return err
	}
	p, err := r.open(r.name, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.name, err)
	}
	r.port = p
	r.isopen = true
	r.logf("Opened %s at %d baud", r.name, mode.BaudRate)
	return nil
}

func (r *serialPort) Close() error {
	return nil // same as tcp, Disconnect releases the device
}

func (r *serialPort) Disconnect() error {
	if !r.isopen {
		return nil
	}
	r.isopen = false
	err := r.port.Close()
	r.port = nil
	r.logf("Closed %s, total bytes incoming: %v, outgoing: %v", r.name, r.totalincoming, r.totaloutgoing)
	return err
}

func (r *serialPort) IsOpen() bool {
	return r.isopen
}

func (r *serialPort) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
}

func (r *serialPort) SetDeadline(t time.Time) {
	r.deadline = t
}

func (r *serialPort) SetTimeout(t time.Duration) {
	r.timeout = t
}

func (r *serialPort) SetMaxReceivedBytes(m int64) {
	r.currentincoming = 0
	r.maxincoming = m
}

func (r *serialPort) GetRxTxBytes() (int64, int64) {
	return r.totalincoming, r.totaloutgoing
}

func (r *serialPort) readtimeout() (time.Duration, error) {
	t := r.timeout
	if !r.deadline.IsZero() {
		left := time.Until(r.deadline)
		if left <= 0 {
			return 0, base.ErrCommunicationTimeout
		}
		if t <= 0 || left < t {
			t = left
		}
	}
	if t <= 0 {
		return serial.NoTimeout, nil
	}
	return t, nil
}

func (r *serialPort) Read(p []byte) (n int, err error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	t, err := r.readtimeout()
	if err != nil {
		return 0, err
	}
	if err = r.port.SetReadTimeout(t); err != nil {
		return 0, err
	}
	n, err = r.port.Read(p)
	if err != nil {
		return 0, err
	}
	if n == 0 { // timeout is reported as an empty read
		return 0, base.ErrCommunicationTimeout
	}
	r.totalincoming += int64(n)
	r.currentincoming += int64(n)
	if r.maxincoming > 0 && r.currentincoming > r.maxincoming {
		return 0, fmt.Errorf("received more than allowed")
	}
	if r.logger != nil {
		r.logger.Debugf("%s", base.LogHex("RX "+r.name, p[:n]))
	}
	return n, nil
}

func (r *serialPort) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	for len(src) > 0 {
		n, err := r.port.Write(src)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		r.totaloutgoing += int64(n)
		if r.logger != nil {
			r.logger.Debugf("%s", base.LogHex("TX "+r.name, src[:n]))
		}
		src = src[n:]
	}
	return nil
}

func (r *serialPort) SetSpeed(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	s := r.settings
	s.BaudRate = baudRate
	s.DataBits = dataBits
	s.Parity = parity
	s.StopBits = stopBits
	mode, err := toMode(s)
	if err != nil {
		return err
	}
	if err = r.port.Drain(); err != nil {
		return err
	}
	if err = r.port.SetMode(mode); err != nil {
		return err
	}
	r.settings = s
	r.logf("SetSpeed: %d,%v,%v,%v", baudRate, dataBits, parity, stopBits)
	return nil
}

func (r *serialPort) SetFlowControl(flowControl base.SerialFlowControl) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if flowControl != base.SerialNoFlowControl {
		r.logf("SetFlowControl: %v (ignoring, not supported by the driver)", flowControl)
	}
	r.settings.FlowControl = flowControl
	return nil
}

func (r *serialPort) SetDTR(dtr bool) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	return r.port.SetDTR(dtr)
}

func (r *serialPort) SetRTS(rts bool) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	return r.port.SetRTS(rts)
}
