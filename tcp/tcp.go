// Package tcp is a base.Stream over TCP, for meters behind terminal servers or serial to IP gateways.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"go.uber.org/zap"
)

type tcp struct {
	hostname        string
	port            int
	logger          *zap.SugaredLogger
	connected       bool
	timeout         time.Duration
	conn            net.Conn
	offset          int
	read            int
	buffer          []byte
	deadline        time.Time
	totalincoming   int64
	totaloutgoing   int64
	currentincoming int64
	maxincoming     int64
	dial            func(network, address string, timeout time.Duration) (net.Conn, error)
}

func New(hostname string, port int, timeout time.Duration) base.Stream {
	return &tcp{
		hostname: hostname,
		port:     port,
		timeout:  timeout,
		buffer:   make([]byte, 2048),
		dial:     net.DialTimeout,
	}
}

func (t *tcp) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

func (t *tcp) Close() error {
	return nil // there is no association on this layer, Disconnect drops the connection
}

func (t *tcp) Open() error {
	if t.connected {
		return nil
	}
	address := net.JoinHostPort(t.hostname, strconv.Itoa(t.port))
	conn, err := t.dial("tcp", address, t.timeout)
	if err != nil {
		t.logf("Connect to %s failed: %v", address, err)
		return fmt.Errorf("connect failed: %w", err)
	}
	t.logf("Connected to %s", address)
	t.conn = conn
	t.connected = true
	t.offset = 0
	t.read = 0
	return nil
}

func (t *tcp) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.logf("Disconnected from %s", t.hostname)
	t.logf("Total bytes incoming: %v, outgoing: %v", t.totalincoming, t.totaloutgoing)
	return nil
}

func (t *tcp) IsOpen() bool {
	return t.connected
}

func (t *tcp) SetMaxReceivedBytes(m int64) {
	t.currentincoming = 0
	t.maxincoming = m
}

func (t *tcp) SetDeadline(d time.Time) {
	t.deadline = d
}

func (t *tcp) SetTimeout(d time.Duration) {
	t.timeout = d
}

func (t *tcp) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

func (t *tcp) GetRxTxBytes() (int64, int64) {
	return t.totalincoming, t.totaloutgoing
}

// the earlier of per operation timeout and overall deadline
func (t *tcp) setcommdeadline() {
	cd := time.Now().Add(t.timeout)
	if !t.deadline.IsZero() && t.deadline.Before(cd) {
		cd = t.deadline
	}
	_ = t.conn.SetDeadline(cd)
}

func maptimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", base.ErrCommunicationTimeout, err)
	}
	return err
}

func (t *tcp) Write(src []byte) error {
	if !t.connected {
		return base.ErrNotConnected
	}
	for len(src) > 0 {
		t.setcommdeadline()
		n, err := t.conn.Write(src)
		if err != nil {
			return fmt.Errorf("write failed: %w", maptimeout(err))
		}
		t.totaloutgoing += int64(n)
		if t.logger != nil {
			t.logger.Debugf("%s", base.LogHex("TX "+t.hostname, src[:n]))
		}
		src = src[n:]
	}
	return nil
}

func (t *tcp) Read(p []byte) (n int, err error) {
	if !t.connected {
		return 0, base.ErrNotConnected
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	if rem := t.read - t.offset; rem > 0 { // having something unread in the buffer
		n = copy(p, t.buffer[t.offset:t.read])
		t.offset += n
		return
	}

	t.setcommdeadline()
	rx, err := t.conn.Read(t.buffer)
	t.totalincoming += int64(rx)
	t.currentincoming += int64(rx)
	if t.maxincoming > 0 && t.currentincoming > t.maxincoming {
		return 0, fmt.Errorf("received more than allowed")
	}
	if rx > 0 {
		t.read = rx
		n = copy(p, t.buffer[:rx])
		t.offset = n
		if t.logger != nil {
			t.logger.Debugf("%s", base.LogHex("RX "+t.hostname, t.buffer[:rx]))
		}
		return n, nil
	}
	if err != nil {
		return 0, maptimeout(err)
	}
	return 0, io.ErrUnexpectedEOF
}
