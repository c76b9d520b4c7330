// Package psem implements the ANSI C12.18/C12.21 Protocol Specification for Electric Metering
// service layer on top of a message oriented base.Stream (usually c1218.Link).
//
// Client implements table.Port so the table engine can read and write C12.19 tables through it.
//
// Basic usage:
//
//	st, _ := psem.NewSettings(2, "reader", []byte("secret"))
//	link, _ := c1218.New(serialport.New("/dev/ttyUSB0", base.DefaultC1218SerialSettings(), 5*time.Second), ptr.To(c1218.DefaultSettings()))
//	client := psem.New(link, st)
//	err := client.Open() // identify, negotiate, logon, security
//	data, err := client.FullRead(1)
//	err = client.Close() // logoff, terminate
package psem

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/codec"
	"github.com/cybroslabs/libpsem-go/table"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"
)

const (
	maxresponse      = 0xFFFF + 16
	initresponsesize = 256
)

// Client is one PSEM session to one meter.
type Client interface {
	table.Port

	Open() error
	Close() error
	Disconnect() error
	SetLogger(logger *zap.SugaredLogger)
	SetTimeout(t time.Duration)
	Wait(seconds byte) error
	Ident() Identification
	Negotiated() Negotiation
}

// Settings of one session, see NewSettings.
type Settings struct {
	UserID   *uint16 // nil is user id 0
	User     string  // max 10 chars, space padded
	Password []byte  // max 20 bytes, space padded, nil skips security service

	Negotiate  bool
	PacketSize uint16 // requested packet size, whole packet
	NbrPackets byte   // requested max packets of one message
	BaudRates  []byte // baud rate codes offered, first is preferred

	TimeFormat    *codec.TimeFormat // nil means read from general configuration table
	ReferenceTime time.Time         // zero means 1970-01-01 UTC

	ShowSecuredValues bool // log logon and security requests, debug purpose only !!!
}

// NewSettings creates settings for logon with user and optional password.
func NewSettings(userID uint16, user string, password []byte) (*Settings, error) {
	if len(user) > base.UserNameLength {
		return nil, fmt.Errorf("user name longer than %d characters", base.UserNameLength)
	}
	if len(password) > base.PasswordLength {
		return nil, fmt.Errorf("password longer than %d bytes", base.PasswordLength)
	}
	s := &Settings{
		UserID: ptr.To(userID),
		User:   user,
	}
	if password != nil {
		s.Password = bytes.Clone(password)
	}
	return s, nil
}

// Identification is what the meter answered to the ident service.
type Identification struct {
	Standard byte // 0 is C12.18, 1 C12.21
	Version  byte
	Revision byte
	Features []byte // raw feature list, terminator excluded
}

type Negotiation struct {
	PacketSize uint16
	NbrPackets byte
	BaudRate   byte // code
}

// optional capabilities of the stream below
type packetSizer interface {
	SetPacketSize(n int) error
}

type baudSetter interface {
	SetBaudRate(rate int) error
}

type psemtransport struct {
	isopen    bool
	transport base.Stream
}

func (dt *psemtransport) Read(p []byte) (n int, err error) {
	n, err = dt.transport.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		dt.isopen = false
	}
	return
}

func (dt *psemtransport) Write(src []byte) (err error) {
	err = dt.transport.Write(src)
	if err != nil {
		dt.isopen = false // forcibly close during malfunction
	}
	return
}

type client struct {
	transport *psemtransport
	logger    *zap.SugaredLogger
	settings  *Settings

	ident      Identification
	negotiated Negotiation
	timeformat *codec.TimeFormat
	reference  time.Time
	req        bytes.Buffer // reused for requests
}

// New creates the client, nothing is sent until Open.
func New(transport base.Stream, settings *Settings) Client {
	ref := settings.ReferenceTime
	if ref.IsZero() {
		ref = codec.DefaultReferenceTime
	}
	c := &client{
		transport: &psemtransport{transport: transport},
		settings:  settings,
		reference: ref,
	}
	if settings.TimeFormat != nil {
		c.timeformat = ptr.To(*settings.TimeFormat)
	}
	return c
}

func (c *client) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *client) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

func (c *client) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
	c.transport.transport.SetLogger(logger)
}

func (c *client) SetTimeout(t time.Duration) {
	c.transport.transport.SetTimeout(t)
}

func (c *client) Ident() Identification {
	return c.ident
}

func (c *client) Negotiated() Negotiation {
	return c.negotiated
}

func (c *client) ReferenceTime() time.Time {
	return c.reference
}

func (c *client) Open() error {
	if c.transport.isopen {
		return nil
	}
	if err := c.transport.transport.Open(); err != nil {
		return err
	}
	c.transport.isopen = true
	if err := c.identify(); err != nil {
		c.transport.isopen = false
		return fmt.Errorf("ident failed: %w", err)
	}
	if c.settings.Negotiate {
		if err := c.negotiate(); err != nil {
			c.transport.isopen = false
			return fmt.Errorf("negotiate failed: %w", err)
		}
	}
	if err := c.logon(); err != nil {
		c.transport.isopen = false
		return fmt.Errorf("logon failed: %w", err)
	}
	if c.settings.Password != nil {
		if err := c.security(); err != nil {
			_ = c.Close() // logon went through, leave the session cleanly
			return fmt.Errorf("security failed: %w", err)
		}
	}
	return nil
}

// Close logs off and terminates the session, lower layers are closed at all cost.
func (c *client) Close() error {
	if !c.transport.isopen {
		return c.transport.transport.Close()
	}
	var errs []error
	if _, err := c.simple(base.ServiceLogoff); err != nil {
		errs = append(errs, err)
	}
	if c.transport.isopen { // broken stream makes terminate pointless
		if _, err := c.simple(base.ServiceTerminate); err != nil {
			errs = append(errs, err)
		}
	}
	c.transport.isopen = false
	errs = append(errs, c.transport.transport.Close())
	return errors.Join(errs...)
}

func (c *client) Disconnect() error {
	c.transport.isopen = false
	return c.transport.transport.Disconnect()
}

// logstate suppresses lower layer logging while confidential content is on the wire
func (c *client) logstate(st bool) bool {
	if c.settings.ShowSecuredValues {
		return false
	}
	if st {
		c.transport.transport.SetLogger(c.logger)
	} else {
		c.logf("Temporarily suppressing logs due to packet with confidential content")
		c.transport.transport.SetLogger(nil)
	}
	return true
}

func (c *client) identify() error {
	r, err := c.simple(base.ServiceIdent)
	if err != nil {
		return err
	}
	var id Identification
	if id.Standard, err = r.U8(); err != nil {
		return err
	}
	if id.Version, err = r.U8(); err != nil {
		return err
	}
	if id.Revision, err = r.U8(); err != nil {
		return err
	}
	for r.Remaining() > 0 {
		f, _ := r.U8()
		if f == 0 {
			break
		}
		id.Features = append(id.Features, f)
	}
	c.ident = id
	c.logf("identified: standard %d, version %d.%d", id.Standard, id.Version, id.Revision)
	return nil
}

func (c *client) negotiate() error {
	s := c.settings
	if len(s.BaudRates) > 11 {
		return fmt.Errorf("too many baud rates offered: %d", len(s.BaudRates))
	}
	c.request(base.ServiceNegotiate + base.ServiceCode(len(s.BaudRates)))
	c.req.WriteByte(byte(s.PacketSize >> 8))
	c.req.WriteByte(byte(s.PacketSize))
	c.req.WriteByte(s.NbrPackets)
	c.req.Write(s.BaudRates)
	r, err := c.exchange(base.ServiceNegotiate)
	if err != nil {
		return err
	}
	var n Negotiation
	if n.PacketSize, err = r.U16(); err != nil {
		return err
	}
	if n.NbrPackets, err = r.U8(); err != nil {
		return err
	}
	if r.Remaining() > 0 {
		n.BaudRate, _ = r.U8()
	}
	c.negotiated = n
	c.logf("negotiated packet size %d, packets %d, baud code %d", n.PacketSize, n.NbrPackets, n.BaudRate)

	if ps, ok := c.transport.transport.(packetSizer); ok && n.PacketSize > 0 {
		if err = ps.SetPacketSize(int(n.PacketSize)); err != nil {
			return err
		}
	}
	if rate := BaudRate(n.BaudRate); rate > 0 {
		if bs, ok := c.transport.transport.(baudSetter); ok {
			if err = bs.SetBaudRate(rate); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *client) logon() error {
	c.request(base.ServiceLogon)
	uid := ptr.Deref(c.settings.UserID, 0)
	c.req.WriteByte(byte(uid >> 8))
	c.req.WriteByte(byte(uid))
	c.req.WriteString(padright(c.settings.User, base.UserNameLength))
	_, err := c.exchange(base.ServiceLogon)
	return err
}

func (c *client) security() error {
	c.request(base.ServiceSecurity)
	pw := make([]byte, base.PasswordLength)
	for i := range pw {
		pw[i] = ' '
	}
	copy(pw, c.settings.Password)
	c.req.Write(pw)
	if c.logstate(false) {
		c.dlogf("security request (password hidden)")
	}
	_, err := c.exchange(base.ServiceSecurity)
	c.logstate(true)
	return err
}

func (c *client) Wait(seconds byte) error {
	c.request(base.ServiceWait)
	c.req.WriteByte(seconds)
	_, err := c.exchange(base.ServiceWait)
	return err
}

func padright(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func (c *client) request(svc base.ServiceCode) {
	c.req.Reset()
	c.req.WriteByte(byte(svc))
}

func (c *client) simple(svc base.ServiceCode) (*codec.Reader, error) {
	c.request(svc)
	return c.exchange(svc)
}

// exchange sends prepared request and returns reader positioned after the ok response code
func (c *client) exchange(svc base.ServiceCode) (*codec.Reader, error) {
	if !c.transport.isopen {
		return nil, base.ErrNotOpened
	}
	if err := c.transport.Write(c.req.Bytes()); err != nil {
		return nil, err
	}
	resp, err := c.readout()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", svc, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%s: empty response", svc)
	}
	if code := base.ResponseCode(resp[0]); code != base.ResponseOk {
		return nil, base.NewPsemError(svc, code)
	}
	return codec.NewReader(resp[1:]), nil
}

func (c *client) readout() ([]byte, error) {
	total := 0
	ret := make([]byte, initresponsesize)
	for {
		if total == len(ret) {
			if total >= maxresponse {
				return nil, fmt.Errorf("response longer than %d bytes", maxresponse)
			}
			dt := make([]byte, min(len(ret)*2, maxresponse))
			copy(dt, ret)
			ret = dt
		}
		n, err := c.transport.Read(ret[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ret[:total], nil
			}
			return nil, err
		}
	}
}
