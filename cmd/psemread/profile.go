package main

// Session profile loading for psemread

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/c1218"
	"github.com/cybroslabs/libpsem-go/codec"
	"github.com/cybroslabs/libpsem-go/modem"
	"github.com/cybroslabs/libpsem-go/psem"
	"github.com/cybroslabs/libpsem-go/rfc2217"
	"github.com/cybroslabs/libpsem-go/serialport"
	"github.com/cybroslabs/libpsem-go/tcp"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

type ConnectionType string

const (
	ConnectionTCP     ConnectionType = "tcp"
	ConnectionSerial  ConnectionType = "serial"
	ConnectionRFC2217 ConnectionType = "rfc2217" // serial port of a terminal server
	ConnectionModem   ConnectionType = "modem"
)

// Connection is where the meter is reached
type Connection struct {
	Type      ConnectionType `yaml:"type"`
	Host      string         `yaml:"host,omitempty"`
	Port      int            `yaml:"port,omitempty"`
	Device    string         `yaml:"device,omitempty"`    // serial device, modem line unless host is set
	BaudRate  int            `yaml:"baud_rate,omitempty"` // initial speed, 9600 when empty
	Phone     string         `yaml:"phone,omitempty"`
	ModemInit []string       `yaml:"modem_init,omitempty"` // replaces default init commands
}

type Credentials struct {
	UserID      uint16 `yaml:"user_id"`
	User        string `yaml:"user"`
	Password    string `yaml:"password,omitempty"`
	PasswordHex string `yaml:"password_hex,omitempty"` // binary passwords
}

type LinkConfig struct {
	Identity   byte `yaml:"identity"`
	PacketSize int  `yaml:"packet_size,omitempty"`
	Retries    *int `yaml:"retries,omitempty"`
}

type NegotiateConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PacketSize uint16 `yaml:"packet_size,omitempty"`
	Packets    byte   `yaml:"packets,omitempty"`
	BaudRates  []int  `yaml:"baud_rates,omitempty"`
}

// Profile is one meter session configuration
type Profile struct {
	Connection     Connection      `yaml:"connection"`
	Credentials    Credentials     `yaml:"credentials"`
	Link           LinkConfig      `yaml:"link,omitempty"`
	Negotiate      NegotiateConfig `yaml:"negotiate,omitempty"`
	Timeout        time.Duration   `yaml:"timeout,omitempty"`         // per request
	SessionTimeout time.Duration   `yaml:"session_timeout,omitempty"` // whole session, zero is unlimited
	TimeFormat     *int            `yaml:"time_format,omitempty"`     // overrides ST0 TM_FORMAT
}

const (
	defaultTCPPort = 1153
	defaultTimeout = 5 * time.Second
)

// LoadProfile reads and validates a YAML profile
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.Connection.Type == ConnectionTCP && p.Connection.Port == 0 {
		p.Connection.Port = defaultTCPPort
	}
	if p.Connection.BaudRate == 0 {
		p.Connection.BaudRate = base.C1218DefaultBaudRate
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
	if p.Link.PacketSize == 0 {
		p.Link.PacketSize = c1218.DefaultPacketSize
	}
}

func (p *Profile) Validate() error {
	switch p.Connection.Type {
	case ConnectionTCP:
		if p.Connection.Host == "" {
			return fmt.Errorf("connection.host is required for tcp")
		}
	case ConnectionSerial:
		if p.Connection.Device == "" {
			return fmt.Errorf("connection.device is required for serial")
		}
	case ConnectionRFC2217:
		if p.Connection.Host == "" || p.Connection.Port == 0 {
			return fmt.Errorf("connection.host and connection.port are required for rfc2217")
		}
	case ConnectionModem:
		if p.Connection.Phone == "" {
			return fmt.Errorf("connection.phone is required for modem")
		}
		if (p.Connection.Device == "") == (p.Connection.Host == "") {
			return fmt.Errorf("modem line is either connection.device or connection.host (rfc2217)")
		}
		if p.Connection.Host != "" && p.Connection.Port == 0 {
			return fmt.Errorf("connection.port is required for modem behind rfc2217")
		}
	default:
		return fmt.Errorf("unknown connection.type %q (tcp, serial, rfc2217 or modem)", p.Connection.Type)
	}
	if p.Credentials.Password != "" && p.Credentials.PasswordHex != "" {
		return fmt.Errorf("credentials.password and credentials.password_hex are exclusive")
	}
	if _, err := p.password(); err != nil {
		return err
	}
	for _, b := range p.Negotiate.BaudRates {
		if _, ok := psem.BaudCode(b); !ok {
			return fmt.Errorf("negotiate.baud_rates: %d is not a C12.18 baud rate", b)
		}
	}
	if p.TimeFormat != nil {
		if _, err := codec.LTimeSize(codec.TimeFormat(*p.TimeFormat)); err != nil {
			return fmt.Errorf("time_format: %w", err)
		}
	}
	return nil
}

func (p *Profile) password() ([]byte, error) {
	if p.Credentials.PasswordHex != "" {
		b, err := hex.DecodeString(p.Credentials.PasswordHex)
		if err != nil {
			return nil, fmt.Errorf("credentials.password_hex: %w", err)
		}
		return b, nil
	}
	if p.Credentials.Password != "" {
		return []byte(p.Credentials.Password), nil
	}
	return nil, nil
}

func (p *Profile) serialSettings() base.SerialStreamSettings {
	s := base.DefaultC1218SerialSettings()
	s.BaudRate = p.Connection.BaudRate
	return s
}

func (p *Profile) serialLine() base.SerialStream {
	c := p.Connection
	if c.Type == ConnectionRFC2217 || (c.Type == ConnectionModem && c.Host != "") {
		return rfc2217.New(tcp.New(c.Host, c.Port, p.Timeout), p.serialSettings())
	}
	return serialport.New(c.Device, p.serialSettings(), p.Timeout)
}

// Stream builds the physical stream, nothing is opened yet
func (p *Profile) Stream() (base.Stream, error) {
	c := p.Connection
	switch c.Type {
	case ConnectionTCP:
		return tcp.New(c.Host, c.Port, p.Timeout), nil
	case ConnectionSerial, ConnectionRFC2217:
		return p.serialLine(), nil
	case ConnectionModem:
		ms := modem.DefaultSettings()
		if len(c.ModemInit) > 0 {
			ms.InitCommands = make([]modem.Command, 0, len(c.ModemInit))
			for _, cmd := range c.ModemInit {
				ms.InitCommands = append(ms.InitCommands, modem.Command{Command: cmd, OkAnswerRex: "^OK", BadAnswerRex: "^ERROR"})
			}
		}
		ms.DataTimeout = p.Timeout
		return modem.New(c.Phone, p.serialLine(), &ms), nil
	}
	return nil, fmt.Errorf("unknown connection type %q", c.Type)
}

func (p *Profile) LinkSettings() *c1218.Settings {
	s := c1218.DefaultSettings()
	s.Identity = p.Link.Identity
	s.PacketSize = p.Link.PacketSize
	if p.Link.Retries != nil {
		s.Retries = *p.Link.Retries
	}
	return &s
}

func (p *Profile) PsemSettings() (*psem.Settings, error) {
	pw, err := p.password()
	if err != nil {
		return nil, err
	}
	s, err := psem.NewSettings(p.Credentials.UserID, p.Credentials.User, pw)
	if err != nil {
		return nil, err
	}
	if p.Negotiate.Enabled {
		s.Negotiate = true
		s.PacketSize = p.Negotiate.PacketSize
		s.NbrPackets = p.Negotiate.Packets
		for _, b := range p.Negotiate.BaudRates {
			code, _ := psem.BaudCode(b)
			s.BaudRates = append(s.BaudRates, code)
		}
	}
	if p.TimeFormat != nil {
		s.TimeFormat = ptr.To(codec.TimeFormat(*p.TimeFormat))
	}
	return s, nil
}
