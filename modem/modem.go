// Package modem dials a C12.21 telephone modem with Hayes AT commands and then behaves as a plain
// base.Stream carrying C12.18 packets to the remote meter.
package modem

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"go.uber.org/zap"
)

const (
	cr             = 0xD
	lf             = 0xA
	okRex          = `^OK(?:\s+.*)?$`
	errRex         = `^ERROR(?:\s+.*)?$`
	maxLineLength  = 1024
	maxResultLines = 128
	initAttempts   = 3
	hangupAttempts = 3
)

var (
	ErrBadAnswer     = errors.New("modem rejected command")
	ErrNoCarrier     = errors.New("no carrier")
	ErrNotResponding = errors.New("modem not responding")
)

type Command struct {
	Command      string
	OkAnswerRex  string
	BadAnswerRex string
}

type Settings struct {
	DialCommand         string
	HangUpCommand       string
	InitCommands        []Command
	Escape              string
	EscapePause         time.Duration
	DialTimeout         time.Duration
	ModemCommandTimeout time.Duration
	DataTimeout         time.Duration
	InitPause           time.Duration
	AfterConnectPause   time.Duration
	ConnectOk           string
	ConnectFailed       string
}

// DefaultSettings is tuned for analog modems in front of C12.21 meters, which answer slowly
// and need a settled line before the first identification packet.
func DefaultSettings() Settings {
	return Settings{
		DialCommand:   "ATDT",
		HangUpCommand: "ATH",
		InitCommands: []Command{
			{Command: "ATH", OkAnswerRex: okRex, BadAnswerRex: errRex},
			{Command: "AT&F", OkAnswerRex: okRex, BadAnswerRex: errRex},
			{Command: "ATE0", OkAnswerRex: okRex, BadAnswerRex: errRex},
			{Command: "ATV1", OkAnswerRex: okRex, BadAnswerRex: errRex},
		},
		Escape:              "+++",
		EscapePause:         1500 * time.Millisecond,
		DialTimeout:         90 * time.Second,
		ModemCommandTimeout: 2500 * time.Millisecond,
		DataTimeout:         30 * time.Second,
		InitPause:           1500 * time.Millisecond,
		ConnectOk:           `^CONNECT(?:\s+.*)?$`,
		ConnectFailed:       `^(?:NO CARRIER|NO ANSWER|NO DIALTONE|ERROR|BUSY)(?:\s+.*)?$`,
		AfterConnectPause:   2 * time.Second,
	}
}

type modem struct {
	transport   base.SerialStream
	isopen      bool
	isconnected bool
	number      string
	settings    Settings
	sleep       func(time.Duration)

	logger *zap.SugaredLogger
}

func New(number string, t base.SerialStream, settings *Settings) base.Stream {
	return &modem{
		number:    number,
		transport: t,
		settings:  *settings,
		sleep:     time.Sleep,
	}
}

func (m *modem) logf(format string, v ...any) {
	if m.logger != nil {
		m.logger.Infof(format, v...)
	}
}

// Close is a no-op, the call stays up until Disconnect.
func (m *modem) Close() error {
	return nil
}

func (m *modem) hangup() error {
	if !m.isconnected {
		return nil
	}
	m.isconnected = false

	// whatever happens, drop DTR at the end
	defer func() {
		if err := m.transport.SetDTR(false); err != nil {
			m.logf("error dropping DTR: %v", err)
		}
	}()

	m.logf("hanging up")
	m.sleep(m.settings.EscapePause)
	if err := m.transport.Write([]byte(m.settings.Escape)); err != nil {
		return err
	}
	m.sleep(m.settings.EscapePause)
	m.transport.SetTimeout(m.settings.ModemCommandTimeout)
	if _, err := m.readAnswer(Command{OkAnswerRex: okRex, BadAnswerRex: errRex}); err != nil {
		m.logf("no answer to escape (ignoring): %v", err)
	}
	var err error
	for range hangupAttempts {
		err = m.sendCommand(Command{Command: m.settings.HangUpCommand, OkAnswerRex: okRex, BadAnswerRex: errRex})
		if err == nil {
			return nil
		}
		m.logf("hang up failed (retrying): %v", err)
	}
	return fmt.Errorf("unable to hang up: %w", err)
}

func (m *modem) Disconnect() error {
	if !m.isopen {
		return nil
	}
	m.isopen = false
	return errors.Join(m.hangup(), m.transport.Disconnect())
}

func (m *modem) IsOpen() bool {
	return m.isconnected
}

func (m *modem) GetRxTxBytes() (int64, int64) {
	return m.transport.GetRxTxBytes()
}

func (m *modem) sendCommand(cmd Command) error {
	m.logf("send cmd: %s", cmd.Command)
	if err := m.transport.Write(append([]byte(cmd.Command), cr)); err != nil {
		return err
	}
	ok, err := m.readAnswer(cmd)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadAnswer, cmd.Command)
	}
	return nil
}

// readLine reads one CR LF framed result line, parity bit stripped.
func (m *modem) readLine() (string, error) {
	var b [2]byte
	var line []byte

	if _, err := io.ReadFull(m.transport, b[:]); err != nil {
		return "", err
	}
	if b[0]&0x7f != cr || b[1]&0x7f != lf {
		return "", fmt.Errorf("invalid line start")
	}
	for len(line) < maxLineLength {
		if _, err := io.ReadFull(m.transport, b[:1]); err != nil {
			return "", err
		}
		c := b[0] & 0x7f
		if c == lf {
			if len(line) == 0 || line[len(line)-1] != cr {
				return "", fmt.Errorf("no carriage return, invalid line")
			}
			return string(line[:len(line)-1]), nil
		}
		line = append(line, c)
	}
	return "", fmt.Errorf("line too long")
}

// readAnswer consumes result lines until one matches either expression.
func (m *modem) readAnswer(cmd Command) (bool, error) {
	okre, err := regexp.Compile(cmd.OkAnswerRex)
	if err != nil {
		return false, err
	}
	var badre *regexp.Regexp
	if len(cmd.BadAnswerRex) > 0 {
		if badre, err = regexp.Compile(cmd.BadAnswerRex); err != nil {
			return false, err
		}
	}
	for range maxResultLines {
		l, err := m.readLine()
		if err != nil {
			return false, err
		}
		m.logf("received line: %s", l)
		if okre.MatchString(l) {
			return true, nil
		}
		if badre != nil && badre.MatchString(l) {
			return false, nil
		}
	}
	return false, fmt.Errorf("too many lines received")
}

func (m *modem) wakeup() error {
	at := Command{Command: "AT", OkAnswerRex: "^OK$", BadAnswerRex: "^ERROR$"}
	for range initAttempts {
		if err := m.sendCommand(at); err == nil {
			return nil
		}
		m.sleep(m.settings.InitPause)
	}
	return ErrNotResponding
}

func (m *modem) Open() error {
	if m.isopen {
		return nil
	}
	if err := m.transport.Open(); err != nil {
		return err
	}
	m.isopen = true
	if err := m.dial(); err != nil {
		m.isopen = false
		_ = m.transport.SetDTR(false)
		return errors.Join(err, m.transport.Disconnect())
	}
	return nil
}

func (m *modem) dial() error {
	if err := m.transport.SetDTR(true); err != nil {
		return err
	}

	m.transport.SetTimeout(m.settings.ModemCommandTimeout)
	if err := m.wakeup(); err != nil {
		return err
	}
	for _, cmd := range m.settings.InitCommands {
		if err := m.sendCommand(cmd); err != nil {
			return err
		}
	}

	m.transport.SetTimeout(m.settings.DialTimeout)
	err := m.sendCommand(Command{
		Command:      m.settings.DialCommand + m.number,
		OkAnswerRex:  m.settings.ConnectOk,
		BadAnswerRex: m.settings.ConnectFailed,
	})
	if err != nil {
		m.logf("error dialing %s: %v", m.number, err)
		if errors.Is(err, ErrBadAnswer) {
			return fmt.Errorf("%w: %s", ErrNoCarrier, m.number)
		}
		return err
	}
	m.sleep(m.settings.AfterConnectPause)
	m.transport.SetTimeout(m.settings.DataTimeout)
	m.isconnected = true
	m.logf("connected to %s", m.number)
	return nil
}

func (m *modem) Read(p []byte) (n int, err error) {
	if !m.isconnected {
		return 0, base.ErrNotOpened
	}
	return m.transport.Read(p)
}

func (m *modem) Write(src []byte) error {
	if !m.isconnected {
		return base.ErrNotOpened
	}
	return m.transport.Write(src)
}

func (m *modem) SetTimeout(t time.Duration) {
	m.transport.SetTimeout(t)
}

func (m *modem) SetDeadline(t time.Time) {
	m.transport.SetDeadline(t)
}

func (m *modem) SetLogger(logger *zap.SugaredLogger) {
	m.logger = logger
	m.transport.SetLogger(logger)
}

func (m *modem) SetMaxReceivedBytes(n int64) {
	m.transport.SetMaxReceivedBytes(n)
}
