package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cybroslabs/libpsem-go/c1218"
	"github.com/cybroslabs/libpsem-go/psem"
	"github.com/cybroslabs/libpsem-go/tables"
	"go.uber.org/zap"
)

type session struct {
	client psem.Client
	meter  *tables.Meter
	logger *zap.SugaredLogger
}

// openSession connects and logs on according to the profile
func openSession(p *Profile, logger *zap.SugaredLogger) (*session, error) {
	stream, err := p.Stream()
	if err != nil {
		return nil, err
	}
	stream.SetLogger(logger)
	link, err := c1218.New(stream, p.LinkSettings())
	if err != nil {
		return nil, err
	}
	settings, err := p.PsemSettings()
	if err != nil {
		return nil, err
	}
	client := psem.New(link, settings)
	client.SetLogger(logger)
	client.SetTimeout(p.Timeout)
	if p.SessionTimeout > 0 {
		link.SetDeadline(time.Now().Add(p.SessionTimeout))
	}
	if err := client.Open(); err != nil {
		_ = client.Disconnect()
		return nil, fmt.Errorf("open session: %w", err)
	}
	logger.Debugf("session open, ident %+v, negotiated %+v", client.Ident(), client.Negotiated())

	m := tables.NewMeter(client)
	m.SetLogger(logger)
	return &session{client: client, meter: m, logger: logger}, nil
}

func (s *session) close() error {
	err := s.client.Close()
	return errors.Join(err, s.client.Disconnect())
}

// withSession runs fn inside of an open session
func withSession(p *Profile, logger *zap.SugaredLogger, fn func(s *session) error) error {
	s, err := openSession(p, logger)
	if err != nil {
		return err
	}
	err = fn(s)
	if cerr := s.close(); cerr != nil {
		logger.Warnf("closing session: %v", cerr)
	}
	return err
}
