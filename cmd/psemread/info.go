package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newIdentCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ident",
		Short: "Print protocol and device identification",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, logger, err := root.load()
			if err != nil {
				return err
			}
			return withSession(p, logger, func(s *session) error {
				return runIdent(cmd.OutOrStdout(), s)
			})
		},
	}
}

func runIdent(w io.Writer, s *session) error {
	id := s.client.Ident()
	fmt.Fprintf(w, "protocol:     C12.18 standard %d version %d.%d\n", id.Standard, id.Version, id.Revision)
	n := s.client.Negotiated()
	if n.PacketSize > 0 {
		fmt.Fprintf(w, "negotiated:   packet %d, %d packets, baud code %d\n", n.PacketSize, n.NbrPackets, n.BaudRate)
	}
	mi, err := s.meter.ManufacturerIdent.Get()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "manufacturer: %s\n", mi.Manufacturer)
	fmt.Fprintf(w, "model:        %s\n", mi.Model)
	fmt.Fprintf(w, "hardware:     %d.%d\n", mi.HardwareVersion, mi.HardwareRevision)
	fmt.Fprintf(w, "serial:       %s\n", mi.MfgSerialNumber)
	if v, err := s.meter.Version(); err == nil {
		fmt.Fprintf(w, "firmware:     %v\n", v)
	} else {
		s.logger.Debugf("firmware build not available: %v", err)
		fmt.Fprintf(w, "firmware:     %d.%03d\n", mi.FirmwareVersion, mi.FirmwareRevision)
	}
	ident, err := s.meter.Identification()
	if err != nil {
		return err
	}
	if ident != "" {
		fmt.Fprintf(w, "device id:    %s\n", ident)
	}
	return nil
}

func newClockCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clock",
		Short: "Print meter time and its difference to local time",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, logger, err := root.load()
			if err != nil {
				return err
			}
			return withSession(p, logger, func(s *session) error {
				return runClock(cmd.OutOrStdout(), s, time.Now)
			})
		},
	}
}

func runClock(w io.Writer, s *session, now func() time.Time) error {
	t, err := s.meter.Now()
	if err != nil {
		return err
	}
	local := now()
	fmt.Fprintf(w, "meter: %s\n", t.Format(time.RFC3339))
	fmt.Fprintf(w, "local: %s\n", local.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "drift: %v\n", t.Sub(local).Round(time.Second))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "psemread version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", commit)
		},
	}
}
