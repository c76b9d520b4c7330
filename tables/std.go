// Package tables declares the C12.19 tables this library knows by layout. Every table is a
// table.Definition plus a decoder (and an encoder when it can be written), the state machine
// and size resolution come from package table.
package tables

import (
	"fmt"
	"time"

	"github.com/cybroslabs/libpsem-go/codec"
	"github.com/cybroslabs/libpsem-go/table"
)

const (
	GeneralConfigID      uint16 = 0
	ManufacturerIdentID  uint16 = 1
	ModeStatusID         uint16 = 3
	DeviceIdentID        uint16 = 5
	ClockID              uint16 = 52
	generalConfigHeader         = 19
	manufacturerIdentLen        = 32
	deviceIdentLen              = 20
)

// GeneralConfig is ST0, it describes data formats and which tables the device implements.
type GeneralConfig struct {
	DataOrder         byte // 0 little endian, 1 big endian
	CharFormat        byte
	TimeFormat        codec.TimeFormat
	DataAccessMethod  byte
	IDForm            byte
	IntFormat         byte
	NIFormat1         byte
	NIFormat2         byte
	DeviceClass       string
	NameplateType     byte
	DefaultSetUsed    byte
	MaxProcParmLength byte
	MaxRespDataLen    byte
	StdVersion        byte
	StdRevision       byte
	DimStdTablesUsed  byte
	DimMfgTablesUsed  byte
	DimStdProcUsed    byte
	DimMfgProcUsed    byte
	DimMfgStatusUsed  byte
	NbrPending        byte
	StdTablesUsed     []byte
	MfgTablesUsed     []byte
	StdProcUsed       []byte
	MfgProcUsed       []byte
	StdTablesWrite    []byte
	MfgTablesWrite    []byte
}

func bitset(set []byte, n int) bool {
	if n < 0 || n/8 >= len(set) {
		return false
	}
	return set[n/8]&(1<<(n%8)) != 0
}

// TableUsed reports whether the device implements table id.
func (g *GeneralConfig) TableUsed(id uint16) bool {
	if id >= table.Mfg(0) {
		return bitset(g.MfgTablesUsed, int(id-table.Mfg(0)))
	}
	return bitset(g.StdTablesUsed, int(id))
}

// TableWritable reports whether table id accepts writes.
func (g *GeneralConfig) TableWritable(id uint16) bool {
	if id >= table.Mfg(0) {
		return bitset(g.MfgTablesWrite, int(id-table.Mfg(0)))
	}
	return bitset(g.StdTablesWrite, int(id))
}

// generalConfigLength derives ST0 length from the dimensions at the end of its fixed header.
func generalConfigLength(h []byte) (int, error) {
	if len(h) < generalConfigHeader {
		return 0, fmt.Errorf("%w: header too short", table.ErrIndeterminateLength)
	}
	tbls := int(h[13]) + int(h[14])
	procs := int(h[15]) + int(h[16])
	return generalConfigHeader + 2*tbls + procs, nil
}

func decodeGeneralConfig(r *codec.Reader, v *GeneralConfig) (err error) {
	var fc [3]byte
	for i := range fc {
		if fc[i], err = r.U8(); err != nil {
			return
		}
	}
	v.DataOrder = fc[0] & 0x01
	v.CharFormat = byte(codec.Bits(uint64(fc[0]), 1, 3))
	v.TimeFormat = codec.TimeFormat(codec.Bits(uint64(fc[1]), 0, 3))
	v.DataAccessMethod = byte(codec.Bits(uint64(fc[1]), 3, 2))
	v.IDForm = byte(codec.Bits(uint64(fc[1]), 5, 1))
	v.IntFormat = byte(codec.Bits(uint64(fc[1]), 6, 2))
	v.NIFormat1 = fc[2] & 0x0F
	v.NIFormat2 = fc[2] >> 4
	if v.DeviceClass, err = r.String(4); err != nil {
		return
	}
	for _, p := range []*byte{
		&v.NameplateType, &v.DefaultSetUsed, &v.MaxProcParmLength, &v.MaxRespDataLen,
		&v.StdVersion, &v.StdRevision,
		&v.DimStdTablesUsed, &v.DimMfgTablesUsed, &v.DimStdProcUsed, &v.DimMfgProcUsed,
		&v.DimMfgStatusUsed, &v.NbrPending,
	} {
		if *p, err = r.U8(); err != nil {
			return
		}
	}
	sets := []struct {
		dst *[]byte
		n   byte
	}{
		{&v.StdTablesUsed, v.DimStdTablesUsed},
		{&v.MfgTablesUsed, v.DimMfgTablesUsed},
		{&v.StdProcUsed, v.DimStdProcUsed},
		{&v.MfgProcUsed, v.DimMfgProcUsed},
		{&v.StdTablesWrite, v.DimStdTablesUsed},
		{&v.MfgTablesWrite, v.DimMfgTablesUsed},
	}
	for _, s := range sets {
		if *s.dst, err = r.Bytes(int(s.n)); err != nil {
			return
		}
	}
	return nil
}

func NewGeneralConfig(port table.Port) *table.Table[GeneralConfig] {
	return table.New(port, table.Definition{
		ID:   GeneralConfigID,
		Name: "ST0 general configuration",
		Size: table.SelfDescribing(generalConfigHeader, generalConfigLength),
		Read: table.ReadOffset,
	}, decodeGeneralConfig, nil)
}

// ManufacturerIdent is ST1.
type ManufacturerIdent struct {
	Manufacturer     string
	Model            string
	HardwareVersion  byte
	HardwareRevision byte
	FirmwareVersion  byte
	FirmwareRevision byte
	MfgSerialNumber  string
}

func decodeManufacturerIdent(r *codec.Reader, v *ManufacturerIdent) (err error) {
	if v.Manufacturer, err = r.String(4); err != nil {
		return
	}
	if v.Model, err = r.String(8); err != nil {
		return
	}
	for _, p := range []*byte{&v.HardwareVersion, &v.HardwareRevision, &v.FirmwareVersion, &v.FirmwareRevision} {
		if *p, err = r.U8(); err != nil {
			return
		}
	}
	v.MfgSerialNumber, err = r.String(16)
	return
}

func NewManufacturerIdent(port table.Port) *table.Table[ManufacturerIdent] {
	return table.New(port, table.Definition{
		ID:   ManufacturerIdentID,
		Name: "ST1 manufacturer identification",
		Size: table.Fixed(manufacturerIdentLen),
		Read: table.ReadFullThenOffset,
	}, decodeManufacturerIdent, nil)
}

// ModeStatus is ST3, ManufacturerStatus is DIM_MFG_STATUS_USED bytes long.
type ModeStatus struct {
	Metering           bool
	TestMode           bool
	MeterShopMode      bool
	StdStatus1         uint16
	StdStatus2         byte
	ManufacturerStatus []byte
}

// ST3 standard status 1 flags
const (
	StatusUnprogrammed       = 1 << 0
	StatusConfigurationError = 1 << 1
	StatusSelfCheckError     = 1 << 2
	StatusRAMFailure         = 1 << 3
	StatusROMFailure         = 1 << 4
	StatusNonvolMemFailure   = 1 << 5
	StatusClockError         = 1 << 6
	StatusMeasurementError   = 1 << 7
	StatusLowBattery         = 1 << 8
	StatusLowLossPotential   = 1 << 9
	StatusDemandOverload     = 1 << 10
	StatusPowerFailure       = 1 << 11
	StatusTamperDetect       = 1 << 12
	StatusReverseRotation    = 1 << 13
)

func decodeModeStatus(r *codec.Reader, v *ModeStatus) (err error) {
	var mode byte
	if mode, err = r.U8(); err != nil {
		return
	}
	v.Metering = mode&0x01 != 0
	v.TestMode = mode&0x02 != 0
	v.MeterShopMode = mode&0x04 != 0
	if v.StdStatus1, err = r.U16(); err != nil {
		return
	}
	if v.StdStatus2, err = r.U8(); err != nil {
		return
	}
	v.ManufacturerStatus, err = r.Bytes(r.Remaining())
	return
}

func NewModeStatus(port table.Port, gc *table.Table[GeneralConfig]) *table.Table[ModeStatus] {
	return table.New(port, table.Definition{
		ID:   ModeStatusID,
		Name: "ST3 end device mode and status",
		Size: table.PerRecordPlus(4, 1, table.CountOf(gc, func(g *GeneralConfig) int {
			return int(g.DimMfgStatusUsed)
		})),
		Read: table.ReadFullThenOffset,
	}, decodeModeStatus, nil)
}

func decodeDeviceIdent(r *codec.Reader, v *string) (err error) {
	*v, err = r.String(deviceIdentLen)
	return
}

func NewDeviceIdent(port table.Port) *table.Table[string] {
	return table.New(port, table.Definition{
		ID:   DeviceIdentID,
		Name: "ST5 device identification",
		Size: table.Fixed(deviceIdentLen),
	}, decodeDeviceIdent, nil)
}

// Clock is ST52.
type Clock struct {
	Time      time.Time
	DayOfWeek byte
	DST       bool
	GMT       bool
	TimeZone  bool
	DSTActive bool
}

func clockLength(f codec.TimeFormat) (int, error) {
	n, err := codec.LTimeSize(f)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func decodeClock(r *codec.Reader, v *Clock) (err error) {
	if v.Time, err = r.LTime(); err != nil {
		return
	}
	var q byte
	if q, err = r.U8(); err != nil {
		return
	}
	v.DayOfWeek = q & 0x07
	v.DST = q&0x08 != 0
	v.GMT = q&0x10 != 0
	v.TimeZone = q&0x20 != 0
	v.DSTActive = q&0x40 != 0
	return nil
}

func NewClock(port table.Port) *table.Table[Clock] {
	return table.New(port, table.Definition{
		ID:      ClockID,
		Name:    "ST52 clock",
		Size:    table.TimeFormatSized(clockLength),
		Timeout: 5 * time.Second,
	}, decodeClock, nil)
}
