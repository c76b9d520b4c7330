package tables

import (
	"fmt"
	"time"

	"github.com/cybroslabs/libpsem-go/codec"
	"github.com/cybroslabs/libpsem-go/table"
)

var (
	DeviceConfigID   = table.Mfg(0)
	CapabilitiesID   = table.Mfg(1)
	InstantaneousID  = table.Mfg(40)
	HanDimensionID   = table.Mfg(53)
	HanClientsID     = table.Mfg(54)
	MetrologyID      = table.Mfg(60)
	SelfReadSelectID = table.Mfg(72)
	SelfReadDataID   = table.Mfg(73)
	CommLogID        = table.Mfg(111)
)

const (
	deviceConfigLen     = 64
	displayConfigOffset = 0
	displayConfigLen    = 16
	demandConfigOffset  = 16
	demandConfigLen     = 8
	billingOffset       = 24
	billingLen          = 40

	maxDisplayItems = displayConfigLen - 2
	maxBillingDates = billingLen / 2

	capabilitiesLen   = 8
	phaseRecordLen    = 12
	hanDimensionLen   = 4
	hanClientLen      = 12
	commLogHeaderLen  = 4
	selfReadRegisters = 4

	// device fills MFG73 after the selector write, shorter pauses return the previous record
	SelfReadSettle = 750 * time.Millisecond
)

// NewDeviceConfig is MFG0, parent of the writable configuration views below.
func NewDeviceConfig(port table.Port) *table.Table[[]byte] {
	return table.NewRaw(port, table.Definition{
		ID:   DeviceConfigID,
		Name: "MFG0 device configuration",
		Size: table.Fixed(deviceConfigLen),
	})
}

type DisplayConfig struct {
	ScrollSeconds uint8
	Items         []uint8
}

func decodeDisplayConfig(r *codec.Reader, v *DisplayConfig) (err error) {
	if v.ScrollSeconds, err = r.U8(); err != nil {
		return
	}
	var n uint8
	if n, err = r.U8(); err != nil {
		return
	}
	if int(n) > maxDisplayItems {
		return fmt.Errorf("%w: %d display items", codec.ErrInvalidValue, n)
	}
	v.Items, err = r.Bytes(int(n))
	return
}

func encodeDisplayConfig(w *codec.Writer, v *DisplayConfig) error {
	if len(v.Items) > maxDisplayItems {
		return fmt.Errorf("%w: %d display items, at most %d", codec.ErrInvalidValue, len(v.Items), maxDisplayItems)
	}
	if err := w.U8(v.ScrollSeconds); err != nil {
		return err
	}
	if err := w.U8(uint8(len(v.Items))); err != nil {
		return err
	}
	if err := w.Bytes(v.Items); err != nil {
		return err
	}
	return w.Bytes(make([]byte, maxDisplayItems-len(v.Items)))
}

func NewDisplayConfig(port table.Port) *table.Table[DisplayConfig] {
	return table.New(port,
		table.SubTable("MFG0 display configuration", DeviceConfigID, displayConfigOffset, displayConfigLen, table.WriteOffset),
		decodeDisplayConfig, encodeDisplayConfig)
}

type DemandConfig struct {
	IntervalMinutes  uint8
	Subintervals     uint8
	OutageExclusion  time.Duration // seconds on the wire
	ColdLoadPickup   time.Duration // seconds on the wire
	TestModeInterval uint8
}

func decodeDemandConfig(r *codec.Reader, v *DemandConfig) (err error) {
	if v.IntervalMinutes, err = r.U8(); err != nil {
		return
	}
	if v.Subintervals, err = r.U8(); err != nil {
		return
	}
	var s uint16
	if s, err = r.U16(); err != nil {
		return
	}
	v.OutageExclusion = time.Duration(s) * time.Second
	if s, err = r.U16(); err != nil {
		return
	}
	v.ColdLoadPickup = time.Duration(s) * time.Second
	v.TestModeInterval, err = r.U8()
	return
}

func seconds16(d time.Duration) (uint16, error) {
	s := d / time.Second
	if s < 0 || s > 0xFFFF {
		return 0, fmt.Errorf("%w: %v does not fit 16 bit seconds", codec.ErrInvalidValue, d)
	}
	return uint16(s), nil
}

// encodeDemandConfig leaves the reserved last byte untouched.
func encodeDemandConfig(w *codec.Writer, v *DemandConfig) error {
	if v.Subintervals == 0 || v.IntervalMinutes%v.Subintervals != 0 {
		return fmt.Errorf("%w: interval %d is not a multiple of %d subintervals", codec.ErrInvalidValue, v.IntervalMinutes, v.Subintervals)
	}
	oe, err := seconds16(v.OutageExclusion)
	if err != nil {
		return err
	}
	clp, err := seconds16(v.ColdLoadPickup)
	if err != nil {
		return err
	}
	if err = w.U8(v.IntervalMinutes); err != nil {
		return err
	}
	if err = w.U8(v.Subintervals); err != nil {
		return err
	}
	if err = w.U16(oe); err != nil {
		return err
	}
	if err = w.U16(clp); err != nil {
		return err
	}
	return w.U8(v.TestModeInterval)
}

func NewDemandConfig(port table.Port) *table.Table[DemandConfig] {
	return table.New(port,
		table.SubTable("MFG0 demand configuration", DeviceConfigID, demandConfigOffset, demandConfigLen, table.WriteOffset),
		decodeDemandConfig, encodeDemandConfig)
}

type BillingDate struct {
	Month time.Month
	Day   uint8
}

// BillingSchedule holds up to 20 billing dates, first zero month ends the list.
type BillingSchedule struct {
	Dates []BillingDate
}

func decodeBillingSchedule(r *codec.Reader, v *BillingSchedule) error {
	v.Dates = nil
	for range maxBillingDates {
		m, err := r.U8()
		if err != nil {
			return err
		}
		d, err := r.U8()
		if err != nil {
			return err
		}
		if m == 0 {
			break
		}
		v.Dates = append(v.Dates, BillingDate{Month: time.Month(m), Day: d})
	}
	return nil
}

func encodeBillingSchedule(w *codec.Writer, v *BillingSchedule) error {
	if len(v.Dates) > maxBillingDates {
		return fmt.Errorf("%w: %d billing dates, at most %d", codec.ErrInvalidValue, len(v.Dates), maxBillingDates)
	}
	for _, d := range v.Dates {
		if d.Month < time.January || d.Month > time.December || d.Day < 1 || d.Day > 31 {
			return fmt.Errorf("%w: billing date %v %d", codec.ErrInvalidValue, d.Month, d.Day)
		}
		if err := w.U8(uint8(d.Month)); err != nil {
			return err
		}
		if err := w.U8(d.Day); err != nil {
			return err
		}
	}
	return w.Bytes(make([]byte, 2*(maxBillingDates-len(v.Dates))))
}

func NewBillingSchedule(port table.Port) *table.Table[BillingSchedule] {
	return table.New(port,
		table.SubTable("MFG0 billing schedule", DeviceConfigID, billingOffset, billingLen, table.WriteOffset),
		decodeBillingSchedule, encodeBillingSchedule)
}

// Capabilities is MFG1.
type Capabilities struct {
	Polyphase     bool
	HAN           bool
	SelfRead      bool
	Disconnect    bool
	Phases        uint8
	FirmwareBuild uint16
	MaxSelfReads  uint8
}

func decodeCapabilities(r *codec.Reader, v *Capabilities) (err error) {
	var f uint8
	if f, err = r.U8(); err != nil {
		return
	}
	v.Polyphase = codec.Bit(uint64(f), 0)
	v.HAN = codec.Bit(uint64(f), 1)
	v.SelfRead = codec.Bit(uint64(f), 2)
	v.Disconnect = codec.Bit(uint64(f), 3)
	if v.Phases, err = r.U8(); err != nil {
		return
	}
	if v.FirmwareBuild, err = r.U16(); err != nil {
		return
	}
	v.MaxSelfReads, err = r.U8()
	return
}

func NewCapabilities(port table.Port) *table.Table[Capabilities] {
	return table.New(port, table.Definition{
		ID:   CapabilitiesID,
		Name: "MFG1 device capabilities",
		Size: table.Fixed(capabilitiesLen),
	}, decodeCapabilities, nil)
}

type PhaseValues struct {
	MilliVolts uint32
	MilliAmps  uint32
	Watts      int32
}

// Instantaneous is MFG40, one phase record on single phase meters, three on polyphase.
type Instantaneous struct {
	Phases     []PhaseValues
	FrequencyC uint16 // centihertz
}

func decodeInstantaneous(r *codec.Reader, v *Instantaneous) error {
	n := max(r.Remaining()-2, 0) / phaseRecordLen
	v.Phases = make([]PhaseValues, n)
	for i := range v.Phases {
		p := &v.Phases[i]
		var err error
		if p.MilliVolts, err = r.U32(); err != nil {
			return err
		}
		if p.MilliAmps, err = r.U32(); err != nil {
			return err
		}
		if p.Watts, err = r.I32(); err != nil {
			return err
		}
	}
	var err error
	v.FrequencyC, err = r.U16()
	return err
}

func NewInstantaneous(port table.Port, caps *table.Table[Capabilities]) *table.Table[Instantaneous] {
	return table.New(port, table.Definition{
		ID:   InstantaneousID,
		Name: "MFG40 instantaneous values",
		Size: table.Flagged(table.FlagOf(caps, func(c *Capabilities) bool { return c.Polyphase }),
			3*phaseRecordLen+2, phaseRecordLen+2),
		Read: table.ReadOffsetThenFull,
	}, decodeInstantaneous, nil)
}

type HanDimension struct {
	Clients    uint8
	MaxClients uint8
}

func decodeHanDimension(r *codec.Reader, v *HanDimension) (err error) {
	if v.Clients, err = r.U8(); err != nil {
		return
	}
	v.MaxClients, err = r.U8()
	return
}

func NewHanDimension(port table.Port) *table.Table[HanDimension] {
	return table.New(port, table.Definition{
		ID:   HanDimensionID,
		Name: "MFG53 HAN dimension",
		Size: table.Fixed(hanDimensionLen),
	}, decodeHanDimension, nil)
}

type HanClient struct {
	MAC          uint64
	Status       uint8
	DeviceType   uint8
	ShortAddress uint16
}

func (c HanClient) String() string {
	return fmt.Sprintf("%016X/%04X", c.MAC, c.ShortAddress)
}

func decodeHanClients(r *codec.Reader, v *[]HanClient) error {
	*v = make([]HanClient, r.Remaining()/hanClientLen)
	for i := range *v {
		c := &(*v)[i]
		var err error
		if c.MAC, err = r.U64(); err != nil {
			return err
		}
		if c.Status, err = r.U8(); err != nil {
			return err
		}
		if c.DeviceType, err = r.U8(); err != nil {
			return err
		}
		if c.ShortAddress, err = r.U16(); err != nil {
			return err
		}
	}
	return nil
}

func NewHanClients(port table.Port, dim *table.Table[HanDimension]) *table.Table[[]HanClient] {
	return table.New(port, table.Definition{
		ID:       HanClientsID,
		Name:     "MFG54 HAN clients",
		Size:     table.PerRecord(hanClientLen, table.CountOf(dim, func(d *HanDimension) int { return int(d.Clients) })),
		Read:     table.ReadOffset,
		MaxChunk: 10 * hanClientLen,
	}, decodeHanClients, nil)
}

// MetrologyConfig is MFG60, later firmware appends fields at the end.
type MetrologyConfig struct {
	MeterForm        uint8
	ServiceType      uint8
	Kh               uint32 // milli Wh per revolution
	CTRatio          uint16
	VTRatio          uint16
	PulseWeight      uint32
	LossCompensation int32 // ppm, firmware 3 and later
	ReactiveMode     uint8 // firmware 3 and later
	SagThreshold     uint16
	SwellThreshold   uint16 // both in tenths of percent, firmware 4.005 build 6 and later
}

var metrologySizes = table.NewVersionTable(16,
	table.VersionRule[int]{Floor: table.NewVersion(3, 0, 0), Layout: 24},
	table.VersionRule[int]{Floor: table.NewVersion(4, 5, 6), Layout: 28},
)

func decodeMetrologyConfig(r *codec.Reader, v *MetrologyConfig) (err error) {
	if v.MeterForm, err = r.U8(); err != nil {
		return
	}
	if v.ServiceType, err = r.U8(); err != nil {
		return
	}
	if v.Kh, err = r.U32(); err != nil {
		return
	}
	if v.CTRatio, err = r.U16(); err != nil {
		return
	}
	if v.VTRatio, err = r.U16(); err != nil {
		return
	}
	if v.PulseWeight, err = r.U32(); err != nil {
		return
	}
	if err = r.Skip(2); err != nil {
		return
	}
	if r.Remaining() == 0 {
		return nil
	}
	if v.LossCompensation, err = r.I32(); err != nil {
		return
	}
	if v.ReactiveMode, err = r.U8(); err != nil {
		return
	}
	if err = r.Skip(3); err != nil {
		return
	}
	if r.Remaining() == 0 {
		return nil
	}
	if v.SagThreshold, err = r.U16(); err != nil {
		return
	}
	v.SwellThreshold, err = r.U16()
	return
}

// NewMetrologyConfig sizes the table for firmware v, which has to be known before construction.
func NewMetrologyConfig(port table.Port, v table.Version) *table.Table[MetrologyConfig] {
	return table.New(port, table.Definition{
		ID:   MetrologyID,
		Name: "MFG60 metrology configuration",
		Size: table.ByVersion(v, metrologySizes),
	}, decodeMetrologyConfig, nil)
}

type CommEvent struct {
	Code   uint8
	Port   uint8
	Result uint8
	Time   time.Time
}

// CommLog is MFG111. Devices without communication logging report 0xFFFF length.
type CommLog struct {
	LastSequence uint16
	Events       []CommEvent
}

func decodeCommLog(r *codec.Reader, v *CommLog) (err error) {
	if v.LastSequence, err = r.U16(); err != nil {
		return
	}
	if err = r.Skip(2); err != nil {
		return
	}
	v.Events = nil
	for r.Remaining() > 0 {
		var e CommEvent
		if e.Code, err = r.U8(); err != nil {
			return
		}
		if e.Port, err = r.U8(); err != nil {
			return
		}
		if e.Result, err = r.U8(); err != nil {
			return
		}
		if e.Time, err = r.STime(); err != nil {
			return
		}
		v.Events = append(v.Events, e)
	}
	return nil
}

func NewCommLog(port table.Port) *table.Table[CommLog] {
	return table.New(port, table.Definition{
		ID:      CommLogID,
		Name:    "MFG111 communication log",
		Size:    table.SelfDescribing(commLogHeaderLen, table.U16Length(2)),
		Read:    table.ReadOffset,
		Timeout: 10 * time.Second,
	}, decodeCommLog, nil)
}

// SelfRead is one MFG73 record, the one selected through MFG72.
type SelfRead struct {
	Time      time.Time
	Reason    uint8
	Registers [selfReadRegisters]uint32 // Wh delivered, Wh received, varh delivered, varh received
}

func selfReadLength(f codec.TimeFormat) (int, error) {
	n, err := codec.LTimeSize(f)
	if err != nil {
		return 0, err
	}
	return n + 1 + 4*selfReadRegisters, nil
}

func decodeSelfRead(r *codec.Reader, v *SelfRead) (err error) {
	if v.Time, err = r.LTime(); err != nil {
		return
	}
	if v.Reason, err = r.U8(); err != nil {
		return
	}
	for i := range v.Registers {
		if v.Registers[i], err = r.U32(); err != nil {
			return
		}
	}
	return nil
}

func NewSelfRead(port table.Port) *table.Table[SelfRead] {
	return table.New(port, table.Definition{
		ID:   SelfReadDataID,
		Name: "MFG73 self read",
		Size: table.TimeFormatSized(selfReadLength),
	}, decodeSelfRead, nil)
}

// SelfReadSelector selects self read record index, 0 being the latest.
func SelfReadSelector(index uint8) table.Selector {
	return table.Selector{
		TableID: SelfReadSelectID,
		Offset:  0,
		Value:   []byte{index},
		Settle:  SelfReadSettle,
	}
}
