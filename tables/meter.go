package tables

import (
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/table"
	"go.uber.org/zap"
)

// Meter wires the known tables of one session together, dependencies between them (ST3 on ST0,
// MFG40 on MFG1, MFG54 on MFG53) are borrowed references to the tables held here.
type Meter struct {
	port   table.Port
	logger *zap.SugaredLogger

	GeneralConfig     *table.Table[GeneralConfig]
	ManufacturerIdent *table.Table[ManufacturerIdent]
	ModeStatus        *table.Table[ModeStatus]
	DeviceIdent       *table.Table[string]
	Clock             *table.Table[Clock]
	DeviceConfig      *table.Table[[]byte]
	DisplayConfig     *table.Table[DisplayConfig]
	DemandConfig      *table.Table[DemandConfig]
	BillingSchedule   *table.Table[BillingSchedule]
	Capabilities      *table.Table[Capabilities]
	Instantaneous     *table.Table[Instantaneous]
	HanDimension      *table.Table[HanDimension]
	HanClients        *table.Table[[]HanClient]
	CommLog           *table.Table[CommLog]
	SelfReads         *table.Table[SelfRead]

	metrology *table.Table[MetrologyConfig]
}

func NewMeter(port table.Port) *Meter {
	m := &Meter{port: port}
	m.GeneralConfig = NewGeneralConfig(port)
	m.ManufacturerIdent = NewManufacturerIdent(port)
	m.ModeStatus = NewModeStatus(port, m.GeneralConfig)
	m.DeviceIdent = NewDeviceIdent(port)
	m.Clock = NewClock(port)
	m.DeviceConfig = NewDeviceConfig(port)
	m.DisplayConfig = NewDisplayConfig(port)
	m.DemandConfig = NewDemandConfig(port)
	m.BillingSchedule = NewBillingSchedule(port)
	m.Capabilities = NewCapabilities(port)
	m.Instantaneous = NewInstantaneous(port, m.Capabilities)
	m.HanDimension = NewHanDimension(port)
	m.HanClients = NewHanClients(port, m.HanDimension)
	m.CommLog = NewCommLog(port)
	m.SelfReads = NewSelfRead(port)
	return m
}

func (m *Meter) logf(format string, v ...any) {
	if m.logger != nil {
		m.logger.Infof(format, v...)
	}
}

func (m *Meter) SetLogger(logger *zap.SugaredLogger) {
	m.logger = logger
	m.GeneralConfig.SetLogger(logger)
	m.ManufacturerIdent.SetLogger(logger)
	m.ModeStatus.SetLogger(logger)
	m.DeviceIdent.SetLogger(logger)
	m.Clock.SetLogger(logger)
	m.DeviceConfig.SetLogger(logger)
	m.DisplayConfig.SetLogger(logger)
	m.DemandConfig.SetLogger(logger)
	m.BillingSchedule.SetLogger(logger)
	m.Capabilities.SetLogger(logger)
	m.Instantaneous.SetLogger(logger)
	m.HanDimension.SetLogger(logger)
	m.HanClients.SetLogger(logger)
	m.CommLog.SetLogger(logger)
	m.SelfReads.SetLogger(logger)
	if m.metrology != nil {
		m.metrology.SetLogger(logger)
	}
}

// Version is firmware version from ST1 with the build number from MFG1.
func (m *Meter) Version() (table.Version, error) {
	id, err := m.ManufacturerIdent.Get()
	if err != nil {
		return table.Version{}, err
	}
	caps, err := m.Capabilities.Get()
	if err != nil {
		return table.Version{}, err
	}
	return table.NewVersion(id.FirmwareVersion, id.FirmwareRevision, caps.FirmwareBuild), nil
}

// Metrology returns MFG60, constructed for the firmware version on first use.
func (m *Meter) Metrology() (*table.Table[MetrologyConfig], error) {
	if m.metrology != nil {
		return m.metrology, nil
	}
	v, err := m.Version()
	if err != nil {
		return nil, err
	}
	m.metrology = NewMetrologyConfig(m.port, v)
	m.metrology.SetLogger(m.logger)
	m.logf("metrology layout for firmware %v", v)
	return m.metrology, nil
}

// Identification returns ST5 contents, empty when the device does not expose ST5 to this user.
func (m *Meter) Identification() (string, error) {
	s, err := m.DeviceIdent.Get()
	if err == nil {
		return s, nil
	}
	if code, ok := table.ResponseCode(err); ok {
		switch code {
		case base.ResponseServiceNotSupported, base.ResponseInsufficientSecurity:
			m.logf("device identification not available: %v", code)
			return "", nil
		}
	}
	return "", err
}

// Now reads the meter clock, every call goes to the meter.
func (m *Meter) Now() (time.Time, error) {
	if err := m.Clock.Invalidate(); err != nil {
		return time.Time{}, err
	}
	c, err := m.Clock.Get()
	if err != nil {
		return time.Time{}, err
	}
	return c.Time, nil
}

// CurrentValues re-reads MFG40, values change continuously so a cached copy is never used.
func (m *Meter) CurrentValues() (Instantaneous, error) {
	if err := m.Instantaneous.Invalidate(); err != nil {
		return Instantaneous{}, err
	}
	return m.Instantaneous.Get()
}

// SelfRead selects record index (0 latest) through MFG72 and reads it from MFG73.
func (m *Meter) SelfRead(index uint8) (SelfRead, error) {
	if err := m.SelfReads.LoadSelected(SelfReadSelector(index)); err != nil {
		return SelfRead{}, err
	}
	return m.SelfReads.Get()
}

// Status reads ST3 again, it reflects live device condition.
func (m *Meter) Status() (ModeStatus, error) {
	if err := m.ModeStatus.Invalidate(); err != nil {
		return ModeStatus{}, err
	}
	return m.ModeStatus.Get()
}
