package base

import "fmt"

const (
	// C12.18 packet
	PacketStart     = 0xEE
	PacketAck       = 0x06
	PacketNak       = 0x15
	PacketHeaderLen = 6
	PacketCRCLen    = 2

	CtrlMultiPacket = 0x80
	CtrlFirstPacket = 0x40
	CtrlToggle      = 0x20

	// user name is fixed 10 chars, password 20 bytes
	UserNameLength = 10
	PasswordLength = 20

	// first manufacturer table id
	MfgTableOffset = 2048

	MaxOffset = 0xFFFFFF // offset is 24 bit on the wire
)

type ServiceCode byte

const (
	ServiceIdent       ServiceCode = 0x20
	ServiceTerminate   ServiceCode = 0x21
	ServiceDisconnect  ServiceCode = 0x22
	ServiceFullRead    ServiceCode = 0x30
	ServiceDefaultRead ServiceCode = 0x3E
	ServiceOffsetRead  ServiceCode = 0x3F
	ServiceFullWrite   ServiceCode = 0x40
	ServiceOffsetWrite ServiceCode = 0x4F
	ServiceLogon       ServiceCode = 0x50
	ServiceSecurity    ServiceCode = 0x51
	ServiceLogoff      ServiceCode = 0x52
	ServiceNegotiate   ServiceCode = 0x60 // 0x60 + number of baud rates, up to 0x6B
	ServiceWait        ServiceCode = 0x70
)

func (s ServiceCode) String() string {
	switch {
	case s == ServiceIdent:
		return "ident"
	case s == ServiceTerminate:
		return "terminate"
	case s == ServiceDisconnect:
		return "disconnect"
	case s == ServiceFullRead:
		return "full-read"
	case s == ServiceDefaultRead:
		return "default-read"
	case s == ServiceOffsetRead:
		return "offset-read"
	case s == ServiceFullWrite:
		return "full-write"
	case s == ServiceOffsetWrite:
		return "offset-write"
	case s == ServiceLogon:
		return "logon"
	case s == ServiceSecurity:
		return "security"
	case s == ServiceLogoff:
		return "logoff"
	case s >= ServiceNegotiate && s <= ServiceNegotiate+0x0B:
		return "negotiate"
	case s == ServiceWait:
		return "wait"
	}
	return fmt.Sprintf("service-0x%02x", byte(s))
}

type ResponseCode byte

const (
	ResponseOk                          ResponseCode = 0x00 // acknowledge, no problems
	ResponseError                       ResponseCode = 0x01 // rejection of the received service request
	ResponseServiceNotSupported         ResponseCode = 0x02 // sns
	ResponseInsufficientSecurity        ResponseCode = 0x03 // isc
	ResponseOperationNotPossible        ResponseCode = 0x04 // onp
	ResponseInappropriateAction         ResponseCode = 0x05 // iar
	ResponseDeviceBusy                  ResponseCode = 0x06 // bsy
	ResponseDataNotReady                ResponseCode = 0x07 // dnr
	ResponseDataLocked                  ResponseCode = 0x08 // dlk
	ResponseRenegotiateRequest          ResponseCode = 0x09 // rno
	ResponseInvalidServiceSequenceState ResponseCode = 0x0A // isss
)

func (r ResponseCode) String() string {
	switch r {
	case ResponseOk:
		return "ok"
	case ResponseError:
		return "error"
	case ResponseServiceNotSupported:
		return "service-not-supported"
	case ResponseInsufficientSecurity:
		return "insufficient-security-clearance"
	case ResponseOperationNotPossible:
		return "operation-not-possible"
	case ResponseInappropriateAction:
		return "inappropriate-action-requested"
	case ResponseDeviceBusy:
		return "device-busy"
	case ResponseDataNotReady:
		return "data-not-ready"
	case ResponseDataLocked:
		return "data-locked"
	case ResponseRenegotiateRequest:
		return "renegotiate-request"
	case ResponseInvalidServiceSequenceState:
		return "invalid-service-sequence-state"
	default:
		return "unknown"
	}
}

// PsemError is a non ok response code returned by the meter for some service request.
type PsemError struct {
	Service ServiceCode
	Code    ResponseCode
}

func NewPsemError(service ServiceCode, code ResponseCode) *PsemError {
	return &PsemError{Service: service, Code: code}
}

func (e *PsemError) Error() string {
	return fmt.Sprintf("%s rejected: %s (0x%02x)", e.Service, e.Code, byte(e.Code))
}

// Transient reports codes after which the same request could succeed later without changing anything on our side.
func (e *PsemError) Transient() bool {
	switch e.Code {
	case ResponseDeviceBusy, ResponseDataNotReady, ResponseDataLocked:
		return true
	}
	return false
}
