package table

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/libpsem-go/base"
)

var (
	ErrTransportFailure      = errors.New("transport failure")
	ErrIndeterminateLength   = errors.New("indeterminate table length")
	ErrOperationNotSupported = errors.New("operation not supported")
	ErrSizeResolution        = errors.New("table size resolution failed")
	ErrSizeCycle             = errors.New("cyclic table size dependency")
	ErrPendingChanges        = errors.New("table has pending changes")
	ErrLengthMismatch        = errors.New("unexpected response length")
	ErrOutOfRange            = errors.New("range outside of table")
)

// TransportError is a failed request against the port, table state is left untouched so the
// same access can be retried by the caller.
type TransportError struct {
	TableID uint16
	Op      string
	Offset  uint32
	Count   int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Op == opFullRead || e.Op == opFullWrite || e.Op == opTimeFormat {
		return fmt.Sprintf("table %d %s failed: %v", e.TableID, e.Op, e.Err)
	}
	return fmt.Sprintf("table %d %s [%d+%d] failed: %v", e.TableID, e.Op, e.Offset, e.Count, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// Code returns the PSEM response code in case the meter rejected the request.
func (e *TransportError) Code() (base.ResponseCode, bool) {
	var pe *base.PsemError
	if errors.As(e.Err, &pe) {
		return pe.Code, true
	}
	return base.ResponseOk, false
}

const (
	opFullRead    = "full-read"
	opOffsetRead  = "offset-read"
	opFullWrite   = "full-write"
	opOffsetWrite = "offset-write"
	opTimeFormat  = "time-format"
)

// general configuration table holds TM_FORMAT
const generalConfigID uint16 = 0

// ResponseCode extracts PSEM response code from any error returned by this package.
func ResponseCode(err error) (base.ResponseCode, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code()
	}
	var pe *base.PsemError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return base.ResponseOk, false
}
