// Package table is the C12.19 table engine: it owns a table buffer, decides when the
// cached copy may be reused, resolves table length (fixed, dependent on another table,
// firmware gated or self describing), translates sub-table views into offset requests
// of the parent table and keeps a Unloaded/Loaded/Expired/Dirty state per table.
//
// All the I/O goes through Port, which psem.Client implements. Nothing here is safe for
// concurrent use, one session is one goroutine of table access.
//
//	clock := table.New(client, table.Definition{ID: 52, Name: "clock", Size: table.Fixed(7)}, decodeClock, nil)
//	v, err := clock.Get()
package table

import (
	"time"

	"github.com/cybroslabs/libpsem-go/codec"
)

// Port is the request/response session to one meter.
type Port interface {
	FullRead(id uint16) ([]byte, error)
	OffsetRead(id uint16, offset uint32, count uint16) ([]byte, error)
	FullWrite(id uint16, data []byte) error
	OffsetWrite(id uint16, offset uint32, data []byte) error
	TimeFormat() (codec.TimeFormat, error)
	ReferenceTime() time.Time
}

// ports supporting per request timeouts, base.Stream based ports do
type timeoutSetter interface {
	SetTimeout(t time.Duration)
}
