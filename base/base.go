package base

import (
	"time"

	"go.uber.org/zap"
)

// Stream is a byte stream to the meter, every layer (tcp, serial, modem, c1218) implements it and wraps the one below.
// Message oriented layers treat Write as "append to request" and Read as "read response till io.EOF".
type Stream interface {
	Close() error
	Open() error
	Disconnect() error // hard end of connection without any logoff or terminate
	IsOpen() bool
	SetLogger(logger *zap.SugaredLogger)
	SetDeadline(t time.Time)     // zero time means no deadline
	SetTimeout(t time.Duration)  // per single read/write operation
	SetMaxReceivedBytes(m int64) // every call resets current counter, exceeding bytes count means comm error, only incomming bytes are counted
	GetRxTxBytes() (int64, int64)
	Read(p []byte) (n int, err error)
	Write(src []byte) error // always write everything
}
