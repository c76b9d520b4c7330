package psem

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/codec"
	"k8s.io/utils/ptr"
)

var ErrChecksum = errors.New("table data checksum mismatch")

// general configuration table, FORMAT_CONTROL_2 holds TM_FORMAT in bits 0..2
const (
	generalConfigTable   = 0
	formatControl2Offset = 1
	timeFormatBits       = 3
)

// checksum is two's complement of the byte sum
func checksum(data []byte) byte {
	var s byte
	for _, b := range data {
		s += b
	}
	return -s
}

func (c *client) writeid(id uint16) {
	c.req.WriteByte(byte(id >> 8))
	c.req.WriteByte(byte(id))
}

func (c *client) writeoffset(offset uint32) error {
	if offset > base.MaxOffset {
		return fmt.Errorf("offset %d out of 24 bits", offset)
	}
	c.req.WriteByte(byte(offset >> 16))
	c.req.WriteByte(byte(offset >> 8))
	c.req.WriteByte(byte(offset))
	return nil
}

func (c *client) writedata(data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("data of %d bytes too long", len(data))
	}
	c.req.WriteByte(byte(len(data) >> 8))
	c.req.WriteByte(byte(len(data)))
	c.req.Write(data)
	c.req.WriteByte(checksum(data))
	return nil
}

// readdata decodes <count><data><cksum> of read responses
func readdata(r *codec.Reader) ([]byte, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes(int(n))
	if err != nil {
		return nil, err
	}
	ck, err := r.U8()
	if err != nil {
		return nil, err
	}
	if ck != checksum(data) {
		return nil, fmt.Errorf("%w: got %02x, computed %02x", ErrChecksum, ck, checksum(data))
	}
	return data, nil
}

func (c *client) FullRead(id uint16) ([]byte, error) {
	c.request(base.ServiceFullRead)
	c.writeid(id)
	r, err := c.exchange(base.ServiceFullRead)
	if err != nil {
		return nil, err
	}
	data, err := readdata(r)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", id, err)
	}
	c.dlogf("full read of table %d: %d bytes", id, len(data))
	return data, nil
}

func (c *client) OffsetRead(id uint16, offset uint32, count uint16) ([]byte, error) {
	c.request(base.ServiceOffsetRead)
	c.writeid(id)
	if err := c.writeoffset(offset); err != nil {
		return nil, err
	}
	c.req.WriteByte(byte(count >> 8))
	c.req.WriteByte(byte(count))
	r, err := c.exchange(base.ServiceOffsetRead)
	if err != nil {
		return nil, err
	}
	data, err := readdata(r)
	if err != nil {
		return nil, fmt.Errorf("table %d [%d+%d]: %w", id, offset, count, err)
	}
	c.dlogf("offset read of table %d [%d+%d]: %d bytes", id, offset, count, len(data))
	return data, nil
}

func (c *client) FullWrite(id uint16, data []byte) error {
	c.request(base.ServiceFullWrite)
	c.writeid(id)
	if err := c.writedata(data); err != nil {
		return err
	}
	_, err := c.exchange(base.ServiceFullWrite)
	return err
}

func (c *client) OffsetWrite(id uint16, offset uint32, data []byte) error {
	c.request(base.ServiceOffsetWrite)
	c.writeid(id)
	if err := c.writeoffset(offset); err != nil {
		return err
	}
	if err := c.writedata(data); err != nil {
		return err
	}
	_, err := c.exchange(base.ServiceOffsetWrite)
	return err
}

// TimeFormat returns configured override, otherwise reads it once from the meter.
func (c *client) TimeFormat() (codec.TimeFormat, error) {
	if c.timeformat != nil {
		return *c.timeformat, nil
	}
	b, err := c.OffsetRead(generalConfigTable, formatControl2Offset, 1)
	if err != nil {
		return codec.TimeFormatNone, fmt.Errorf("unable to read time format: %w", err)
	}
	if len(b) != 1 {
		return codec.TimeFormatNone, fmt.Errorf("unable to read time format: %d bytes returned", len(b))
	}
	f := codec.TimeFormat(codec.Bits(uint64(b[0]), 0, timeFormatBits))
	c.timeformat = ptr.To(f)
	c.logf("meter time format: %s", f)
	return f, nil
}

var baudrates = [...]int{0, 300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 28800, 57600, 38400, 115200, 128000, 256000}

// BaudRate maps negotiate baud rate code to bits per second, 0 for externally defined or unknown codes.
func BaudRate(code byte) int {
	if int(code) < len(baudrates) {
		return baudrates[code]
	}
	return 0
}

// BaudCode is the inverse of BaudRate.
func BaudCode(rate int) (byte, bool) {
	for i, r := range baudrates {
		if r == rate && r != 0 {
			return byte(i), true
		}
	}
	return 0, false
}
