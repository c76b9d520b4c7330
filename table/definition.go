package table

import (
	"strconv"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
)

type ReadStrategy byte

const (
	ReadFull           ReadStrategy = iota // one full read
	ReadOffset                             // offset reads of MaxChunk bytes
	ReadFullThenOffset                     // full read, one offset attempt if that fails
	ReadOffsetThenFull                     // offset read, one full attempt if that fails
)

func (s ReadStrategy) String() string {
	switch s {
	case ReadFull:
		return "full"
	case ReadOffset:
		return "offset"
	case ReadFullThenOffset:
		return "full-then-offset"
	case ReadOffsetThenFull:
		return "offset-then-full"
	}
	return "unknown"
}

type WriteStrategy byte

const (
	ReadOnly    WriteStrategy = iota
	WriteOffset               // only changed span is written
	WriteFull                 // whole buffer is written
)

// View places a table inside of a parent table, every request goes to the parent id with translated offset.
type View struct {
	Parent uint16
	Offset uint32
}

// Definition is everything the engine needs to know about one table, concrete tables are plain values of it.
type Definition struct {
	ID       uint16
	Name     string
	Size     Sizer         // nil means whatever full read returns
	Timeout  time.Duration // zero keeps port timeout
	Read     ReadStrategy
	Write    WriteStrategy
	MaxChunk int   // max bytes of one offset read, zero means single request
	View     *View // sub-table view
}

// Mfg returns manufacturer table id for manufacturer table number n.
func Mfg(n uint16) uint16 {
	return base.MfgTableOffset + n
}

// SubTable defines a view of length bytes at offset of parent table.
func SubTable(name string, parent uint16, offset uint32, length int, write WriteStrategy) Definition {
	return Definition{
		ID:    parent,
		Name:  name,
		Size:  Fixed(length),
		Read:  ReadOffset,
		Write: write,
		View:  &View{Parent: parent, Offset: offset},
	}
}

func (d *Definition) label() string {
	if d.Name != "" {
		return d.Name
	}
	if d.ID >= base.MfgTableOffset {
		return "mfg table " + strconv.Itoa(int(d.ID-base.MfgTableOffset))
	}
	return "std table " + strconv.Itoa(int(d.ID))
}

// address space of requests issued for the table
type address struct {
	id     uint16
	base   uint32
	view   bool
	length int // declared byte length, -1 when known only after size resolution
}

func (d *Definition) address() address {
	a := address{id: d.ID, length: -1}
	if n, ok := d.Size.(Fixed); ok {
		a.length = int(n)
	}
	if d.View != nil {
		a.id = d.View.Parent
		a.base = d.View.Offset
		a.view = true
	}
	return a
}
