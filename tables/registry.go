package tables

import (
	"cmp"
	"maps"
	"slices"

	"github.com/cybroslabs/libpsem-go/table"
)

// Registry maps table ids to their definitions, for tools dumping tables by number.
type Registry struct {
	defs map[uint16]table.Definition
}

type definer interface {
	Definition() table.Definition
}

// NewRegistry collects definitions of every whole table of m, views are reached through their parent.
func NewRegistry(m *Meter) *Registry {
	r := &Registry{defs: map[uint16]table.Definition{}}
	for _, t := range []definer{
		m.GeneralConfig, m.ManufacturerIdent, m.ModeStatus, m.DeviceIdent, m.Clock,
		m.DeviceConfig, m.Capabilities, m.Instantaneous, m.HanDimension, m.HanClients,
		m.CommLog, m.SelfReads,
	} {
		r.Add(t.Definition())
	}
	r.Add(table.Definition{ID: MetrologyID, Name: "MFG60 metrology configuration"})
	r.Add(table.Definition{ID: SelfReadSelectID, Name: "MFG72 self read selector", Size: table.Fixed(1)})
	return r
}

// Add registers def, views are ignored.
func (r *Registry) Add(def table.Definition) {
	if def.View != nil {
		return
	}
	r.defs[def.ID] = def
}

func (r *Registry) Lookup(id uint16) (table.Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// Definitions are sorted by table id.
func (r *Registry) Definitions() []table.Definition {
	ret := slices.Collect(maps.Values(r.defs))
	slices.SortFunc(ret, func(a, b table.Definition) int { return cmp.Compare(a.ID, b.ID) })
	return ret
}

// Raw returns a schema-less table for id, sized from the registry when known, unknown tables
// take whatever a full read returns.
func (r *Registry) Raw(port table.Port, id uint16) *table.Table[[]byte] {
	def, ok := r.defs[id]
	if !ok {
		def = table.Definition{ID: id}
	}
	def.Write = table.ReadOnly
	return table.NewRaw(port, def)
}
