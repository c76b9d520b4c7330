package table

import (
	"fmt"
	"time"
)

// Selector is a value written to a companion table to tell the device which record to expose
// in the target table. The device needs Settle time to fill the target table after that.
type Selector struct {
	TableID uint16
	Offset  uint32
	Full    bool // full write of Value instead of offset write at Offset
	Value   []byte
	Settle  time.Duration
}

// LoadSelected writes the selector, sleeps Settle and reads the table again. The sleep is a
// device requirement and is never skipped, not even when the write was acknowledged at once.
func (t *Table[T]) LoadSelected(sel Selector) error {
	if t.state == Dirty {
		return fmt.Errorf("%s: %w, selecting another record would lose them", t.def.label(), ErrPendingChanges)
	}
	t.applytimeout()
	var err error
	if sel.Full {
		err = t.port.FullWrite(sel.TableID, sel.Value)
		if err != nil {
			return &TransportError{TableID: sel.TableID, Op: opFullWrite, Count: len(sel.Value), Err: err}
		}
	} else {
		err = t.port.OffsetWrite(sel.TableID, sel.Offset, sel.Value)
		if err != nil {
			return &TransportError{TableID: sel.TableID, Op: opOffsetWrite, Offset: sel.Offset, Count: len(sel.Value), Err: err}
		}
	}
	t.dlogf("%s: selector written to table %d, settling %v", t.def.label(), sel.TableID, sel.Settle)
	t.sleep(sel.Settle)
	// selected content is a different record, cached one is stale whatever happens next
	t.state = Expired
	return t.load()
}
