package table

// State of the cached table buffer.
type State byte

const (
	Unloaded State = iota // never read
	Loaded                // buffer matches the meter as of last read or write
	Expired               // buffer may be stale, next access reads again
	Dirty                 // local changes not yet written back
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Expired:
		return "expired"
	case Dirty:
		return "dirty"
	}
	return "unknown"
}
