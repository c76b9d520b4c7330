package table

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cybroslabs/libpsem-go/base"
	"github.com/cybroslabs/libpsem-go/codec"
	"go.uber.org/zap"
)

// Decoder fills v from the table buffer.
type Decoder[T any] func(r *codec.Reader, v *T) error

// Encoder writes v back into the table buffer, fields not owned by v should be skipped, not zeroed.
type Encoder[T any] func(w *codec.Writer, v *T) error

// Table is one cached C12.19 table (or a view into one) decoded into T.
type Table[T any] struct {
	def    Definition
	addr   address
	port   Port
	decode Decoder[T]
	encode Encoder[T]
	logger *zap.SugaredLogger
	sleep  func(time.Duration)

	state     State
	buf       []byte
	dirtyfrom int
	dirtyto   int
	resolving bool
}

// New creates unloaded table, nothing is sent to the port until the first access.
// encode may be nil for read only tables.
func New[T any](port Port, def Definition, decode Decoder[T], encode Encoder[T]) *Table[T] {
	return &Table[T]{
		def:    def,
		addr:   def.address(),
		port:   port,
		decode: decode,
		encode: encode,
		sleep:  time.Sleep,
		state:  Unloaded,
	}
}

// RawBytes is a Decoder keeping the whole buffer.
func RawBytes(r *codec.Reader, v *[]byte) error {
	b, err := r.Bytes(r.Remaining())
	if err != nil {
		return err
	}
	*v = b
	return nil
}

// NewRaw creates a table without any field schema.
func NewRaw(port Port, def Definition) *Table[[]byte] {
	return New(port, def, RawBytes, func(w *codec.Writer, v *[]byte) error {
		return w.Bytes(*v)
	})
}

func (t *Table[T]) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

func (t *Table[T]) dlogf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Debugf(format, v...)
	}
}

func (t *Table[T]) elogf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Errorf(format, v...)
	}
}

func (t *Table[T]) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

// SetSleep replaces blocking sleep used by LoadSelected.
func (t *Table[T]) SetSleep(sleep func(time.Duration)) {
	t.sleep = sleep
}

func (t *Table[T]) Definition() Definition {
	return t.def
}

func (t *Table[T]) State() State {
	return t.state
}

// Len returns length of cached buffer, -1 if nothing was loaded yet.
func (t *Table[T]) Len() int {
	if t.buf == nil {
		return -1
	}
	return len(t.buf)
}

// EnsureLoaded reads the table unless cached copy is usable, dirty copy is never overwritten by a read.
func (t *Table[T]) EnsureLoaded() error {
	switch t.state {
	case Loaded, Dirty:
		return nil
	}
	return t.load()
}

// Get returns decoded table, reading it first if needed. Every call decodes the cached buffer
// again, the caller owns the result.
func (t *Table[T]) Get() (T, error) {
	if err := t.EnsureLoaded(); err != nil {
		var zero T
		return zero, err
	}
	return t.parse(t.buf)
}

// Bytes returns copy of the cached buffer, reading it first if needed.
func (t *Table[T]) Bytes() ([]byte, error) {
	if err := t.EnsureLoaded(); err != nil {
		return nil, err
	}
	return slices.Clone(t.buf), nil
}

// Invalidate marks cached copy stale. Pending local changes are not thrown away, use Discard for that.
func (t *Table[T]) Invalidate() error {
	if t.state == Dirty {
		return fmt.Errorf("%s: %w, write back or discard first", t.def.label(), ErrPendingChanges)
	}
	t.state = Expired
	return nil
}

// Discard drops pending local changes together with the cached copy.
func (t *Table[T]) Discard() {
	if t.state == Dirty {
		t.logf("%s: discarding local changes [%d:%d]", t.def.label(), t.dirtyfrom, t.dirtyto)
	}
	t.resetdirty()
	t.state = Expired
}

func (t *Table[T]) resetdirty() {
	t.dirtyfrom = 0
	t.dirtyto = 0
}

func (t *Table[T]) applytimeout() {
	if t.def.Timeout <= 0 {
		return
	}
	if ts, ok := t.port.(timeoutSetter); ok {
		ts.SetTimeout(t.def.Timeout)
	}
}

// portformat reads TM_FORMAT through the port, a failure is a failed read of the general configuration table.
func portformat(p Port) (codec.TimeFormat, error) {
	f, err := p.TimeFormat()
	if err != nil {
		return codec.TimeFormatNone, &TransportError{TableID: generalConfigID, Op: opTimeFormat, Err: err}
	}
	return f, nil
}

func (t *Table[T]) timeformat() (codec.TimeFormat, error) {
	return portformat(t.port)
}

// reader and writer ask for the time format only when a timestamp field is coded
func (t *Table[T]) reader(b []byte) *codec.Reader {
	return codec.NewReader(b).WithTimeSource(t.timeformat, t.port.ReferenceTime())
}

func (t *Table[T]) writer(b []byte) *codec.Writer {
	return codec.NewWriter(b).WithTimeSource(t.timeformat, t.port.ReferenceTime())
}

func (t *Table[T]) parse(b []byte) (v T, err error) {
	if t.decode == nil {
		return
	}
	r := t.reader(b)
	err = t.decode(r, &v)
	if errors.Is(err, ErrTransportFailure) {
		return v, fmt.Errorf("%s: %w", t.def.label(), err)
	}
	if err != nil {
		// layout and size disagree, that is a defect of the table definition, not a comm problem
		t.elogf("%s: decode failed at %d of %d bytes: %v", t.def.label(), r.Pos(), len(b), err)
		return v, fmt.Errorf("%s: decode: %w", t.def.label(), err)
	}
	return
}

// resolver used while resolving size, header read here becomes buffer prefix
type resolver struct {
	t      interface{ readheader(n int) ([]byte, error) }
	port   Port
	prefix []byte
}

func (r *resolver) ReadHeader(n int) ([]byte, error) {
	if len(r.prefix) >= n {
		return r.prefix[:n], nil
	}
	h, err := r.t.readheader(n)
	if err != nil {
		return nil, err
	}
	r.prefix = h
	return h, nil
}

func (r *resolver) TimeFormat() (codec.TimeFormat, error) {
	return portformat(r.port)
}

func (t *Table[T]) readheader(n int) ([]byte, error) {
	h := make([]byte, n)
	if err := t.offsetfetch(h, 0, 0); err != nil {
		return nil, err
	}
	return h, nil
}

// resolveSize returns -1 for tables taking whatever the meter returns
func (t *Table[T]) resolveSize() (int, []byte, error) {
	if t.def.Size == nil {
		return -1, nil, nil
	}
	if t.resolving {
		return 0, nil, fmt.Errorf("%s: %w", t.def.label(), ErrSizeCycle)
	}
	t.resolving = true
	defer func() { t.resolving = false }()

	res := &resolver{t: t, port: t.port}
	n, err := t.def.Size.Size(res)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", t.def.label(), err)
	}
	if n < 0 || n > base.MaxOffset {
		return 0, nil, fmt.Errorf("%s: %w: resolved %d bytes", t.def.label(), ErrIndeterminateLength, n)
	}
	if len(res.prefix) > n {
		res.prefix = res.prefix[:n]
	}
	return n, res.prefix, nil
}

func (t *Table[T]) load() error {
	t.applytimeout()
	size, prefix, err := t.resolveSize()
	if err != nil {
		return err
	}
	var buf []byte
	if size < 0 {
		buf, err = t.fetchunsized()
	} else {
		buf = make([]byte, size)
		from := copy(buf, prefix)
		err = t.fetch(buf, from)
	}
	if err != nil {
		return err
	}
	if _, err := t.parse(buf); err != nil {
		return err
	}
	t.buf = buf
	t.resetdirty()
	t.state = Loaded
	t.dlogf("%s: loaded %d bytes", t.def.label(), len(buf))
	return nil
}

func (t *Table[T]) fetchunsized() ([]byte, error) {
	if t.addr.view {
		return nil, fmt.Errorf("%s: %w: view without size", t.def.label(), ErrIndeterminateLength)
	}
	switch t.def.Read {
	case ReadFull, ReadFullThenOffset:
	default:
		return nil, fmt.Errorf("%s: %w: offset read without size", t.def.label(), ErrIndeterminateLength)
	}
	data, err := t.port.FullRead(t.addr.id)
	if err != nil {
		return nil, &TransportError{TableID: t.addr.id, Op: opFullRead, Err: err}
	}
	return slices.Clone(data), nil
}

// fetch fills buf[from:], the preferred strategy gets a single fallback when it fails
func (t *Table[T]) fetch(buf []byte, from int) error {
	if from >= len(buf) {
		return nil
	}
	if from > 0 || t.addr.view {
		return t.offsetfetch(buf, from, 0)
	}
	var first, second func([]byte) error
	switch t.def.Read {
	case ReadFull:
		return t.fullfetch(buf)
	case ReadOffset:
		return t.offsetfetch(buf, 0, 0)
	case ReadFullThenOffset:
		first = t.fullfetch
		second = func(b []byte) error { return t.offsetfetch(b, 0, 0) }
	case ReadOffsetThenFull:
		first = func(b []byte) error { return t.offsetfetch(b, 0, 0) }
		second = t.fullfetch
	default:
		return fmt.Errorf("%s: unknown read strategy %d", t.def.label(), t.def.Read)
	}
	err := first(buf)
	if err == nil {
		return nil
	}
	t.logf("%s: %s read failed, falling back once: %v", t.def.label(), t.def.Read, err)
	if err2 := second(buf); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

func (t *Table[T]) fullfetch(buf []byte) error {
	data, err := t.port.FullRead(t.addr.id)
	if err != nil {
		return &TransportError{TableID: t.addr.id, Op: opFullRead, Count: len(buf), Err: err}
	}
	if len(data) < len(buf) {
		return &TransportError{TableID: t.addr.id, Op: opFullRead, Count: len(buf),
			Err: fmt.Errorf("%w: got %d bytes, expected %d", ErrLengthMismatch, len(data), len(buf))}
	}
	if len(data) > len(buf) {
		t.dlogf("%s: meter returned %d bytes, using first %d", t.def.label(), len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func (t *Table[T]) chunk() int {
	if t.def.MaxChunk > 0 && t.def.MaxChunk < 0xFFFF {
		return t.def.MaxChunk
	}
	return 0xFFFF
}

// offsetfetch reads buf[from:] from table offset start+from on (translated for views)
func (t *Table[T]) offsetfetch(buf []byte, from int, start int) error {
	ch := t.chunk()
	for off := from; off < len(buf); {
		n := min(len(buf)-off, ch)
		o := t.addr.base + uint32(start+off)
		if o > base.MaxOffset {
			return fmt.Errorf("%s: %w: offset %d", t.def.label(), ErrOutOfRange, o)
		}
		data, err := t.port.OffsetRead(t.addr.id, o, uint16(n))
		if err != nil {
			return &TransportError{TableID: t.addr.id, Op: opOffsetRead, Offset: o, Count: n, Err: err}
		}
		if len(data) != n {
			return &TransportError{TableID: t.addr.id, Op: opOffsetRead, Offset: o, Count: n,
				Err: fmt.Errorf("%w: got %d bytes, expected %d", ErrLengthMismatch, len(data), n)}
		}
		copy(buf[off:], data)
		off += n
	}
	return nil
}

func (t *Table[T]) checkrange(offset, length int) error {
	if offset < 0 || length < 0 || length > 0xFFFF {
		return fmt.Errorf("%s: %w: [%d+%d]", t.def.label(), ErrOutOfRange, offset, length)
	}
	limit := t.addr.length
	if t.buf != nil {
		limit = len(t.buf)
	}
	if limit < 0 && t.addr.view {
		// a view never reaches past its own span of the parent
		n, _, err := t.resolveSize()
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%s: %w: view without size", t.def.label(), ErrIndeterminateLength)
		}
		limit = n
	}
	if limit >= 0 && offset+length > limit {
		return fmt.Errorf("%s: %w: [%d+%d] of %d bytes", t.def.label(), ErrOutOfRange, offset, length, limit)
	}
	return nil
}

// ReadRange always reads given span from the meter, regardless of cached state. Cached copy is
// refreshed only when it is Loaded, state never changes.
func (t *Table[T]) ReadRange(offset, length int) ([]byte, error) {
	if err := t.checkrange(offset, length); err != nil {
		return nil, err
	}
	t.applytimeout()
	b := make([]byte, length)
	if err := t.offsetfetch(b, 0, offset); err != nil {
		return nil, err
	}
	if t.state == Loaded && t.buf != nil {
		nb := slices.Clone(t.buf)
		copy(nb[offset:], b)
		if _, err := t.parse(nb); err != nil {
			return nil, err
		}
		t.buf = nb
	}
	return b, nil
}

// RangeReader is ReadRange with a reader positioned at the start of the span.
func (t *Table[T]) RangeReader(offset, length int) (*codec.Reader, error) {
	b, err := t.ReadRange(offset, length)
	if err != nil {
		return nil, err
	}
	return t.reader(b), nil
}

func (t *Table[T]) writable() error {
	if t.def.Write == ReadOnly || t.encode == nil {
		return fmt.Errorf("%s: %w: table is read only", t.def.label(), ErrOperationNotSupported)
	}
	return nil
}

// Update applies fn to a fresh decode of the cached buffer and encodes it into the buffer, table becomes Dirty
// when any byte changed. Nothing is sent until WriteBack.
func (t *Table[T]) Update(fn func(v *T) error) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.EnsureLoaded(); err != nil {
		return err
	}
	// fresh decode, fn must not reach the cached value through shared slices
	v, err := t.parse(t.buf)
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	nb := slices.Clone(t.buf)
	if err := t.encode(t.writer(nb), &v); err != nil {
		if errors.Is(err, ErrTransportFailure) {
			return fmt.Errorf("%s: %w", t.def.label(), err)
		}
		t.elogf("%s: encode failed: %v", t.def.label(), err)
		return fmt.Errorf("%s: encode: %w", t.def.label(), err)
	}
	from, to, changed := diffspan(t.buf, nb)
	if !changed {
		return nil
	}
	t.buf = nb
	if t.state == Dirty {
		t.dirtyfrom = min(t.dirtyfrom, from)
		t.dirtyto = max(t.dirtyto, to)
	} else {
		t.dirtyfrom = from
		t.dirtyto = to
	}
	t.state = Dirty
	return nil
}

// diffspan returns [from, to) covering every differing byte
func diffspan(a, b []byte) (int, int, bool) {
	from := 0
	for from < len(a) && a[from] == b[from] {
		from++
	}
	if from == len(a) {
		return 0, 0, false
	}
	to := len(a)
	for to > from && a[to-1] == b[to-1] {
		to--
	}
	return from, to, true
}

// WriteBack sends pending changes, Dirty becomes Loaded on success and stays Dirty on failure.
func (t *Table[T]) WriteBack() error {
	if err := t.writable(); err != nil {
		return err
	}
	if t.state != Dirty {
		return nil
	}
	t.applytimeout()
	var err error
	if t.def.Write == WriteFull {
		err = t.writefull(t.buf)
	} else {
		err = t.writeoffset(t.dirtyfrom, t.buf[t.dirtyfrom:t.dirtyto])
	}
	if err != nil {
		return err
	}
	t.resetdirty()
	t.state = Loaded
	return nil
}

func (t *Table[T]) writefull(b []byte) error {
	if t.addr.view {
		return t.writeoffset(0, b)
	}
	if err := t.port.FullWrite(t.addr.id, b); err != nil {
		return &TransportError{TableID: t.addr.id, Op: opFullWrite, Count: len(b), Err: err}
	}
	return nil
}

func (t *Table[T]) writeoffset(offset int, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("%s: %w: write of %d bytes", t.def.label(), ErrOutOfRange, len(b))
	}
	o := t.addr.base + uint32(offset)
	if o > base.MaxOffset {
		return fmt.Errorf("%s: %w: offset %d", t.def.label(), ErrOutOfRange, o)
	}
	if err := t.port.OffsetWrite(t.addr.id, o, b); err != nil {
		return &TransportError{TableID: t.addr.id, Op: opOffsetWrite, Offset: o, Count: len(b), Err: err}
	}
	return nil
}

// WriteRange writes data at offset directly, without loading the table. Cached copy follows the write.
func (t *Table[T]) WriteRange(offset int, data []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.checkrange(offset, len(data)); err != nil {
		return err
	}
	t.applytimeout()
	if err := t.writeoffset(offset, data); err != nil {
		return err
	}
	if t.buf == nil || (t.state != Loaded && t.state != Dirty) {
		return nil
	}
	nb := slices.Clone(t.buf)
	copy(nb[offset:], data)
	if bytes.Equal(nb, t.buf) {
		return nil
	}
	if _, err := t.parse(nb); err != nil {
		// meter has it already, our copy cannot represent it, pending changes are kept
		if t.state == Loaded {
			t.state = Expired
		}
		return err
	}
	t.buf = nb
	return nil
}
