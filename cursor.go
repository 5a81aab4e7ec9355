package mmdb

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/andreyvit/mmdb/query"
)

type CursorMode int

const (
	CursorReadOnly CursorMode = iota
	CursorForUpdate
)

func (m CursorMode) String() string {
	if m == CursorForUpdate {
		return "for-update"
	}
	return "read-only"
}

type cursorState int

const (
	unpositioned cursorState = iota
	positioned
	exhausted
)

// RawCursor navigates a selection of objects of one type and reads and
// writes their fields as Values.
//
// A selection is a private snapshot of OIDs taken by Select. An object
// deleted after Select is gone for the cursor even when a later insert reuses
// its OID. Field writes
// made through Set are buffered in the cursor until Update, which hands them
// to the database's pending transaction; Commit makes them durable. A
// RawCursor must not be used from several goroutines at once.
type RawCursor struct {
	db    *DB
	ts    *typeState
	mode  CursorMode
	state cursorState
	oids  []OID
	gens  []uint64
	pos   int

	dirty   []*Change
	dirtyBy map[OID]*Change
}

// Cursor returns a new unpositioned cursor over objects of type t,
// registering the type if needed.
func (db *DB) Cursor(t *Type, mode CursorMode) (*RawCursor, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkOpen("cursor"); err != nil {
		return nil, err
	}
	ts, err := db.registerLocked("cursor", t)
	if err != nil {
		return nil, err
	}
	return newRawCursor(db, ts, mode), nil
}

func newRawCursor(db *DB, ts *typeState, mode CursorMode) *RawCursor {
	return &RawCursor{db: db, ts: ts, mode: mode}
}

func (c *RawCursor) Type() *Type      { return c.ts.typ }
func (c *RawCursor) Mode() CursorMode { return c.mode }

// SelectAll selects every object of the cursor's type in storage order and
// positions the cursor on the first one. It returns the number of objects.
func (c *RawCursor) SelectAll() (int, error) {
	return c.Select("")
}

// Select selects the objects matching a predicate such as
//
//	szStkCode = '000001' and nPrice > 10
//
// and positions the cursor on the first one. An empty predicate selects
// everything. It returns the number of matches. On error the cursor is left
// as it was.
func (c *RawCursor) Select(pred string) (int, error) {
	const op = "select"
	if len(c.dirty) > 0 {
		return 0, &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "cursor has changes that were not flushed with Update or dropped with Discard"}
	}
	var e query.Expr
	if strings.TrimSpace(pred) != "" {
		var err error
		e, err = query.Parse(pred)
		if err != nil {
			var serr *query.SyntaxError
			if errors.As(err, &serr) {
				return 0, syntaxErr(op, c.ts.typ, serr)
			}
			return 0, &Error{Kind: ErrPredicateSyntax, Op: op, Type: c.ts.typ.name, Err: err}
		}
	}

	db := c.db
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen(op); err != nil {
		return 0, err
	}
	p := &plan{ts: c.ts}
	if e != nil {
		var err error
		p, err = db.compile(op, c.ts, e)
		if err != nil {
			return 0, err
		}
	}
	oids := db.execute(p)
	gens := make([]uint64, len(oids))
	for i, oid := range oids {
		gens[i] = db.entries[oid].gen
	}
	db.ReadCount.Add(1)
	if db.verbose {
		var desc string
		if p.root != nil {
			desc = p.root.String()
		}
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: select",
			slog.String("type", c.ts.typ.name),
			slog.String("plan", desc),
			slog.Int("matches", len(oids)))
	}

	c.oids = oids
	c.gens = gens
	c.pos = 0
	if len(oids) > 0 {
		c.state = positioned
	} else {
		c.state = exhausted
	}
	return len(oids), nil
}

// Next advances to the next selected object. It returns false, and the
// cursor becomes exhausted, when there are no more objects.
func (c *RawCursor) Next() bool {
	if c.state != positioned {
		return false
	}
	if c.pos+1 < len(c.oids) {
		c.pos++
		return true
	}
	c.state = exhausted
	return false
}

// Valid reports whether the cursor is positioned on an object.
func (c *RawCursor) Valid() bool {
	return c.state == positioned
}

// OID returns the current object, or 0 if the cursor is not positioned.
func (c *RawCursor) OID() OID {
	if c.state != positioned {
		return 0
	}
	return c.oids[c.pos]
}

// Count returns the size of the selection.
func (c *RawCursor) Count() int {
	return len(c.oids)
}

// OIDs returns a copy of the selection.
func (c *RawCursor) OIDs() []OID {
	return append([]OID(nil), c.oids...)
}

func (c *RawCursor) checkPositioned(op string) error {
	switch c.state {
	case unpositioned:
		return &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "no selection"}
	case exhausted:
		return &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "cursor is exhausted"}
	}
	return nil
}

func (c *RawCursor) checkForUpdate(op string) error {
	if err := c.checkPositioned(op); err != nil {
		return err
	}
	if c.mode != CursorForUpdate {
		return &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "cursor is read-only"}
	}
	return nil
}

// Record returns the current object's fields, including writes not yet
// flushed by Update.
func (c *RawCursor) Record() (Record, error) {
	const op = "get"
	if err := c.checkPositioned(op); err != nil {
		return nil, err
	}
	if chg := c.dirtyBy[c.oids[c.pos]]; chg != nil {
		return chg.rec.Clone(), nil
	}
	return c.load(op)
}

func (c *RawCursor) load(op string) (Record, error) {
	db := c.db
	oid := c.oids[c.pos]
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	ts, rec, err := db.recordLocked(op, oid)
	if err != nil {
		return nil, err
	}
	if ts != c.ts {
		return nil, &Error{Kind: ErrNotFound, Op: op, Type: c.ts.typ.name, OID: oid, Msg: "object was replaced by a " + ts.typ.name}
	}
	if db.entries[oid].gen != c.gens[c.pos] {
		return nil, &Error{Kind: ErrNotFound, Op: op, Type: c.ts.typ.name, OID: oid, Msg: "object was deleted and its OID reused"}
	}
	db.ReadCount.Add(1)
	return rec, nil
}

// Get returns a field of the current object.
func (c *RawCursor) Get(field string) (Value, error) {
	const op = "get"
	i, err := c.ts.typ.fieldIndex(op, field)
	if err != nil {
		return Value{}, err
	}
	rec, err := c.Record()
	if err != nil {
		return Value{}, err
	}
	return rec[i], nil
}

// Set changes a field of the current object. The value may be a Value or any
// Go value accepted by ValueOf; it must be representable in the field's kind.
// The change stays in the cursor until Update.
func (c *RawCursor) Set(field string, v any) error {
	const op = "set"
	if err := c.checkForUpdate(op); err != nil {
		return err
	}
	i, err := c.ts.typ.fieldIndex(op, field)
	if err != nil {
		return err
	}
	val, ok := v.(Value)
	if !ok {
		val, err = ValueOf(v)
		if err != nil {
			return typeErrf(ErrTypeMismatch, op, c.ts.typ, field, "%v", err)
		}
	}
	fd := c.ts.typ.fields[i]
	conformed, ok := conform(fd.Kind, val)
	if !ok {
		return typeErrf(ErrTypeMismatch, op, c.ts.typ, field, "cannot store %v %v in a %v field", val.kind, val, fd.Kind)
	}

	oid := c.oids[c.pos]
	chg := c.dirtyBy[oid]
	if chg == nil {
		rec, err := c.load(op)
		if err != nil {
			return err
		}
		chg = &Change{op: OpUpdate, oid: oid, gen: c.gens[c.pos], rec: rec.Clone(), oldRec: rec}
		if c.dirtyBy == nil {
			c.dirtyBy = make(map[OID]*Change)
		}
		c.dirtyBy[oid] = chg
		c.dirty = append(c.dirty, chg)
	}
	chg.rec[i] = conformed
	return nil
}

// SetRecord replaces all fields of the current object until Update.
func (c *RawCursor) SetRecord(rec Record) error {
	const op = "set"
	if err := c.checkForUpdate(op); err != nil {
		return err
	}
	rec, err := c.ts.typ.conformRecord(op, rec)
	if err != nil {
		return err
	}
	oid := c.oids[c.pos]
	if chg := c.dirtyBy[oid]; chg != nil {
		chg.rec = rec
		return nil
	}
	old, err := c.load(op)
	if err != nil {
		return err
	}
	if c.dirtyBy == nil {
		c.dirtyBy = make(map[OID]*Change)
	}
	chg := &Change{op: OpUpdate, oid: oid, gen: c.gens[c.pos], rec: rec, oldRec: old}
	c.dirtyBy[oid] = chg
	c.dirty = append(c.dirty, chg)
	return nil
}

// Pending returns the changes buffered in the cursor, in the order the
// objects were first modified.
func (c *RawCursor) Pending() []*Change {
	return append([]*Change(nil), c.dirty...)
}

// Update flushes buffered field writes to the database, updating indexes of
// changed key fields. The cursor keeps its selection and position.
func (c *RawCursor) Update() error {
	const op = "update"
	if c.mode != CursorForUpdate {
		return &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "cursor is read-only"}
	}
	if len(c.dirty) == 0 {
		return nil
	}
	err := c.db.applyChanges(op, c.ts, &c.dirty)
	if len(c.dirty) == 0 {
		c.Discard()
		return err
	}
	for oid, chg := range c.dirtyBy {
		if !containsChange(c.dirty, chg) {
			delete(c.dirtyBy, oid)
		}
	}
	return err
}

func containsChange(changes []*Change, chg *Change) bool {
	for _, c := range changes {
		if c == chg {
			return true
		}
	}
	return false
}

// Discard drops buffered field writes.
func (c *RawCursor) Discard() {
	c.dirty = nil
	c.dirtyBy = nil
}

// Remove deletes the current object and advances to the next one, returning
// false if there is none.
func (c *RawCursor) Remove() (bool, error) {
	const op = "remove"
	if err := c.checkForUpdate(op); err != nil {
		return false, err
	}
	oid := c.oids[c.pos]
	changes := []*Change{{op: OpDelete, oid: oid, gen: c.gens[c.pos]}}
	if err := c.db.applyChanges(op, c.ts, &changes); err != nil {
		return false, err
	}
	c.dropDirty(oid)
	return c.Next(), nil
}

// RemoveAllSelected deletes every selected object that still exists and
// returns the number deleted. The selection becomes empty.
func (c *RawCursor) RemoveAllSelected() (int, error) {
	const op = "remove"
	if c.mode != CursorForUpdate {
		return 0, &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "cursor is read-only"}
	}
	if c.state == unpositioned {
		return 0, &Error{Kind: ErrInvalidCursorState, Op: op, Type: c.ts.typ.name, Msg: "no selection"}
	}

	db := c.db
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return 0, err
	}
	var n int
	for i, oid := range c.oids {
		if oid == 0 || uint64(oid) >= uint64(len(db.entries)) {
			continue
		}
		e := db.entries[oid]
		if !e.live() || e.typeID != c.ts.id || e.gen != c.gens[i] {
			continue
		}
		_, rec, err := db.recordLocked(op, oid)
		if err != nil {
			return n, err
		}
		db.deleteLocked(c.ts, oid, rec)
		n++
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: removed selection",
			slog.String("type", c.ts.typ.name),
			slog.Int("removed", n))
	}
	c.oids, c.gens = nil, nil
	c.pos = 0
	c.state = exhausted
	c.Discard()
	return n, nil
}

func (c *RawCursor) dropDirty(oid OID) {
	chg := c.dirtyBy[oid]
	if chg == nil {
		return
	}
	delete(c.dirtyBy, oid)
	for i, d := range c.dirty {
		if d == chg {
			c.dirty = append(c.dirty[:i], c.dirty[i+1:]...)
			break
		}
	}
}
