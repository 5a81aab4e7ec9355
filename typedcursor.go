package mmdb

import (
	"reflect"
)

// Cursor is a RawCursor that loads objects into tagged structs of type T.
//
// In CursorForUpdate mode the structs returned by Current are owned by the
// cursor: modify them in place and call Update to write the changes back.
type Cursor[T any] struct {
	raw *RawCursor
	t   *Type

	cache map[OID]*T
	orig  map[OID]Record
	gens  map[OID]uint64
	order []OID
}

// NewCursor returns an unpositioned cursor over objects of T's record type,
// registering the type if needed.
func NewCursor[T any](db *DB, mode CursorMode) (*Cursor[T], error) {
	const op = "cursor"
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	t, ts, err := db.goTypeLocked(op, reflect.TypeFor[T](), true)
	if err != nil {
		return nil, err
	}
	return &Cursor[T]{raw: newRawCursor(db, ts, mode), t: t}, nil
}

func (c *Cursor[T]) Raw() *RawCursor { return c.raw }
func (c *Cursor[T]) Type() *Type     { return c.raw.ts.typ }
func (c *Cursor[T]) Count() int      { return c.raw.Count() }
func (c *Cursor[T]) OID() OID        { return c.raw.OID() }
func (c *Cursor[T]) Valid() bool     { return c.raw.Valid() }
func (c *Cursor[T]) Next() bool      { return c.raw.Next() }

func (c *Cursor[T]) SelectAll() (int, error) {
	return c.Select("")
}

// Select works like RawCursor.Select. It fails with ErrInvalidCursorState if
// structs returned by Current were modified and not written with Update.
func (c *Cursor[T]) Select(pred string) (int, error) {
	if len(c.changes()) > 0 {
		return 0, &Error{Kind: ErrInvalidCursorState, Op: "select", Type: c.t.name, Msg: "modified objects were not flushed with Update or dropped with Discard"}
	}
	n, err := c.raw.Select(pred)
	if err != nil {
		return 0, err
	}
	c.Discard()
	return n, nil
}

// Row loads the current object.
func (c *Cursor[T]) Row() (*T, error) {
	if err := c.raw.checkPositioned("get"); err != nil {
		return nil, err
	}
	oid := c.raw.OID()
	if obj := c.cache[oid]; obj != nil {
		return obj, nil
	}
	rec, err := c.raw.Record()
	if err != nil {
		return nil, err
	}
	obj := new(T)
	c.t.storeInStruct(rec, reflect.ValueOf(obj).Elem())
	if c.raw.mode == CursorForUpdate {
		if c.cache == nil {
			c.cache = make(map[OID]*T)
			c.orig = make(map[OID]Record)
			c.gens = make(map[OID]uint64)
		}
		c.cache[oid] = obj
		c.orig[oid] = rec
		c.gens[oid] = c.raw.gens[c.raw.pos]
		c.order = append(c.order, oid)
	}
	return obj, nil
}

// Current returns the current object, or nil if the cursor is not
// positioned. It panics if the object cannot be loaded.
func (c *Cursor[T]) Current() *T {
	if !c.raw.Valid() {
		return nil
	}
	return must(c.Row())
}

func (c *Cursor[T]) changes() []*Change {
	var result []*Change
	for _, oid := range c.order {
		rec := c.t.recordFromStruct(reflect.ValueOf(c.cache[oid]).Elem())
		if old := c.orig[oid]; !rec.Equal(old) {
			result = append(result, &Change{op: OpUpdate, oid: oid, gen: c.gens[oid], rec: rec, oldRec: old})
		}
	}
	return result
}

// Update writes modified objects back to the database.
func (c *Cursor[T]) Update() error {
	if c.raw.mode != CursorForUpdate {
		return &Error{Kind: ErrInvalidCursorState, Op: "update", Type: c.t.name, Msg: "cursor is read-only"}
	}
	changes := c.changes()
	if len(changes) == 0 {
		return nil
	}
	pending := changes
	err := c.raw.db.applyChanges("update", c.raw.ts, &pending)
	for _, chg := range changes[:len(changes)-len(pending)] {
		c.orig[chg.oid] = chg.rec
	}
	return err
}

// Discard forgets the loaded objects along with any modifications.
func (c *Cursor[T]) Discard() {
	c.cache, c.orig, c.gens, c.order = nil, nil, nil, nil
}

func (c *Cursor[T]) Remove() (bool, error) {
	oid := c.raw.OID()
	ok, err := c.raw.Remove()
	if err == nil && c.cache[oid] != nil {
		delete(c.cache, oid)
		delete(c.orig, oid)
		delete(c.gens, oid)
		for i, o := range c.order {
			if o == oid {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	return ok, err
}

func (c *Cursor[T]) RemoveAllSelected() (int, error) {
	n, err := c.raw.RemoveAllSelected()
	if err == nil {
		c.Discard()
	}
	return n, err
}
