package mmdb

import (
	"context"
	"errors"
	"log/slog"
	"reflect"

	"github.com/andreyvit/mmdb/extent"
)

// Insert stores a new object of type t and returns its OID. The type is
// registered on first use. The record must conform to the type: every value
// must be representable in its field's kind.
func (db *DB) Insert(t *Type, rec Record) (OID, error) {
	const op = "insert"
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return 0, err
	}
	ts, err := db.registerLocked(op, t)
	if err != nil {
		return 0, err
	}
	rec, err = ts.typ.conformRecord(op, rec)
	if err != nil {
		return 0, err
	}
	return db.insertLocked(op, ts, rec)
}

func (db *DB) insertLocked(op string, ts *typeState, rec Record) (OID, error) {
	buf := getEncodeBuf()
	data := ts.typ.encodeRecord(*buf, rec)
	defer releaseEncodeBuf(buf, data)

	tx := db.begin()
	ext, err := tx.allocate(int64(len(data)))
	if err != nil {
		return 0, db.allocErr(op, ts, err)
	}
	tx.write(ext, data)

	oid := tx.newOID()
	db.lastGen++
	db.entries[oid] = objEntry{off: uint64(ext.Off), size: uint32(len(data)), typeID: ts.id, flags: entryLive, gen: db.lastGen}
	ts.insertKeys(rec, oid)
	ts.count++
	db.live++
	tx.inserts++
	db.WriteCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: insert",
			slog.String("type", ts.typ.name),
			slog.Uint64("oid", uint64(oid)),
			slog.Int64("off", ext.Off),
			slog.Int("size", len(data)))
	}
	return oid, nil
}

func (db *DB) allocErr(op string, ts *typeState, err error) error {
	if errors.Is(err, extent.ErrOutOfSpace) {
		return &Error{Kind: ErrOutOfSpace, Op: op, Type: ts.typ.name, Err: err}
	}
	return &Error{Kind: ErrStorageIO, Op: op, Type: ts.typ.name, Err: err}
}

// entryLocked returns the entry of a live object.
func (db *DB) entryLocked(op string, oid OID) (objEntry, error) {
	if oid == 0 || uint64(oid) >= uint64(len(db.entries)) {
		return objEntry{}, oidErr(ErrNotFound, op, oid, nil)
	}
	e := db.entries[oid]
	if !e.live() {
		return objEntry{}, oidErr(ErrNotFound, op, oid, nil)
	}
	return e, nil
}

// objectBytes returns the current encoding of an object, taking uncommitted
// overwrites into account. The result aliases the mapping or the overlay and
// is only valid until the next mutation.
func (db *DB) objectBytes(e objEntry) []byte {
	if tx := db.tx; tx != nil {
		if b, ok := tx.overlay[int64(e.off)]; ok {
			return b[:e.size]
		}
	}
	return db.region.Bytes()[e.off : e.off+uint64(e.size)]
}

func (db *DB) recordLocked(op string, oid OID) (*typeState, Record, error) {
	e, err := db.entryLocked(op, oid)
	if err != nil {
		return nil, nil, err
	}
	ts := db.typesByID[e.typeID]
	rec, err := ts.typ.decodeRecord(db.objectBytes(e))
	if err != nil {
		return nil, nil, &Error{Kind: ErrStorageIO, Op: op, Type: ts.typ.name, OID: oid, Err: errors.Join(ErrCorrupted, err)}
	}
	return ts, rec, nil
}

// Fetch returns the current contents of an object, including uncommitted
// changes made through this database.
func (db *DB) Fetch(oid OID) (Record, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen("fetch"); err != nil {
		return nil, err
	}
	_, rec, err := db.recordLocked("fetch", oid)
	if err != nil {
		return nil, err
	}
	db.ReadCount.Add(1)
	return rec, nil
}

// FetchType returns the type of an object.
func (db *DB) FetchType(oid OID) (*Type, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen("fetch"); err != nil {
		return nil, err
	}
	e, err := db.entryLocked("fetch", oid)
	if err != nil {
		return nil, err
	}
	return db.typesByID[e.typeID].typ, nil
}

// FetchRaw returns a copy of the stored encoding of an object.
func (db *DB) FetchRaw(oid OID) ([]byte, *Type, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen("fetch"); err != nil {
		return nil, nil, err
	}
	e, err := db.entryLocked("fetch", oid)
	if err != nil {
		return nil, nil, err
	}
	db.ReadCount.Add(1)
	return append([]byte(nil), db.objectBytes(e)...), db.typesByID[e.typeID].typ, nil
}

// Update replaces the contents of an object. The record must conform to the
// object's type. Indexes are updated for key fields whose values changed.
func (db *DB) Update(oid OID, rec Record) error {
	const op = "update"
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return err
	}
	ts, old, err := db.recordLocked(op, oid)
	if err != nil {
		return err
	}
	rec, err = ts.typ.conformRecord(op, rec)
	if err != nil {
		err.(*Error).OID = oid
		return err
	}
	return db.updateLocked(op, ts, oid, old, rec)
}

func (db *DB) updateLocked(op string, ts *typeState, oid OID, old, rec Record) error {
	e := db.entries[oid]
	cur := e.extent()
	buf := getEncodeBuf()
	data := ts.typ.encodeRecord(*buf, rec)
	defer releaseEncodeBuf(buf, data)
	need := extent.RoundUp(int64(len(data)), AllocQuantum)

	tx := db.begin()
	if need <= cur.Len {
		tx.touch(oid)
		tx.write(cur, data)
		if need < cur.Len {
			tx.shrink(cur, need)
		}
	} else {
		ext, err := tx.allocate(int64(len(data)))
		if err != nil {
			err := db.allocErr(op, ts, err)
			err.(*Error).OID = oid
			return err
		}
		tx.write(ext, data)
		tx.touch(oid)
		tx.release(cur)
		e.off = uint64(ext.Off)
	}
	e.size = uint32(len(data))
	db.entries[oid] = e
	ts.updateKeys(old, rec, oid)
	tx.updates++
	db.WriteCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: update",
			slog.String("type", ts.typ.name),
			slog.Uint64("oid", uint64(oid)),
			slog.Bool("moved", need > cur.Len),
			slog.Int("size", len(data)))
	}
	return nil
}

// Delete removes an object. Deleting an object that does not exist, or was
// already deleted, fails with ErrNotFound.
func (db *DB) Delete(oid OID) error {
	const op = "delete"
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return err
	}
	ts, rec, err := db.recordLocked(op, oid)
	if err != nil {
		return err
	}
	db.deleteLocked(ts, oid, rec)
	return nil
}

func (db *DB) deleteLocked(ts *typeState, oid OID, rec Record) {
	e := db.entries[oid]
	ts.removeKeys(rec, oid)

	tx := db.begin()
	tx.touch(oid)
	tx.release(e.extent())
	db.entries[oid] = objEntry{}
	tx.freedOIDs = append(tx.freedOIDs, oid)
	ts.count--
	db.live--
	tx.deletes++
	db.WriteCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: delete",
			slog.String("type", ts.typ.name),
			slog.Uint64("oid", uint64(oid)))
	}
}

// Count returns the number of live objects of type t, including uncommitted
// changes.
func (db *DB) Count(t *Type) (int, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen("count"); err != nil {
		return 0, err
	}
	ts, err := db.stateOf("count", t)
	if err != nil {
		return 0, err
	}
	return ts.count, nil
}

// Insert stores a tagged struct, registering its type on first use.
func Insert[T any](db *DB, obj *T) (OID, error) {
	const op = "insert"
	rt := reflect.TypeFor[T]()
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return 0, err
	}
	t, ts, err := db.goTypeLocked(op, rt, true)
	if err != nil {
		return 0, err
	}
	rec := t.recordFromStruct(structPtrValue(t, obj))
	return db.insertLocked(op, ts, rec)
}

// Fetch loads an object into a new struct. It returns ErrTypeMismatch if the
// object is not of T's record type.
func Fetch[T any](db *DB, oid OID) (*T, error) {
	const op = "fetch"
	rt := reflect.TypeFor[T]()
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	t, ts, err := db.goTypeLocked(op, rt, false)
	if err != nil {
		return nil, err
	}
	actual, rec, err := db.recordLocked(op, oid)
	if err != nil {
		return nil, err
	}
	if actual != ts {
		return nil, &Error{Kind: ErrTypeMismatch, Op: op, Type: t.name, OID: oid, Msg: "object is a " + actual.typ.name}
	}
	obj := new(T)
	t.storeInStruct(rec, reflect.ValueOf(obj).Elem())
	db.ReadCount.Add(1)
	return obj, nil
}

// Update replaces an object with the contents of a tagged struct.
func Update[T any](db *DB, oid OID, obj *T) error {
	const op = "update"
	rt := reflect.TypeFor[T]()
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return err
	}
	t, ts, err := db.goTypeLocked(op, rt, false)
	if err != nil {
		return err
	}
	actual, old, err := db.recordLocked(op, oid)
	if err != nil {
		return err
	}
	if actual != ts {
		return &Error{Kind: ErrTypeMismatch, Op: op, Type: t.name, OID: oid, Msg: "object is a " + actual.typ.name}
	}
	rec := t.recordFromStruct(structPtrValue(t, obj))
	if rec.Equal(old) {
		return nil
	}
	return db.updateLocked(op, ts, oid, old, rec)
}
