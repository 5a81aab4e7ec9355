package mmdb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/andreyvit/mmdb/extent"
)

// Tx buffers the mutations made since the last commit. There is at most one
// per database; it starts with the first mutation and ends with Commit or
// Rollback.
//
// Extents allocated by the transaction are fresh: nothing committed refers to
// them, so they are written in place and simply freed on rollback. Committed
// extents are never overwritten before commit; their new contents live in the
// overlay and their release is deferred until the commit is durable.
type Tx struct {
	db        *DB
	startTime time.Time
	stack     string

	allocated   map[int64]extent.Extent // fresh extents by offset
	pendingFree []extent.Extent
	overlay     map[int64][]byte // new contents of committed extents

	undo      map[OID]objEntry // committed entry of every touched OID
	touched   []OID            // in order of first touch
	freedOIDs []OID

	savedNext     OID
	savedFreeHead OID
	savedLive     uint64

	inserts, updates, deletes int
}

// TxStats describes a pending transaction.
type TxStats struct {
	Started   time.Time
	Objects   int // objects touched
	Inserts   int
	Updates   int
	Deletes   int
	Allocated int64 // bytes in fresh extents
	Released  int64 // bytes of committed extents to free on commit
	Overlay   int64 // bytes of in-place overwrites of committed objects
}

func (db *DB) begin() *Tx {
	if db.tx == nil {
		tx := &Tx{
			db:            db,
			startTime:     time.Now(),
			allocated:     make(map[int64]extent.Extent),
			overlay:       make(map[int64][]byte),
			undo:          make(map[OID]objEntry),
			savedNext:     OID(len(db.entries)),
			savedFreeHead: db.freeHead,
			savedLive:     db.live,
		}
		if db.verbose {
			tx.stack = string(debug.Stack())
		}
		db.tx = tx
	}
	return db.tx
}

// Pending reports the pending transaction, if any.
func (db *DB) Pending() (TxStats, bool) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.tx == nil {
		return TxStats{}, false
	}
	return db.tx.Stats(), true
}

func (tx *Tx) Stats() TxStats {
	s := TxStats{
		Started: tx.startTime,
		Objects: len(tx.touched),
		Inserts: tx.inserts,
		Updates: tx.updates,
		Deletes: tx.deletes,
	}
	for _, ext := range tx.allocated {
		s.Allocated += ext.Len
	}
	for _, ext := range tx.pendingFree {
		s.Released += ext.Len
	}
	for _, b := range tx.overlay {
		s.Overlay += int64(len(b))
	}
	return s
}

// DescribePendingTx is a debugging aid for transactions left open by mistake.
// The stack of the first mutation is only captured in verbose mode.
func (db *DB) DescribePendingTx() string {
	db.lock.RLock()
	defer db.lock.RUnlock()
	tx := db.tx
	if tx == nil {
		return "NO PENDING TRANSACTION"
	}
	ms := time.Since(tx.startTime).Milliseconds()
	s := fmt.Sprintf("pending for %d ms: %d inserts, %d updates, %d deletes", ms, tx.inserts, tx.updates, tx.deletes)
	if tx.stack != "" {
		s += ", started at:\n" + tx.stack
	}
	return s
}

func (tx *Tx) empty() bool {
	return len(tx.touched) == 0 && len(tx.allocated) == 0 && len(tx.pendingFree) == 0
}

// touch saves the committed entry of oid before its first modification.
func (tx *Tx) touch(oid OID) {
	if _, ok := tx.undo[oid]; ok {
		return
	}
	if oid < tx.savedNext {
		tx.undo[oid] = tx.db.entries[oid]
	} else {
		tx.undo[oid] = objEntry{}
	}
	tx.touched = append(tx.touched, oid)
}

func (tx *Tx) isFresh(off int64) bool {
	_, ok := tx.allocated[off]
	return ok
}

func (tx *Tx) allocate(size int64) (extent.Extent, error) {
	ext, err := tx.db.alloc.Allocate(size)
	if err != nil {
		return extent.Extent{}, err
	}
	tx.allocated[ext.Off] = ext
	return ext, nil
}

// release gives up an extent: fresh ones are freed right away, committed ones
// once the commit is durable.
func (tx *Tx) release(ext extent.Extent) {
	if a, ok := tx.allocated[ext.Off]; ok {
		if a != ext {
			panic(fmt.Errorf("mmdb: releasing %v, but allocated %v", ext, a))
		}
		delete(tx.allocated, ext.Off)
		ensure(tx.db.alloc.Free(ext))
		return
	}
	delete(tx.overlay, ext.Off)
	tx.pendingFree = append(tx.pendingFree, ext)
}

// shrink releases the tail of an extent beyond newLen.
func (tx *Tx) shrink(ext extent.Extent, newLen int64) {
	rest := extent.Extent{Off: ext.Off + newLen, Len: ext.Len - newLen}
	if a, ok := tx.allocated[ext.Off]; ok {
		if a != ext {
			panic(fmt.Errorf("mmdb: shrinking %v, but allocated %v", ext, a))
		}
		tx.allocated[ext.Off] = extent.Extent{Off: ext.Off, Len: newLen}
		ensure(tx.db.alloc.Free(rest))
		return
	}
	tx.pendingFree = append(tx.pendingFree, rest)
}

// write stores data at the start of ext, which belongs to an object.
func (tx *Tx) write(ext extent.Extent, data []byte) {
	if tx.isFresh(ext.Off) {
		copy(tx.db.region.Bytes()[ext.Off:ext.End()], data)
		return
	}
	tx.overlay[ext.Off] = append([]byte(nil), data...)
}

func (tx *Tx) newOID() OID {
	db := tx.db
	if oid := db.freeHead; oid != 0 {
		tx.touch(oid)
		db.freeHead = OID(db.entries[oid].off)
		return oid
	}
	oid := OID(len(db.entries))
	db.entries = append(db.entries, objEntry{})
	tx.touch(oid)
	return oid
}

// Rollback discards all mutations since the last commit.
func (db *DB) Rollback() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkOpen("rollback"); err != nil {
		return err
	}
	db.rollbackLocked()
	return nil
}

func (db *DB) rollbackLocked() {
	tx := db.tx
	if tx == nil {
		return
	}
	data := db.region.Bytes()

	// current index keys out, committed ones back in
	for i := len(tx.touched) - 1; i >= 0; i-- {
		oid := tx.touched[i]
		if cur := db.entries[oid]; cur.live() {
			ts := db.typesByID[cur.typeID]
			rec := must(ts.typ.decodeRecord(db.objectBytes(cur)))
			ts.removeKeys(rec, oid)
			ts.count--
		}
		if orig := tx.undo[oid]; orig.live() {
			ts := db.typesByID[orig.typeID]
			rec := must(ts.typ.decodeRecord(data[orig.off : orig.off+uint64(orig.size)]))
			ts.insertKeys(rec, oid)
			ts.count++
		}
	}
	for _, oid := range tx.touched {
		if oid < tx.savedNext {
			db.entries[oid] = tx.undo[oid]
		}
	}
	clear(db.entries[tx.savedNext:])
	db.entries = db.entries[:tx.savedNext]
	db.freeHead = tx.savedFreeHead
	db.live = tx.savedLive

	for _, ext := range tx.allocated {
		ensure(db.alloc.Free(ext))
	}
	db.tx = nil
	db.RollbackCount.Add(1)
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: rolled back",
			slog.Int("objects", len(tx.touched)),
			slog.Duration("age", time.Since(tx.startTime)))
	}
}

// Write runs f and commits the pending transaction if f succeeds, or rolls it
// back if f fails or panics.
func (db *DB) Write(f func() error) error {
	err := safelyCall(f)
	if err != nil {
		if rerr := db.Rollback(); rerr != nil {
			return rerr
		}
		return err
	}
	return db.Commit()
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn()
}
