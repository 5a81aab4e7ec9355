package mmdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/mmdb/extent"
	"github.com/andreyvit/mmdb/journal"
	"github.com/andreyvit/mmdb/mmap"
)

// DB is an open database session. All methods are safe for concurrent use;
// mutations are serialized and readers run in parallel with each other.
type DB struct {
	path     string
	opt      Options
	logger   *slog.Logger
	verbose  bool
	readOnly bool

	lock   sync.RWMutex
	file   *os.File
	region *mmap.Region
	jrnl   *journal.Journal
	alloc  *extent.Allocator

	hdr      fileHeader // last committed header
	entries  []objEntry // len(entries) is the next never-used OID
	freeHead OID
	live     uint64
	lastGen  uint64

	typesByName map[string]*typeState
	typesByID   []*typeState // by type ID; ID 0 is unused
	typesByPtr  map[*Type]*typeState
	goTypes     map[reflect.Type]*Type

	catalogDirty bool
	tx           *Tx
	pendingCkpt  error // non-nil while the journal holds batches the file may lack
	failed       error
	closed       bool

	commitFault func(stage commitStage) error

	ReadCount     atomic.Uint64
	WriteCount    atomic.Uint64
	CommitCount   atomic.Uint64
	RollbackCount atomic.Uint64
}

// Open opens the database file at path, creating it in read-write mode if it
// does not exist, recovers committed journal batches and registers the types
// of the schema (which may be nil).
func Open(path string, scm *Schema, opt Options) (*DB, error) {
	opt, err := opt.normalize()
	if err != nil {
		return nil, err
	}
	db := &DB{
		path:        path,
		opt:         opt,
		logger:      opt.Logger,
		verbose:     opt.Verbose,
		readOnly:    opt.AccessType == ReadOnly,
		typesByName: make(map[string]*typeState),
		typesByID:   []*typeState{nil},
		typesByPtr:  make(map[*Type]*typeState),
		goTypes:     make(map[reflect.Type]*Type),
	}
	start := time.Now()

	var ok bool
	defer func() {
		if !ok {
			db.closeFiles()
		}
	}()

	if err := db.openFile(); err != nil {
		return nil, err
	}
	if err := db.recover(); err != nil {
		return nil, err
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	if scm != nil {
		for _, t := range scm.types {
			if _, err := db.registerLocked("open", t); err != nil {
				return nil, err
			}
		}
		for rt, t := range scm.byGoType {
			if _, err := db.registerLocked("open", t); err != nil {
				return nil, err
			}
			db.goTypes[rt] = t
		}
	}
	if err := db.rebuildIndexes(); err != nil {
		return nil, err
	}

	ok = true
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "mmdb: opened",
		slog.String("path", path),
		slog.String("access", opt.AccessType.String()),
		slog.Uint64("objects", db.live),
		slog.Int("types", len(db.typesByName)),
		slog.Int64("size", db.region.Size()),
		slog.Duration("elapsed", time.Since(start)))
	return db, nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) IsReadOnly() bool {
	return db.readOnly
}

func (db *DB) journalPath() string {
	return db.path + "-journal"
}

func (db *DB) openFile() error {
	var f *os.File
	var err error
	if db.readOnly {
		f, err = os.Open(db.path)
	} else {
		f, err = os.OpenFile(db.path, os.O_RDWR|os.O_CREATE, 0o666)
	}
	if err != nil {
		return opErr(ErrStorageIO, "open", err)
	}
	db.file = f

	if err := mmap.Lock(f, !db.readOnly); err != nil {
		return opErr(ErrStorageIO, "open", fmt.Errorf("locking %s: %w", db.path, err))
	}

	st, err := f.Stat()
	if err != nil {
		return opErr(ErrStorageIO, "open", err)
	}
	size := st.Size()

	if !db.readOnly && (size == 0 || isUnwrittenFile(f, size)) {
		return db.initFile()
	}
	if size < PageSize {
		return opErr(ErrStorageIO, "open", fmt.Errorf("%w: %s is %d bytes long", ErrCorrupted, db.path, size))
	}

	mopt := mmap.RandomAccess
	if !db.readOnly {
		mopt |= mmap.Writable
	}
	db.region, err = mmap.Map(f, size, mopt)
	if err != nil {
		return opErr(ErrStorageIO, "open", err)
	}
	return nil
}

// isUnwrittenFile detects a file whose creation was interrupted before the
// header was written: it holds nothing but zeros and, at most, the empty
// catalog that initFile writes before the header. A database whose header
// alone was wiped is not unwritten.
func isUnwrittenFile(f *os.File, size int64) bool {
	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil || hdr != [headerSize]byte{} {
		return false
	}
	cat := encodeCatalog(&catalog{})
	r := bufio.NewReaderSize(io.NewSectionReader(f, 0, size), 64<<10)
	var matched int
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return matched == 0 || matched == len(cat)
		} else if err != nil {
			return false
		}
		switch {
		case matched > 0 && matched < len(cat):
			if b != cat[matched] {
				return false
			}
			matched++
		case b == 0:
		case matched == 0 && b == cat[0]:
			matched = 1
		default:
			return false
		}
	}
}

func (db *DB) initFile() error {
	tableCap := tableCapacityFor(0, uint64(min(db.opt.InitialIndexCapacity, 1<<16)+1))
	tableLen := extent.RoundUp(int64(tableCap)*objEntrySize, AllocQuantum)
	cat := encodeCatalog(&catalog{})
	catOff := PageSize + tableLen
	tail := catOff + extent.RoundUp(int64(len(cat)), AllocQuantum)
	size := max(db.opt.InitialSize, extent.RoundUp(tail, PageSize))

	if err := db.file.Truncate(0); err != nil {
		return opErr(ErrStorageIO, "create", err)
	}
	if err := db.file.Truncate(size); err != nil {
		return opErr(ErrStorageIO, "create", err)
	}
	var err error
	db.region, err = mmap.Map(db.file, size, mmap.Writable|mmap.RandomAccess)
	if err != nil {
		return opErr(ErrStorageIO, "create", err)
	}
	copy(db.region.Bytes()[catOff:], cat)
	if err := db.sync(); err != nil {
		return opErr(ErrStorageIO, "create", err)
	}

	h := fileHeader{
		Magic:       fileMagic,
		Version:     formatVersion,
		PageSize:    PageSize,
		Quantum:     AllocQuantum,
		DBID:        uuid.New(),
		FileSize:    uint64(size),
		Tail:        uint64(tail),
		ObjTableOff: PageSize,
		ObjTableCap: tableCap,
		NextOID:     1,
		CatalogOff:  uint64(catOff),
		CatalogSize: uint64(len(cat)),
	}
	buf := h.encode()
	copy(db.region.Bytes(), buf[:])
	if err := db.sync(); err != nil {
		return opErr(ErrStorageIO, "create", err)
	}
	// a journal left over from an earlier file would not match the new ID anyway
	if err := os.Remove(db.journalPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return opErr(ErrStorageIO, "create", err)
	}
	db.logger.LogAttrs(context.Background(), slog.LevelInfo, "mmdb: created database",
		slog.String("path", db.path),
		slog.String("id", h.DBID.String()),
		slog.Int64("size", size))
	return nil
}

// load reads the committed state: object table, catalog and free space.
func (db *DB) load() error {
	h := db.hdr
	data := db.region.Bytes()
	size := int64(len(data))

	te := h.tableExtent()
	if te.Off < PageSize || te.End() > size || h.NextOID > h.ObjTableCap {
		return opErr(ErrStorageIO, "open", fmt.Errorf("%w: object table %v outside of file", ErrCorrupted, te))
	}
	db.entries = make([]objEntry, h.NextOID)
	for i := range db.entries {
		db.entries[i] = decodeEntry(data[te.Off+int64(i)*objEntrySize:])
	}
	db.freeHead = OID(h.FreeOIDHead)

	ce := h.catalogExtent()
	if ce.Off < PageSize || ce.End() > size {
		return opErr(ErrStorageIO, "open", fmt.Errorf("%w: catalog %v outside of file", ErrCorrupted, ce))
	}
	cat, err := decodeCatalog(data[ce.Off : ce.Off+int64(h.CatalogSize)])
	if err != nil {
		return opErr(ErrStorageIO, "open", fmt.Errorf("%w: %w", ErrCorrupted, err))
	}
	for i := range cat.Types {
		ct := &cat.Types[i]
		t, err := ct.toType()
		if err != nil {
			return opErr(ErrStorageIO, "open", fmt.Errorf("%w: catalog: %w", ErrCorrupted, err))
		}
		if ct.ID == 0 || db.typesByName[t.name] != nil {
			return opErr(ErrStorageIO, "open", fmt.Errorf("%w: catalog: bad entry %d %s", ErrCorrupted, ct.ID, ct.Name))
		}
		for len(db.typesByID) <= int(ct.ID) {
			db.typesByID = append(db.typesByID, nil)
		}
		if db.typesByID[ct.ID] != nil {
			return opErr(ErrStorageIO, "open", fmt.Errorf("%w: catalog: duplicate type ID %d", ErrCorrupted, ct.ID))
		}
		ts := newTypeState(t, ct.ID, db.opt.InitialIndexCapacity)
		db.typesByID[ct.ID] = ts
		db.typesByName[t.name] = ts
		db.typesByPtr[t] = ts
	}

	used := make([]extent.Extent, 0, h.LiveCount+2)
	used = append(used, te, ce)
	var live uint64
	for oid := 1; oid < len(db.entries); oid++ {
		e := db.entries[oid]
		if !e.live() {
			continue
		}
		ext := e.extent()
		if int(e.typeID) >= len(db.typesByID) || db.typesByID[e.typeID] == nil {
			return opErr(ErrStorageIO, "open", fmt.Errorf("%w: object #%d has unknown type %d", ErrCorrupted, oid, e.typeID))
		}
		if ext.Off < PageSize || ext.End() > int64(h.Tail) || e.size == 0 {
			return opErr(ErrStorageIO, "open", fmt.Errorf("%w: object #%d extent %v is invalid", ErrCorrupted, oid, ext))
		}
		db.typesByID[e.typeID].count++
		used = append(used, ext)
		live++
	}
	if live != h.LiveCount {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mmdb: live object count mismatch",
			slog.Uint64("header", h.LiveCount),
			slog.Uint64("actual", live))
	}
	db.live = live

	var grow extent.GrowFunc
	if !db.readOnly {
		grow = db.growFile
	}
	db.alloc, err = extent.New(extent.Options{
		Quantum:          AllocQuantum,
		Base:             PageSize,
		Tail:             int64(h.Tail),
		Size:             size,
		ExtensionQuantum: db.opt.ExtensionQuantum,
		ReuseThreshold:   db.opt.FreeSpaceReuseThreshold,
		Grow:             grow,
	})
	if err != nil {
		return opErr(ErrStorageIO, "open", fmt.Errorf("%w: %w", ErrCorrupted, err))
	}
	if err := db.alloc.Rebuild(used, int64(h.Tail)); err != nil {
		return opErr(ErrStorageIO, "open", fmt.Errorf("%w: %w", ErrCorrupted, err))
	}
	return nil
}

// rebuildIndexes fills the in-memory indexes, one goroutine per indexed
// field.
func (db *DB) rebuildIndexes() error {
	start := time.Now()
	data := db.region.Bytes()
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	var n int
	for _, ts := range db.typesByID {
		if ts == nil || ts.count == 0 {
			continue
		}
		for _, idx := range ts.indexes {
			n++
			want := []int{idx.field}
			g.Go(func() error {
				for oid := 1; oid < len(db.entries); oid++ {
					e := db.entries[oid]
					if !e.live() || e.typeID != ts.id {
						continue
					}
					obj := data[e.off : e.off+uint64(e.size)]
					err := ts.typ.decodeFields(obj, want, func(_ int, v Value) {
						idx.insert(v, OID(oid))
					})
					if err != nil {
						return oidErr(ErrStorageIO, "open", OID(oid), fmt.Errorf("%w: %w", ErrCorrupted, err))
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n > 0 {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: rebuilt indexes",
			slog.Int("indexes", n),
			slog.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// RegisterType registers a record type with the database. Registering a type
// with the same name and layout again is a no-op; a different layout under
// the same name fails with ErrTypeMismatch.
func (db *DB) RegisterType(t *Type) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkOpen("register"); err != nil {
		return err
	}
	_, err := db.registerLocked("register", t)
	return err
}

// TypeNamed returns the registered type with the given name, or nil.
func (db *DB) TypeNamed(name string) *Type {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if ts := db.typesByName[name]; ts != nil {
		return ts.typ
	}
	return nil
}

// Types returns all registered types in registration order.
func (db *DB) Types() []*Type {
	db.lock.RLock()
	defer db.lock.RUnlock()
	var result []*Type
	for _, ts := range db.typesByID {
		if ts != nil {
			result = append(result, ts.typ)
		}
	}
	return result
}

func (db *DB) registerLocked(op string, t *Type) (*typeState, error) {
	if ts := db.typesByPtr[t]; ts != nil {
		return ts, nil
	}
	if ts := db.typesByName[t.name]; ts != nil {
		if !ts.typ.sameLayout(t) {
			return nil, typeErrf(ErrTypeMismatch, op, t, "", "layout %s conflicts with registered %s", t.Describe(), ts.typ.Describe())
		}
		db.typesByPtr[t] = ts
		if t.goType != nil {
			db.goTypes[t.goType] = t
		}
		return ts, nil
	}

	id := len(db.typesByID)
	if id > math.MaxUint16 {
		return nil, typeErrf(ErrConfig, op, t, "", "too many types")
	}
	ts := newTypeState(t, uint16(id), db.opt.InitialIndexCapacity)
	db.typesByID = append(db.typesByID, ts)
	db.typesByName[t.name] = ts
	db.typesByPtr[t] = ts
	if t.goType != nil {
		db.goTypes[t.goType] = t
	}
	db.catalogDirty = true
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: registered type",
			slog.String("type", t.Describe()),
			slog.Int("id", id))
	}
	return ts, nil
}

// stateOf finds the state of a registered type without registering it.
func (db *DB) stateOf(op string, t *Type) (*typeState, error) {
	if ts := db.typesByPtr[t]; ts != nil {
		return ts, nil
	}
	if ts := db.typesByName[t.name]; ts != nil && ts.typ.sameLayout(t) {
		return ts, nil
	}
	return nil, typeErrf(ErrTypeMismatch, op, t, "", "type is not registered")
}

// goTypeLocked maps a struct type to its record type, registering it under
// the Go type name if needed. Requires the write lock when register is set.
func (db *DB) goTypeLocked(op string, rt reflect.Type, register bool) (*Type, *typeState, error) {
	t := db.goTypes[rt]
	if t == nil {
		if !register {
			return nil, nil, &Error{Kind: ErrTypeMismatch, Op: op, Msg: fmt.Sprintf("%v is not registered", rt)}
		}
		var err error
		t, err = typeOfStruct(rt, "")
		if err != nil {
			return nil, nil, err
		}
	}
	var ts *typeState
	var err error
	if register {
		ts, err = db.registerLocked(op, t)
	} else {
		ts, err = db.stateOf(op, t)
	}
	if err != nil {
		return nil, nil, err
	}
	return t, ts, nil
}

// Close rolls back the pending transaction and closes the database.
func (db *DB) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return nil
	}
	if db.tx != nil {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mmdb: closing with uncommitted changes, rolling back",
			slog.String("path", db.path),
			slog.Int("objects", len(db.tx.touched)))
		db.rollbackLocked()
	}
	if db.pendingCkpt != nil && db.failed == nil {
		if err := db.checkpoint(); err != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mmdb: closing without a checkpoint, the journal will be replayed on open",
				slog.String("path", db.path),
				slog.Any("err", err))
		}
	}
	db.closed = true
	return db.closeFiles()
}

func (db *DB) closeFiles() error {
	var errs []error
	if db.jrnl != nil {
		errs = append(errs, db.jrnl.Close())
		db.jrnl = nil
	}
	if db.region != nil {
		errs = append(errs, db.region.Close())
		db.region = nil
	}
	if db.file != nil {
		errs = append(errs, db.file.Close())
		db.file = nil
	}
	if err := errors.Join(errs...); err != nil {
		return opErr(ErrStorageIO, "close", err)
	}
	return nil
}

func (db *DB) checkOpen(op string) error {
	if db.closed {
		return opErr(ErrClosed, op, nil)
	}
	return nil
}

func (db *DB) checkWritable(op string) error {
	if db.closed {
		return opErr(ErrClosed, op, nil)
	}
	if db.readOnly {
		return opErr(ErrReadOnly, op, nil)
	}
	if db.failed != nil {
		return &Error{Kind: ErrCheckpointFailed, Op: op, Msg: "reopen the database to recover from the journal", Err: db.failed}
	}
	return nil
}

func (db *DB) growFile(newSize int64) error {
	old := db.region.Size()
	if limit := db.opt.MaxFileSize; limit > 0 && newSize > limit {
		return opErrf(ErrOutOfSpace, "extend", "file would grow to %d bytes, limit is %d", newSize, limit)
	}
	if err := db.region.Grow(newSize); err != nil {
		return opErr(ErrStorageIO, "extend", err)
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: extended file",
			slog.String("path", filepath.Base(db.path)),
			slog.Int64("from", old),
			slog.Int64("to", newSize))
	}
	return nil
}

func (db *DB) sync() error {
	if db.opt.NoSync {
		return nil
	}
	return db.region.Sync()
}
