package mmdb

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type Stock struct {
	Code   string  `mmdb:"szStkCode,hash"`
	Market int8    `mmdb:"cMarket"`
	Price  float64 `mmdb:"nPrice,tree"`
	Volume int64   `mmdb:"nVolume,tree"`
	Name   string  `mmdb:"szName"`
}

var (
	stockSchema = NewSchema()
	stockType   = AddType[Stock](stockSchema, "Stock")

	allKinds = MustNewType("AllKinds",
		FieldDesc{Name: "b", Kind: KindBool},
		FieldDesc{Name: "i8", Kind: KindInt8},
		FieldDesc{Name: "i16", Kind: KindInt16},
		FieldDesc{Name: "i32", Kind: KindInt32},
		FieldDesc{Name: "i64", Kind: KindInt64, Index: Ordered},
		FieldDesc{Name: "u8", Kind: KindUint8},
		FieldDesc{Name: "u16", Kind: KindUint16},
		FieldDesc{Name: "u32", Kind: KindUint32},
		FieldDesc{Name: "u64", Kind: KindUint64, Index: Hashed},
		FieldDesc{Name: "f32", Kind: KindFloat32},
		FieldDesc{Name: "f64", Kind: KindFloat64},
		FieldDesc{Name: "s", Kind: KindString, Index: Hashed},
		FieldDesc{Name: "raw", Kind: KindBytes},
	)
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func stock(code string, price float64) *Stock {
	return &Stock{Code: code, Market: '0', Price: price, Volume: int64(price * 100), Name: "Stock " + code}
}

func stockRecord(code string, price float64) Record {
	s := stock(code, price)
	return Record{StringValue(s.Code), MustValueOf(s.Market), FloatValue(s.Price), IntValue(s.Volume), StringValue(s.Name)}
}

func TestDB(t *testing.T) {
	db := setup(t, stockSchema)
	s1, s2 := stock("000001", 10.5), stock("000002", 20)

	oid1 := must(Insert(db, s1))
	oid2 := must(Insert(db, s2))
	if oid1 == 0 || oid2 == 0 || oid1 == oid2 {
		t.Fatalf("** got OIDs %v and %v, wanted distinct non-zero", oid1, oid2)
	}
	deepEqual(t, must(Fetch[Stock](db, oid1)), s1)
	ensure(db.Commit())
	deepEqual(t, must(Fetch[Stock](db, oid2)), s2)

	s1.Price = 11
	ensure(Update(db, oid1, s1))
	deepEqual(t, must(Fetch[Stock](db, oid1)), s1)
	deepEqual(t, lookup(t, db, stockType, "nPrice", Equals, FloatValue(11)), []OID{oid1})
	isempty(t, lookup(t, db, stockType, "nPrice", Equals, FloatValue(10.5)))

	ensure(db.Delete(oid2))
	isNotFound(t, db.Delete(oid2))
	_, err := Fetch[Stock](db, oid2)
	isNotFound(t, err)
	ensure(db.Commit())
	ensure(db.Check())
}

func TestDB_roundTripAllKinds(t *testing.T) {
	db := setup(t, nil)
	rec := Record{
		BoolValue(true),
		MustValueOf(int8(-128)),
		MustValueOf(int16(-300)),
		MustValueOf(int32(1 << 30)),
		IntValue(-1 << 62),
		MustValueOf(uint8(255)),
		MustValueOf(uint16(65535)),
		MustValueOf(uint32(1 << 31)),
		UintValue(1<<64 - 1),
		MustValueOf(float32(1.5)),
		FloatValue(-2.25e100),
		StringValue("hello, мир"),
		BytesValue([]byte{0, 1, 2, 0xFF}),
	}
	oid := must(db.Insert(allKinds, rec))
	deepEqual(t, must(db.Fetch(oid)), rec)
	deepEqual(t, must(db.FetchType(oid)), allKinds)

	raw, typ := must2(db.FetchRaw(oid))
	if typ != allKinds || !bytes.Equal(raw, allKinds.encodeRecord(nil, rec)) {
		t.Errorf("** FetchRaw = %x (%v), wanted the encoding of %v", raw, typ, rec)
	}

	ensure(db.Commit())
	db = reopen(t, db, Options{})
	typ = db.TypeNamed("AllKinds")
	if typ == nil || !typ.sameLayout(allKinds) {
		t.Fatalf("** TypeNamed = %v, wanted %s", typ, allKinds.Describe())
	}
	deepEqual(t, must(db.Fetch(oid)), rec)
}

func TestDB_conversions(t *testing.T) {
	db := setup(t, nil)
	oid := must(db.Insert(allKinds, Record{
		BoolValue(false), IntValue(1), IntValue(2), IntValue(3), UintValue(4),
		IntValue(5), IntValue(6), IntValue(7), IntValue(8),
		FloatValue(0.1), IntValue(10), StringValue("s"), StringValue("raw"),
	}))
	rec := must(db.Fetch(oid))
	for i, want := range []Kind{KindBool, KindInt8, KindInt16, KindInt32, KindInt64, KindUint8, KindUint16, KindUint32, KindUint64, KindFloat32, KindFloat64, KindString, KindBytes} {
		if rec[i].Kind() != want {
			t.Errorf("** field %d is %v, wanted %v", i, rec[i].Kind(), want)
		}
	}
	if rec[9].Float() != float64(float32(0.1)) {
		t.Errorf("** float32 field = %v, wanted rounded 0.1", rec[9])
	}
}

func TestDB_typeMismatch(t *testing.T) {
	db := setup(t, stockSchema)
	tests := []struct {
		name string
		rec  Record
	}{
		{"too few", Record{StringValue("x")}},
		{"string in float", Record{StringValue("x"), IntValue(1), StringValue("1.5"), IntValue(1), StringValue("n")}},
		{"int8 overflow", Record{StringValue("x"), IntValue(300), FloatValue(1), IntValue(1), StringValue("n")}},
		{"fraction in int", Record{StringValue("x"), IntValue(1), FloatValue(1), FloatValue(1.5), StringValue("n")}},
		{"invalid value", Record{StringValue("x"), IntValue(1), FloatValue(1), {}, StringValue("n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Insert(stockType, tt.rec)
			if !errors.Is(err, ErrTypeMismatch) {
				t.Fatalf("** Insert err = %v, wanted ErrTypeMismatch", err)
			}
		})
	}
	if _, ok := db.Pending(); ok {
		t.Errorf("** failed inserts started a transaction")
	}

	oid := must(db.Insert(stockType, stockRecord("1", 1)))
	err := db.Update(oid, Record{IntValue(1)})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("** Update err = %v, wanted ErrTypeMismatch", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.OID != oid || e.Type != "Stock" {
		t.Errorf("** Update err = %#v, wanted OID %v and type Stock", err, oid)
	}
}

func TestDB_notFound(t *testing.T) {
	db := setup(t, stockSchema)
	for _, oid := range []OID{0, 1, 1000} {
		_, err := db.Fetch(oid)
		isNotFound(t, err)
		isNotFound(t, db.Update(oid, stockRecord("x", 1)))
		isNotFound(t, db.Delete(oid))
	}
}

func TestDB_fetchWrongGoType(t *testing.T) {
	type Other struct {
		Name string `mmdb:"name"`
	}
	db := setup(t, stockSchema)
	oid := must(Insert(db, stock("1", 1)))
	must(Insert(db, &Other{Name: "x"}))

	_, err := Fetch[Other](db, oid)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("** Fetch[Other] err = %v, wanted ErrTypeMismatch", err)
	}
}

func TestDB_updateInPlaceAndMove(t *testing.T) {
	db := setup(t, stockSchema)
	s := stock("A", 1)
	s.Name = strings.Repeat("x", 100)
	oid := must(Insert(db, s))
	ensure(db.Commit())
	off := db.entries[oid].off

	s.Name = "short"
	ensure(Update(db, oid, s))
	if db.entries[oid].off != off {
		t.Errorf("** shrinking update moved the object from %d to %d", off, db.entries[oid].off)
	}
	deepEqual(t, must(Fetch[Stock](db, oid)), s)
	if data := db.region.Bytes()[off : off+16]; bytes.Contains(data, []byte("short")) {
		t.Errorf("** uncommitted update overwrote committed bytes")
	}

	s.Name = strings.Repeat("y", 500)
	ensure(Update(db, oid, s))
	if db.entries[oid].off == off {
		t.Errorf("** growing update did not move the object")
	}
	deepEqual(t, must(Fetch[Stock](db, oid)), s)
	ensure(db.Check())

	ensure(db.Commit())
	ensure(db.Check())
	db = reopen(t, db, Options{})
	deepEqual(t, must(Fetch[Stock](db, oid)), s)
	ensure(db.Check())
}

func TestDB_indexResync(t *testing.T) {
	db := setup(t, stockSchema)
	oid := must(Insert(db, stock("A", 1)))
	must(Insert(db, stock("B", 2)))

	s := stock("C", 3)
	ensure(Update(db, oid, s))
	isempty(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("A")))
	deepEqual(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("C")), []OID{oid})
	deepEqual(t, lookup(t, db, stockType, "nPrice", Greater, IntValue(2)), []OID{oid})
	ensure(db.Check())
}

func TestDB_rollback(t *testing.T) {
	db := setup(t, stockSchema)
	a := must(Insert(db, stock("A", 1)))
	b := must(Insert(db, stock("B", 2)))
	c := must(Insert(db, stock("C", 3)))
	ensure(db.Commit())
	const flags = DumpHeader | DumpTypeHeaders | DumpObjects | DumpStats | DumpFreeSpace
	before := db.Dump(flags)
	stats := db.Stats()

	must(Insert(db, stock("D", 4)))
	ensure(Update(db, a, stock("A2", 1.5)))
	big := stock("B", 2)
	big.Name = strings.Repeat("z", 1000)
	ensure(Update(db, b, big))
	ensure(db.Delete(c))
	ensure(db.Check())
	ensure(db.Rollback())

	deepEqual(t, db.Dump(flags), before)
	deepEqual(t, must(Fetch[Stock](db, a)), stock("A", 1))
	deepEqual(t, must(Fetch[Stock](db, b)), stock("B", 2))
	deepEqual(t, must(Fetch[Stock](db, c)), stock("C", 3))
	deepEqual(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("A")), []OID{a})
	isempty(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("D")))
	space := db.Stats().Space
	if space.Tail != stats.Space.Tail || space.FreeBytes != stats.Space.FreeBytes {
		t.Errorf("** space after rollback = %+v, wanted %+v", space, stats.Space)
	}
	deepEqual(t, must(db.Count(stockType)), 3)
	ensure(db.Check())

	// rolled back OIDs are handed out again
	d := must(Insert(db, stock("D", 4)))
	deepEqual(t, d, c+1)
}

func TestDB_Write(t *testing.T) {
	db := setup(t, stockSchema)
	var oid OID
	ensure(db.Write(func() error {
		oid = must(Insert(db, stock("A", 1)))
		return nil
	}))
	if _, ok := db.Pending(); ok {
		t.Fatalf("** Write left a pending transaction")
	}
	deepEqual(t, db.Stats().CommitSeq, uint64(1))

	failure := errors.New("failure")
	err := db.Write(func() error {
		ensure(db.Delete(oid))
		return failure
	})
	if err != failure {
		t.Fatalf("** Write err = %v, wanted %v", err, failure)
	}
	deepEqual(t, must(Fetch[Stock](db, oid)), stock("A", 1))

	err = db.Write(func() error {
		ensure(db.Delete(oid))
		panic("boom")
	})
	var p panicked
	if !errors.As(err, &p) || p.reason != "boom" {
		t.Fatalf("** Write err = %v, wanted a panic", err)
	}
	deepEqual(t, must(Fetch[Stock](db, oid)), stock("A", 1))
	deepEqual(t, db.Stats().Rollbacks, uint64(2))
}

func TestDB_commitPersists(t *testing.T) {
	db := setup(t, stockSchema)
	var oids []OID
	for i := range 100 {
		oids = append(oids, must(Insert(db, stock(fmt.Sprintf("%06d", i), float64(i)))))
	}
	ensure(db.Commit())
	ensure(db.Delete(oids[10]))
	must(Insert(db, stock("uncommitted", 1000)))
	db = reopen(t, db, Options{})

	deepEqual(t, db.Stats().Objects, uint64(100))
	for i, oid := range oids {
		deepEqual(t, must(Fetch[Stock](db, oid)), stock(fmt.Sprintf("%06d", i), float64(i)))
	}
	deepEqual(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("000042")), []OID{oids[42]})
	deepEqual(t, lookup(t, db, stockType, "nPrice", GreaterOrEqual, IntValue(98)), []OID{oids[98], oids[99]})
	isempty(t, lookup(t, db, stockType, "szStkCode", Equals, StringValue("uncommitted")))
	ensure(db.Check())
}

func TestDB_commitIdempotent(t *testing.T) {
	db := setup(t, stockSchema)
	must(Insert(db, stock("A", 1)))
	ensure(db.Commit())
	seq := db.Stats().CommitSeq
	ensure(db.region.Sync())
	file1 := must(os.ReadFile(db.path))

	ensure(db.Commit())
	ensure(db.region.Sync())
	file2 := must(os.ReadFile(db.path))
	deepEqual(t, db.Stats().CommitSeq, seq)
	if !bytes.Equal(file1, file2) {
		t.Fatalf("** second commit changed the file")
	}

	// a transaction that changes nothing is also a no-op
	oid := must(Insert(db, stock("B", 2)))
	ensure(db.Delete(oid))
	ensure(db.Rollback())
	ensure(db.Commit())
	deepEqual(t, db.Stats().CommitSeq, seq)
}

func TestDB_commitFailure(t *testing.T) {
	tests := []struct {
		stage     commitStage
		committed bool
	}{
		{stageFreshSynced, false},
		{stageJournalWritten, false},
		{stageJournalCommitted, true},
		{stageApplied, true},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			db := setup(t, stockSchema)
			a := must(Insert(db, stock("A", 1)))
			b := must(Insert(db, stock("B", 2)))
			ensure(db.Commit())

			c := must(Insert(db, stock("C", 3)))
			ensure(Update(db, a, stock("A", 1.5)))
			ensure(db.Delete(b))

			failure := errors.New("simulated failure")
			db.commitFault = func(stage commitStage) error {
				if stage == tt.stage {
					return failure
				}
				return nil
			}
			err := db.Commit()
			if tt.committed {
				// the journal holds the commit, only the checkpoint is late
				if err != nil {
					t.Fatalf("** Commit failed after reaching the journal: %v", err)
				}
				deepEqual(t, must(Fetch[Stock](db, a)), stock("A", 1.5))
				deepEqual(t, db.jrnl.Batches(), 1)

				d := must(Insert(db, stock("D", 4)))
				err = db.Commit()
				if !errors.Is(err, ErrCommitFailed) || !errors.Is(err, ErrCheckpointFailed) {
					t.Fatalf("** Commit with a failing checkpoint err = %v, wanted ErrCommitFailed and ErrCheckpointFailed", err)
				}
				_, err = db.Fetch(d)
				isNotFound(t, err)
				_, err = Insert(db, stock("E", 5))
				if !errors.Is(err, ErrCheckpointFailed) || errors.Is(err, ErrCommitFailed) {
					t.Fatalf("** Insert after a failed checkpoint err = %v, wanted ErrCheckpointFailed", err)
				}
			} else {
				if !errors.Is(err, ErrCommitFailed) || !errors.Is(err, failure) {
					t.Fatalf("** Commit err = %v, wanted ErrCommitFailed", err)
				}
				deepEqual(t, must(Fetch[Stock](db, a)), stock("A", 1))
				ensure(db.Check())
			}

			crash(db)
			db = reopen(t, db, Options{})
			if tt.committed {
				deepEqual(t, must(Fetch[Stock](db, a)), stock("A", 1.5))
				deepEqual(t, must(Fetch[Stock](db, c)), stock("C", 3))
				_, err = Fetch[Stock](db, b)
				isNotFound(t, err)
				deepEqual(t, db.Stats().CommitSeq, uint64(2))
			} else {
				deepEqual(t, must(Fetch[Stock](db, a)), stock("A", 1))
				deepEqual(t, must(Fetch[Stock](db, b)), stock("B", 2))
				_, err = Fetch[Stock](db, c)
				isNotFound(t, err)
				deepEqual(t, db.Stats().CommitSeq, uint64(1))
			}
			ensure(db.Check())
		})
	}
}

func TestDB_deferredCheckpoint(t *testing.T) {
	db := setup(t, stockSchema)
	failures := 1
	db.commitFault = func(stage commitStage) error {
		if stage == stageApplied && failures > 0 {
			failures--
			return errors.New("simulated failure")
		}
		return nil
	}

	a := must(Insert(db, stock("A", 1)))
	ensure(db.Commit())
	deepEqual(t, db.jrnl.Batches(), 1)

	b := must(Insert(db, stock("B", 2)))
	ensure(db.Commit())
	deepEqual(t, db.jrnl.Batches(), 0)
	if db.pendingCkpt != nil {
		t.Fatalf("** checkpoint still pending after a successful commit: %v", db.pendingCkpt)
	}

	// Close finishes a deferred checkpoint
	failures = 1
	c := must(Insert(db, stock("C", 3)))
	ensure(db.Commit())
	deepEqual(t, db.jrnl.Batches(), 1)

	db = reopen(t, db, Options{})
	deepEqual(t, db.jrnl.Batches(), 0)
	deepEqual(t, db.Stats().CommitSeq, uint64(3))
	deepEqual(t, must(Fetch[Stock](db, a)), stock("A", 1))
	deepEqual(t, must(Fetch[Stock](db, b)), stock("B", 2))
	deepEqual(t, must(Fetch[Stock](db, c)), stock("C", 3))
	ensure(db.Check())
}

func TestDB_outOfSpace(t *testing.T) {
	const limit = 64 << 10
	db := setup(t, stockSchema, Options{InitialSize: limit / 2, ExtensionQuantum: PageSize, MaxFileSize: limit})
	big := func(code string) *Stock {
		s := stock(code, 1)
		s.Name = strings.Repeat("x", 1000)
		return s
	}
	a := must(Insert(db, big("A")))
	ensure(db.Commit())

	var pending []OID
	var err error
	for i := 0; err == nil; i++ {
		if i > 1000 {
			t.Fatalf("** file never ran out of space")
		}
		var oid OID
		oid, err = Insert(db, big(fmt.Sprintf("%06d", i)))
		if err == nil {
			pending = append(pending, oid)
		}
	}
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("** Insert err = %v, wanted ErrOutOfSpace", err)
	}
	if len(pending) == 0 {
		t.Fatalf("** no insert fitted before running out of space")
	}
	if size := db.Stats().Space.Size; size > limit {
		t.Fatalf("** file grew to %d bytes, limit is %d", size, limit)
	}

	// only the failed insert is lost
	deepEqual(t, must(db.Count(stockType)), len(pending)+1)
	ensure(db.Commit())
	ensure(db.Check())
	deepEqual(t, must(Fetch[Stock](db, pending[len(pending)-1])), big(fmt.Sprintf("%06d", len(pending)-1)))

	// freed space is reused once the file cannot grow
	ensure(db.Delete(a))
	ensure(db.Commit())
	b := must(Insert(db, big("B")))
	ensure(db.Commit())
	ensure(db.Check())

	db = reopen(t, db, Options{})
	deepEqual(t, must(db.Count(stockType)), len(pending)+1)
	deepEqual(t, must(Fetch[Stock](db, b)), big("B"))
	ensure(db.Check())
}

func TestDB_oidReuse(t *testing.T) {
	db := setup(t, stockSchema)
	a := must(Insert(db, stock("A", 1)))
	b := must(Insert(db, stock("B", 2)))
	ensure(db.Commit())

	ensure(db.Delete(a))
	c := must(Insert(db, stock("C", 3)))
	if c == a {
		t.Fatalf("** OID %v reused before the delete was committed", a)
	}
	ensure(db.Commit())

	d := must(Insert(db, stock("D", 4)))
	deepEqual(t, d, a)
	ensure(db.Commit())
	ensure(db.Check())

	db = reopen(t, db, Options{})
	deepEqual(t, must(Fetch[Stock](db, d)), stock("D", 4))
	deepEqual(t, must(Fetch[Stock](db, b)), stock("B", 2))
	ensure(db.Check())
}

func TestDB_growth(t *testing.T) {
	db := setup(t, stockSchema, Options{InitialSize: PageSize, ExtensionQuantum: PageSize, InitialIndexCapacity: 1})
	const n = 3000
	var oids []OID
	for i := range n {
		oids = append(oids, must(Insert(db, stock(fmt.Sprintf("%06d", i), float64(i)))))
		if i%1000 == 999 {
			ensure(db.Commit())
		}
	}
	ensure(db.Commit())
	ensure(db.Check())
	s := db.Stats()
	if s.TableCap < n+1 || s.Space.Size <= PageSize || s.Space.Size%PageSize != 0 {
		t.Fatalf("** stats = %+v, wanted a grown file and object table", s)
	}

	for _, oid := range oids[:n/2] {
		ensure(db.Delete(oid))
	}
	ensure(db.Commit())
	ensure(db.Check())

	db = reopen(t, db, Options{ExtensionQuantum: PageSize})
	ensure(db.Check())
	deepEqual(t, must(db.Count(stockType)), n/2)
	deepEqual(t, must(Fetch[Stock](db, oids[n-1])), stock(fmt.Sprintf("%06d", n-1), n-1))
}

func TestDB_types(t *testing.T) {
	db := setup(t, nil)
	ensure(db.RegisterType(allKinds))
	ensure(db.RegisterType(allKinds))
	ensure(db.RegisterType(MustNewType("AllKinds", allKinds.Fields()...)))

	err := db.RegisterType(MustNewType("AllKinds", FieldDesc{Name: "x", Kind: KindString}))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("** RegisterType(conflicting) err = %v, wanted ErrTypeMismatch", err)
	}
	deepEqual(t, len(db.Types()), 1)

	// registration alone is committed
	ensure(db.Commit())
	db = reopen(t, db, Options{})
	typ := db.TypeNamed("AllKinds")
	if typ == nil || typ.Describe() != allKinds.Describe() {
		t.Fatalf("** TypeNamed = %v, wanted %s", typ, allKinds.Describe())
	}
	isnil(t, db.TypeNamed("Nope"))

	_, err = db.Count(MustNewType("Nope", FieldDesc{Name: "x", Kind: KindString}))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("** Count(unregistered) err = %v, wanted ErrTypeMismatch", err)
	}
}

func TestDB_readOnly(t *testing.T) {
	db := setup(t, stockSchema)
	oid := must(Insert(db, stock("A", 1)))
	ensure(db.Commit())
	db = reopen(t, db, Options{AccessType: ReadOnly})

	if !db.IsReadOnly() {
		t.Fatalf("** IsReadOnly = false")
	}
	deepEqual(t, must(Fetch[Stock](db, oid)), stock("A", 1))
	_, err := Insert(db, stock("B", 2))
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("** Insert err = %v, wanted ErrReadOnly", err)
	}
	if err := db.Delete(oid); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("** Delete err = %v, wanted ErrReadOnly", err)
	}
	ensure(db.Check())
}

func TestDB_readOnlyMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), nil, Options{AccessType: ReadOnly})
	if !errors.Is(err, ErrStorageIO) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("** Open err = %v, wanted ErrStorageIO wrapping ErrNotExist", err)
	}
}

func TestDB_options(t *testing.T) {
	tests := []struct {
		opt Options
		ok  bool
	}{
		{Options{}, true},
		{Options{InitialSize: 1, ExtensionQuantum: PageSize + 1}, true},
		{Options{InitialSize: -1}, false},
		{Options{ExtensionQuantum: 100}, false},
		{Options{InitialIndexCapacity: -1}, false},
		{Options{FreeSpaceReuseThreshold: -1}, false},
		{Options{AccessType: 7}, false},
		{Options{InitialSize: PageSize, MaxFileSize: PageSize}, true},
		{Options{InitialSize: 2 * PageSize, MaxFileSize: PageSize}, false},
		{Options{MaxFileSize: -1}, false},
	}
	for _, tt := range tests {
		o, err := tt.opt.normalize()
		if tt.ok {
			if err != nil {
				t.Errorf("** normalize(%+v) err = %v", tt.opt, err)
			} else if o.InitialSize%PageSize != 0 || o.ExtensionQuantum%PageSize != 0 || o.Logger == nil {
				t.Errorf("** normalize(%+v) = %+v", tt.opt, o)
			}
		} else if !errors.Is(err, ErrConfig) {
			t.Errorf("** normalize(%+v) err = %v, wanted ErrConfig", tt.opt, err)
		}
	}

	_, err := Open(filepath.Join(t.TempDir(), "x.db"), nil, Options{ExtensionQuantum: 1})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("** Open err = %v, wanted ErrConfig", err)
	}
}

func TestDB_locked(t *testing.T) {
	db := setup(t, nil)
	_, err := Open(db.Path(), nil, Options{NoSync: true})
	if !errors.Is(err, ErrStorageIO) {
		t.Fatalf("** second Open err = %v, wanted ErrStorageIO", err)
	}
}

func TestDB_notADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	ensure(os.WriteFile(path, bytes.Repeat([]byte("junk"), PageSize), 0o666))
	_, err := Open(path, nil, Options{NoSync: true})
	if !errors.Is(err, ErrStorageIO) || !errors.Is(err, ErrCorrupted) {
		t.Fatalf("** Open err = %v, wanted ErrStorageIO and ErrCorrupted", err)
	}
}

func TestDB_unwrittenFile(t *testing.T) {
	dir := t.TempDir()
	cat := encodeCatalog(&catalog{})

	// creation interrupted after the catalog, before the header
	path := filepath.Join(dir, "interrupted.db")
	data := make([]byte, 4*PageSize)
	copy(data[2*PageSize:], cat)
	ensure(os.WriteFile(path, data, 0o666))
	db := must(Open(path, stockSchema, Options{NoSync: true}))
	must(Insert(db, stock("A", 1)))
	ensure(db.Commit())
	ensure(db.Close())

	// a database with a wiped header is left alone
	f := must(os.OpenFile(path, os.O_RDWR, 0))
	must(f.WriteAt(make([]byte, headerSize), 0))
	ensure(f.Close())
	before := must(os.ReadFile(path))
	_, err := Open(path, stockSchema, Options{NoSync: true})
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("** Open err = %v, wanted ErrCorrupted", err)
	}
	if !bytes.Equal(must(os.ReadFile(path)), before) {
		t.Fatalf("** Open modified a database with a wiped header")
	}

	for name, content := range map[string][]byte{
		"zeros":  make([]byte, 2*PageSize),
		"twoCat": append(append(make([]byte, PageSize), cat...), cat...),
		"junk":   append(make([]byte, PageSize), 1),
	} {
		p := filepath.Join(dir, name+".db")
		ensure(os.WriteFile(p, content, 0o666))
		f := must(os.Open(p))
		got := isUnwrittenFile(f, int64(len(content)))
		ensure(f.Close())
		if want := name == "zeros"; got != want {
			t.Errorf("** isUnwrittenFile(%s) = %v, wanted %v", name, got, want)
		}
	}
}

func TestDB_close(t *testing.T) {
	db := setup(t, stockSchema)
	oid := must(Insert(db, stock("A", 1)))
	ensure(db.Close())
	ensure(db.Close())

	_, err := db.Fetch(oid)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("** Fetch after Close err = %v, wanted ErrClosed", err)
	}
	if err := db.Commit(); !errors.Is(err, ErrClosed) {
		t.Fatalf("** Commit after Close err = %v, wanted ErrClosed", err)
	}

	db = must(Open(db.Path(), stockSchema, Options{NoSync: true}))
	defer db.Close()
	_, err = db.Fetch(oid)
	isNotFound(t, err)
}

func TestDB_statsAndDump(t *testing.T) {
	db := setup(t, stockSchema)
	must(Insert(db, stock("000001", 1)))
	must(Insert(db, stock("000002", 2)))
	ensure(db.Commit())

	s := db.Stats()
	deepEqual(t, s.Objects, uint64(2))
	deepEqual(t, len(s.Types), 1)
	deepEqual(t, s.Types[0].Objects, 2)
	deepEqual(t, len(s.Types[0].Indexes), 3)
	if is := s.Types[0].Indexes[0]; is.Field != "szStkCode" || is.Keys != 2 || is.OIDs != 2 || is.Buckets == 0 {
		t.Errorf("** index stats = %+v", is)
	}
	if s.Commits != 1 || s.Writes != 2 {
		t.Errorf("** stats = %+v, wanted 1 commit and 2 writes", s)
	}

	if !DumpTypeHeaders.Contains(DumpTypeHeaders) || DumpTypeHeaders.Contains(DumpObjects) {
		t.Fatalf("DumpFlags.Contains returned unexpected results")
	}
	out := db.Dump(DumpAll)
	for _, want := range []string{"Stock (2 objects)", `"000002"`, "Stock.i.nPrice", "Stock.i.szStkCode.1", "free ("} {
		if !strings.Contains(out, want) {
			t.Errorf("** Dump output missing %q; got:\n%s", want, out)
		}
	}
}

func TestDB_check(t *testing.T) {
	db := setup(t, stockSchema)
	oid := must(Insert(db, stock("A", 1)))
	ensure(db.Commit())
	ensure(db.Check())

	ts := db.typesByName["Stock"]
	ts.byField[0].remove(StringValue("A"), oid)
	err := db.Check()
	if !errors.Is(err, ErrCorrupted) || !strings.Contains(err.Error(), "szStkCode index is missing") {
		t.Fatalf("** Check err = %v, wanted a missing index key", err)
	}
	ts.byField[0].insert(StringValue("A"), oid)
	ensure(db.Check())

	e := db.entries[oid]
	e.off -= AllocQuantum
	db.entries[oid] = e
	if err := db.Check(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("** Check err = %v, wanted ErrCorrupted", err)
	}
}

func setup(t testing.TB, scm *Schema, opts ...Options) *DB {
	t.Helper()
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt.NoSync = true
	path := filepath.Join(t.TempDir(), "test.db")
	t.Logf("DB: %s", path)
	db := must(Open(path, scm, opt))
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// reopen closes the database cleanly and opens it again.
func reopen(t testing.TB, db *DB, opt Options) *DB {
	t.Helper()
	ensure(db.Close())
	opt.NoSync = true
	db = must(Open(db.path, stockSchema, opt))
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// crash abandons the database like a killed process would: no rollback, no
// further writes.
func crash(db *DB) {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.closed = true
	db.tx = nil
	db.closeFiles()
}

func lookup(t testing.TB, db *DB, typ *Type, field string, kind PredicateKind, v Value) []OID {
	t.Helper()
	return must(db.Lookup(typ, field, kind, v, Value{}))
}

func must2[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	if err != nil {
		panic(err)
	}
	return v1, v2
}

func isNotFound(t testing.TB, err error) {
	if !errors.Is(err, ErrNotFound) {
		t.Helper()
		t.Errorf("** got error %v, wanted ErrNotFound", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got %v, wanted nil", a)
	}
}
