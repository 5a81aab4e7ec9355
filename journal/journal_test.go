package journal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/mmdb/journal"
)

var inv1 = [32]byte{1, 2, 3}

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func open(t testing.TB, path string, o journal.Options) *journal.Journal {
	t.Helper()
	if o.Now == nil {
		o.Now = fixedNow
	}
	if o.Invariant == ([32]byte{}) {
		o.Invariant = inv1
	}
	j, err := journal.Open(path, o)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func collect(t testing.TB, j *journal.Journal) [][]string {
	t.Helper()
	var result [][]string
	ensure(j.Replay(func(b *journal.Batch) error {
		var recs []string
		for _, r := range b.Records {
			recs = append(recs, string(r.Data))
		}
		result = append(result, recs)
		return nil
	}))
	return result
}

func TestJournal_trivial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("second")))
	ensure(j.Commit())
	ensure(j.Close())

	j = open(t, path, journal.Options{})
	deepEq(t, j.Batches(), 2)
	deepEq(t, collect(t, j), [][]string{{"hello", "w", "orld"}, {"second"}})
}

func TestJournal_emptyCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	size := j.Size()
	ensure(j.Commit())
	deepEq(t, j.Size(), size)
	deepEq(t, j.Batches(), 0)
}

func TestJournal_uncommittedTailDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("kept")))
	ensure(j.Commit())
	committed := j.Size()
	ensure(j.WriteRecord(0, []byte("lost")))
	ensure(j.Close())

	j = open(t, path, journal.Options{})
	deepEq(t, collect(t, j), [][]string{{"kept"}})
	deepEq(t, j.Size(), committed)
	st, err := os.Stat(path)
	ensure(err)
	deepEq(t, st.Size(), committed)

	// appending after recovery continues the checksum chain
	ensure(j.WriteRecord(0, []byte("next")))
	ensure(j.Commit())
	ensure(j.Close())
	j = open(t, path, journal.Options{})
	deepEq(t, collect(t, j), [][]string{{"kept"}, {"next"}})
}

func TestJournal_tornMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	first := j.Size()
	ensure(j.WriteRecord(0, []byte("two")))
	ensure(j.Commit())
	second := j.Size()
	ensure(j.Close())

	ensure(os.Truncate(path, second-3))

	j = open(t, path, journal.Options{})
	deepEq(t, collect(t, j), [][]string{{"one"}})
	deepEq(t, j.Size(), first)
}

func TestJournal_corruptedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	first := j.Size()
	ensure(j.WriteRecord(0, []byte("two")))
	ensure(j.Commit())
	ensure(j.Close())

	data, err := os.ReadFile(path)
	ensure(err)
	data[first+2] ^= 0xFF // inside "two"
	ensure(os.WriteFile(path, data, 0o666))

	j = open(t, path, journal.Options{})
	deepEq(t, collect(t, j), [][]string{{"one"}})
}

func TestJournal_reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	ensure(j.Reset())
	deepEq(t, j.Batches(), 0)
	deepEq(t, collect(t, j), [][]string(nil))

	ensure(j.WriteRecord(0, []byte("two")))
	ensure(j.Commit())
	ensure(j.Close())

	j = open(t, path, journal.Options{})
	deepEq(t, collect(t, j), [][]string{{"two"}})
}

func TestJournal_abort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("dropped")))
	ensure(j.Abort())
	ensure(j.WriteRecord(0, []byte("two")))
	ensure(j.Commit())
	ensure(j.Close())

	j = open(t, path, journal.Options{})
	deepEq(t, collect(t, j), [][]string{{"one"}, {"two"}})
}

func TestJournal_timestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	now := fixedNow()
	j := open(t, path, journal.Options{Now: func() time.Time { return now }})
	ensure(j.WriteRecord(0, []byte("a")))
	now = now.Add(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	ensure(j.Close())

	j = open(t, path, journal.Options{})
	var ts []uint32
	ensure(j.Replay(func(b *journal.Batch) error {
		for _, r := range b.Records {
			ts = append(ts, r.Timestamp)
		}
		return nil
	}))
	base := uint32(fixedNow().Unix())
	deepEq(t, ts, []uint32{base, base + 1000})
}

func TestJournal_invariantMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.Close())

	_, err := journal.Open(path, journal.Options{Invariant: [32]byte{9}})
	if !errors.Is(err, journal.ErrIncompatible) {
		t.Fatalf("Open err = %v, wanted ErrIncompatible", err)
	}
}

func TestJournal_notAJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	ensure(os.WriteFile(path, make([]byte, 200), 0o666))
	_, err := journal.Open(path, journal.Options{Invariant: inv1})
	if !errors.Is(err, journal.ErrIncompatible) {
		t.Fatalf("Open err = %v, wanted ErrIncompatible", err)
	}
}

func TestJournal_tornHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-journal")
	ensure(os.WriteFile(path, []byte("MJOU"), 0o666))
	j := open(t, path, journal.Options{})
	deepEq(t, j.Batches(), 0)
	ensure(j.WriteRecord(0, []byte("x")))
	ensure(j.Commit())
}

func TestJournal_readOnly(t *testing.T) {
	dir := t.TempDir()
	missing := open(t, filepath.Join(dir, "none-journal"), journal.Options{ReadOnly: true})
	deepEq(t, missing.Batches(), 0)
	if err := missing.WriteRecord(0, []byte("x")); err != journal.ErrReadOnly {
		t.Fatalf("WriteRecord err = %v, wanted ErrReadOnly", err)
	}

	path := filepath.Join(dir, "db-journal")
	j := open(t, path, journal.Options{})
	ensure(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	ensure(j.Close())

	ro := open(t, path, journal.Options{ReadOnly: true})
	deepEq(t, collect(t, ro), [][]string{{"one"}})
	if err := ro.Reset(); err != journal.ErrReadOnly {
		t.Fatalf("Reset err = %v, wanted ErrReadOnly", err)
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
