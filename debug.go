package mmdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpTypeHeaders
	DumpObjects
	DumpStats
	DumpIndexes
	DumpIndexKeys
	DumpFreeSpace

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the contents of the database for debugging, including
// uncommitted changes.
func (db *DB) Dump(f DumpFlags) string {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if db.closed {
		return "<closed>\n"
	}
	var buf strings.Builder
	if f.Contains(DumpHeader) {
		db.dumpHeader(&buf)
	}
	for _, ts := range db.typesByID {
		if ts != nil {
			db.dumpType(&buf, f, ts)
		}
	}
	if f.Contains(DumpFreeSpace) {
		fmt.Fprintln(&buf, dumpSep1)
		free := db.alloc.FreeExtents()
		fmt.Fprintf(&buf, "free (%d extents, %d bytes)\n", len(free), db.alloc.FreeBytes())
		for _, ext := range free {
			fmt.Fprintf(&buf, "free.%d+%d\n", ext.Off, ext.Len)
		}
	}
	return buf.String()
}

func (db *DB) dumpHeader(w *strings.Builder) {
	h := &db.hdr
	fmt.Fprintln(w, rpadf('=', "== %s ", db.path))
	fmt.Fprintf(w, "id = %v, seq = %d, size = %d, tail = %d\n", h.DBID, h.CommitSeq, h.FileSize, h.Tail)
	fmt.Fprintf(w, "table = %d+%d cap %d, next = %d, free_oid = %d, live = %d\n", h.ObjTableOff, h.ObjTableCap*objEntrySize, h.ObjTableCap, h.NextOID, h.FreeOIDHead, h.LiveCount)
	fmt.Fprintf(w, "catalog = %d+%d\n", h.CatalogOff, h.CatalogSize)
	if db.tx != nil {
		s := db.tx.Stats()
		fmt.Fprintf(w, "pending: %d objects, %d inserts, %d updates, %d deletes\n", s.Objects, s.Inserts, s.Updates, s.Deletes)
	}
}

func (db *DB) dumpType(w *strings.Builder, f DumpFlags, ts *typeState) {
	prefix := ts.typ.name
	if f.Contains(DumpTypeHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d objects) %s\n", prefix, ts.count, ts.typ.Describe())
	}
	if f.Contains(DumpStats) {
		s := ts.stats()
		for _, is := range s.Indexes {
			fmt.Fprintf(w, "%s.stats.%s: kind = %v, keys = %d, oids = %d", prefix, is.Field, is.Kind, is.Keys, is.OIDs)
			if is.Buckets > 0 {
				fmt.Fprintf(w, ", buckets = %d, used = %d, longest_chain = %d", is.Buckets, is.UsedBuckets, is.LongestChain)
			}
			fmt.Fprintln(w)
		}
	}

	if f.Contains(DumpObjects) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		for oid := 1; oid < len(db.entries); oid++ {
			e := db.entries[oid]
			if !e.live() || e.typeID != ts.id {
				continue
			}
			rec, err := ts.typ.decodeRecord(db.objectBytes(e))
			if err != nil {
				fmt.Fprintf(w, "%s.%d = (%d+%d) ** ERROR: %v\n", prefix, oid, e.off, e.size, err)
				continue
			}
			fmt.Fprintf(w, "%s.%d = (%d+%d) %v\n", prefix, oid, e.off, e.size, rec)
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range ts.indexes {
			db.dumpIndex(w, prefix, f, idx)
		}
	}
}

func (db *DB) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, idx *fieldIndex) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.desc.Name
	fmt.Fprintf(w, "%s (%v, %d keys)\n", prefix, idx.desc.Index, idx.keyCount())

	if f.Contains(DumpIndexKeys) {
		var pos int
		dumpKey := func(key Value, p *postings) {
			pos++
			fmt.Fprintf(w, "%s.%d: %v => %v\n", prefix, pos, key, p.appendTo(nil))
		}
		if idx.hash != nil {
			idx.hash.each(dumpKey)
		} else {
			idx.tree.scan(nil, nil, func(e *orderedEntry) bool {
				dumpKey(e.key, &e.posts)
				return true
			})
		}
	}
}

func rpadf(pad rune, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	return rpad(s, 80, pad)
}
