package mmdb

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/andreyvit/mmdb/extent"
)

const maxCheckProblems = 100

// Check verifies the consistency of the database: extents of objects, the
// object table, the catalog and free space must not overlap; every live
// object must decode and be present in each of its type's indexes; the
// indexes must not hold anything else; the free OID chain must be sound.
// It returns nil or an ErrCorrupted error listing the problems found.
func (db *DB) Check() error {
	db.lock.RLock()
	defer db.lock.RUnlock()
	if err := db.checkOpen("check"); err != nil {
		return err
	}

	var problems []error
	report := func(format string, args ...any) {
		if len(problems) < maxCheckProblems {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	type owned struct {
		ext   extent.Extent
		owner string
	}
	var all []owned
	all = append(all, owned{db.hdr.tableExtent(), "object table"}, owned{db.hdr.catalogExtent(), "catalog"})
	if tx := db.tx; tx != nil {
		for _, ext := range tx.pendingFree {
			all = append(all, owned{ext, "pending free"})
		}
	}
	for _, ext := range db.alloc.FreeExtents() {
		all = append(all, owned{ext, "free"})
	}

	counts := make([]int, len(db.typesByID))
	var live uint64
	for oid := 1; oid < len(db.entries); oid++ {
		e := db.entries[oid]
		if !e.live() {
			continue
		}
		live++
		if int(e.typeID) >= len(db.typesByID) || db.typesByID[e.typeID] == nil {
			report("%v: unknown type %d", OID(oid), e.typeID)
			continue
		}
		ts := db.typesByID[e.typeID]
		counts[e.typeID]++
		ext := e.extent()
		all = append(all, owned{ext, OID(oid).String()})
		if ext.Off < PageSize || ext.End() > db.alloc.Tail() {
			report("%v: extent %v outside of the allocated area", OID(oid), ext)
			continue
		}
		rec, err := ts.typ.decodeRecord(db.objectBytes(e))
		if err != nil {
			report("%v: %w", OID(oid), err)
			continue
		}
		for _, idx := range ts.indexes {
			if !idx.contains(rec[idx.field], OID(oid)) {
				report("%v: %s.%s index is missing key %v", OID(oid), ts.typ.name, idx.desc.Name, rec[idx.field])
			}
		}
	}
	if live != db.live {
		report("found %d live objects, expected %d", live, db.live)
	}
	for id, ts := range db.typesByID {
		if ts == nil {
			continue
		}
		if counts[id] != ts.count {
			report("%s: found %d objects, expected %d", ts.typ.name, counts[id], ts.count)
		}
		for _, idx := range ts.indexes {
			if n := idx.oidCount(); n != counts[id] {
				report("%s.%s index holds %d OIDs for %d objects", ts.typ.name, idx.desc.Name, n, counts[id])
			}
		}
	}

	slices.SortFunc(all, func(a, b owned) int {
		return cmp.Compare(a.ext.Off, b.ext.Off)
	})
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if cur.ext.Off < prev.ext.End() {
			report("%s %v overlaps %s %v", cur.owner, cur.ext, prev.owner, prev.ext)
		} else if cur.ext.Off > prev.ext.End() && db.tx == nil {
			report("leaked %v between %s and %s", extent.Extent{Off: prev.ext.End(), Len: cur.ext.Off - prev.ext.End()}, prev.owner, cur.owner)
		}
	}

	seen := make(map[OID]bool)
	for oid := db.freeHead; oid != 0; oid = OID(db.entries[oid].off) {
		if uint64(oid) >= uint64(len(db.entries)) {
			report("free OID chain points outside of the table at %v", oid)
			break
		}
		if seen[oid] {
			report("free OID chain loops at %v", oid)
			break
		}
		seen[oid] = true
		if db.entries[oid].live() {
			report("free OID chain contains live %v", oid)
			break
		}
	}

	if len(problems) > 0 {
		return &Error{Kind: ErrCorrupted, Op: "check", Err: errors.Join(problems...)}
	}
	return nil
}
