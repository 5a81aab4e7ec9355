package mmdb

import (
	"github.com/andreyvit/mmdb/extent"
)

type Stats struct {
	Objects     uint64
	CommitSeq   uint64
	TableCap    uint64
	NextOID     OID
	JournalSize int64
	Pending     bool

	Reads     uint64
	Writes    uint64
	Commits   uint64
	Rollbacks uint64

	Space extent.Stats
	Types []TypeStats
}

type TypeStats struct {
	Name    string
	Objects int
	Indexes []IndexStats
}

type IndexStats struct {
	Field string
	Kind  IndexKind
	Keys  int
	OIDs  int

	// hash indexes only
	Buckets      int
	UsedBuckets  int
	LongestChain int
}

// FreeRatio is the share of the allocated area that is free.
func (s *Stats) FreeRatio() float64 {
	if s.Space.Tail == 0 {
		return 0
	}
	return float64(s.Space.FreeBytes) / float64(s.Space.Tail)
}

func (db *DB) Stats() Stats {
	db.lock.RLock()
	defer db.lock.RUnlock()
	s := Stats{
		Objects:   db.live,
		CommitSeq: db.hdr.CommitSeq,
		TableCap:  db.hdr.ObjTableCap,
		NextOID:   OID(len(db.entries)),
		Pending:   db.tx != nil,
		Reads:     db.ReadCount.Load(),
		Writes:    db.WriteCount.Load(),
		Commits:   db.CommitCount.Load(),
		Rollbacks: db.RollbackCount.Load(),
	}
	if db.closed {
		return s
	}
	if db.jrnl != nil {
		s.JournalSize = db.jrnl.Size()
	}
	s.Space = db.alloc.Stats()
	for _, ts := range db.typesByID {
		if ts == nil {
			continue
		}
		s.Types = append(s.Types, ts.stats())
	}
	return s
}

func (ts *typeState) stats() TypeStats {
	r := TypeStats{Name: ts.typ.name, Objects: ts.count}
	for _, idx := range ts.indexes {
		is := IndexStats{
			Field: idx.desc.Name,
			Kind:  idx.desc.Index,
			Keys:  idx.keyCount(),
			OIDs:  idx.oidCount(),
		}
		if idx.hash != nil {
			is.Buckets = len(idx.hash.buckets)
			is.LongestChain, is.UsedBuckets = idx.hash.chainStats()
		}
		r.Indexes = append(r.Indexes, is)
	}
	return r
}
