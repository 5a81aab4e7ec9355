package mmdb

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

type commitStage int

const (
	stageFreshSynced commitStage = iota + 1
	stageJournalWritten
	stageJournalCommitted
	stageApplied
)

var commitStageNames = [...]string{
	stageFreshSynced:      "fresh-synced",
	stageJournalWritten:   "journal-written",
	stageJournalCommitted: "journal-committed",
	stageApplied:          "applied",
}

func (s commitStage) String() string {
	return commitStageNames[s]
}

// walRecord is an absolute overwrite of committed file contents.
type walRecord struct {
	off  int64
	data []byte
}

// Commit makes all pending changes durable. Committing with nothing pending
// is a no-op.
//
// New extents are written and synced first; they are unreachable from the
// committed state. The object table changes, overwrites of committed objects
// and the new header then go to the journal as one batch. Once the journal
// batch is durable the commit has happened and Commit returns nil: the batch
// is applied to the mapping, then a checkpoint syncs the file and resets the
// journal. A failed checkpoint is retried by the next Commit or Close, and
// the journal is replayed on open in any case.
//
// A failure before the journal batch is durable rolls the transaction back
// and returns ErrCommitFailed; the database keeps its last committed state.
// If a deferred checkpoint fails again, the pending transaction is rolled back
// with ErrCommitFailed and further writes fail with ErrCheckpointFailed until
// the database is reopened.
func (db *DB) Commit() error {
	const op = "commit"
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.checkWritable(op); err != nil {
		return err
	}
	if db.tx != nil && db.tx.empty() && !db.catalogDirty {
		db.tx = nil
	}
	if db.tx == nil && !db.catalogDirty {
		return nil
	}
	return db.commitLocked(op)
}

func (db *DB) commitLocked(op string) error {
	start := time.Now()
	if db.pendingCkpt != nil {
		if err := db.checkpoint(); err != nil {
			db.failed = err
			db.rollbackLocked()
			db.logger.LogAttrs(context.Background(), slog.LevelError, "mmdb: checkpoint failed again, refusing further writes",
				slog.String("path", db.path),
				slog.Any("err", err))
			return opErr(ErrCommitFailed, op, &Error{Kind: ErrCheckpointFailed, Op: "checkpoint", Err: err})
		}
	}
	tx := db.begin()

	recs, h, err := db.prepareCommit(tx)
	if err != nil {
		db.rollbackLocked()
		return opErr(ErrCommitFailed, op, err)
	}

	err = db.writeJournal(recs)
	if err != nil {
		if aerr := db.jrnl.Abort(); aerr != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelError, "mmdb: journal abort failed",
				slog.String("path", db.path),
				slog.Any("err", aerr))
		}
		db.rollbackLocked()
		return opErr(ErrCommitFailed, op, err)
	}

	db.applyRecords(recs)
	for _, ext := range tx.pendingFree {
		ensure(db.alloc.Free(ext))
	}
	db.hdr = h
	db.catalogDirty = false
	db.tx = nil
	db.CommitCount.Add(1)

	if err := db.checkpoint(); err != nil {
		db.pendingCkpt = err
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mmdb: checkpoint deferred",
			slog.String("path", db.path),
			slog.Uint64("seq", h.CommitSeq),
			slog.Int("batches", db.jrnl.Batches()),
			slog.Any("err", err))
	}
	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: committed",
			slog.Uint64("seq", h.CommitSeq),
			slog.Int("inserts", tx.inserts),
			slog.Int("updates", tx.updates),
			slog.Int("deletes", tx.deletes),
			slog.Int("records", len(recs)),
			slog.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// prepareCommit writes everything that goes to fresh extents and returns the
// journal batch together with the new header.
func (db *DB) prepareCommit(tx *Tx) ([]walRecord, fileHeader, error) {
	h := db.hdr

	for _, oid := range tx.freedOIDs {
		db.entries[oid] = objEntry{off: uint64(db.freeHead)}
		db.freeHead = oid
	}

	if db.catalogDirty {
		cat := encodeCatalog(db.buildCatalog())
		ext, err := tx.allocate(int64(len(cat)))
		if err != nil {
			return nil, h, fmt.Errorf("catalog: %w", err)
		}
		tx.write(ext, cat)
		tx.release(h.catalogExtent())
		h.CatalogOff, h.CatalogSize = uint64(ext.Off), uint64(len(cat))
	}

	var recs []walRecord
	n := uint64(len(db.entries))
	if n > h.ObjTableCap {
		newCap := tableCapacityFor(h.ObjTableCap, n)
		ext, err := tx.allocate(int64(newCap) * objEntrySize)
		if err != nil {
			return nil, h, fmt.Errorf("object table: %w", err)
		}
		tx.write(ext, encodeEntries(nil, db.entries))
		tx.release(h.tableExtent())
		h.ObjTableOff, h.ObjTableCap = uint64(ext.Off), newCap
		if db.verbose {
			db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: relocated object table",
				slog.Int64("off", ext.Off),
				slog.Uint64("capacity", newCap))
		}
	} else {
		oids := slices.Clone(tx.touched)
		slices.Sort(oids)
		for i := 0; i < len(oids); {
			j := i + 1
			for j < len(oids) && oids[j] == oids[j-1]+1 {
				j++
			}
			first, last := oids[i], oids[j-1]
			recs = append(recs, walRecord{
				off:  int64(h.ObjTableOff) + int64(first)*objEntrySize,
				data: encodeEntries(nil, db.entries[first:last+1]),
			})
			i = j
		}
	}

	start := len(recs)
	for off, data := range tx.overlay {
		recs = append(recs, walRecord{off: off, data: data})
	}
	slices.SortFunc(recs[start:], func(a, b walRecord) int {
		return cmp.Compare(a.off, b.off)
	})

	h.CommitSeq++
	h.FileSize = uint64(db.alloc.Size())
	h.Tail = uint64(db.alloc.Tail())
	h.NextOID = n
	h.FreeOIDHead = uint64(db.freeHead)
	h.LiveCount = db.live
	hb := h.encode()
	recs = append(recs, walRecord{off: 0, data: hb[:]})

	if err := db.sync(); err != nil {
		return nil, h, err
	}
	if err := db.fault(stageFreshSynced); err != nil {
		return nil, h, err
	}
	return recs, h, nil
}

func (db *DB) writeJournal(recs []walRecord) error {
	var buf []byte
	for _, r := range recs {
		buf = encodeJournalRecord(buf[:0], r.off, r.data)
		if err := db.jrnl.WriteRecord(0, buf); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	if err := db.fault(stageJournalWritten); err != nil {
		return err
	}
	if err := db.jrnl.Commit(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

// applyRecords copies a committed journal batch into the mapping.
func (db *DB) applyRecords(recs []walRecord) {
	data := db.region.Bytes()
	for _, r := range recs {
		copy(data[r.off:r.off+int64(len(r.data))], r.data)
	}
}

// checkpoint syncs the file, which already holds every committed batch, and
// empties the journal.
func (db *DB) checkpoint() error {
	if err := db.fault(stageJournalCommitted); err != nil {
		return err
	}
	if err := db.sync(); err != nil {
		return err
	}
	if err := db.fault(stageApplied); err != nil {
		return err
	}
	if err := db.jrnl.Reset(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	db.pendingCkpt = nil
	return nil
}

func (db *DB) fault(stage commitStage) error {
	if db.commitFault == nil {
		return nil
	}
	return db.commitFault(stage)
}
