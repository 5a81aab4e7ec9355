package mmdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/andreyvit/mmdb/extent"
	"github.com/andreyvit/mmdb/journal"
)

// recover validates the header and replays committed journal batches.
func (db *DB) recover() error {
	h, herr := decodeHeader(db.region.Bytes())
	dbid := h.DBID
	if herr != nil {
		// a header torn while applying a commit is restored from the journal
		if h.Magic != fileMagic {
			return opErr(ErrStorageIO, "open", herr)
		}
		dbid = rawDBID(db.region.Bytes())
	}

	var err error
	db.jrnl, err = journal.Open(db.journalPath(), journal.Options{
		DebugName: filepath.Base(db.journalPath()),
		Invariant: journalInvariant(dbid),
		ReadOnly:  db.readOnly,
		NoSync:    db.opt.NoSync,
		Logger:    db.logger,
		Verbose:   db.verbose,
	})
	if err != nil {
		return opErr(ErrStorageIO, "open", fmt.Errorf("journal: %w", err))
	}

	if n := db.jrnl.Batches(); n > 0 {
		if db.readOnly {
			return opErr(ErrStorageIO, "open", fmt.Errorf("journal holds %d committed batches; open read-write to recover", n))
		}
		var records int
		err := db.jrnl.Replay(func(b *journal.Batch) error {
			for _, r := range b.Records {
				if err := db.applyJournalRecord(r.Data); err != nil {
					return fmt.Errorf("batch %d: %w", b.Seq, err)
				}
				if db.verbose {
					db.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmdb: replayed journal record",
						slog.Int("batch", b.Seq),
						slog.Int("len", len(r.Data)),
						hexAttr("head", r.Data[:min(len(r.Data), 24)]))
				}
				records++
			}
			return nil
		})
		if err == nil {
			err = db.sync()
		}
		if err == nil {
			err = db.jrnl.Reset()
		}
		if err != nil {
			return opErr(ErrStorageIO, "recover", err)
		}
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mmdb: recovered committed transactions from journal",
			slog.String("path", db.path),
			slog.Int("batches", n),
			slog.Int("records", records))

		h, herr = decodeHeader(db.region.Bytes())
	}
	if herr != nil {
		return opErr(ErrStorageIO, "open", herr)
	}

	if size := uint64(db.region.Size()); size < h.FileSize {
		if db.readOnly {
			return opErr(ErrStorageIO, "open", fmt.Errorf("%w: file is %d bytes, header says %d", ErrCorrupted, size, h.FileSize))
		}
		if err := db.region.Grow(int64(h.FileSize)); err != nil {
			return opErr(ErrStorageIO, "open", err)
		}
	}
	db.hdr = h
	return nil
}

// applyJournalRecord copies one journaled overwrite into the mapping.
func (db *DB) applyJournalRecord(data []byte) error {
	off, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(data, 0, nil, "invalid journal record offset")
	}
	payload := data[n:]
	end := off + uint64(len(payload))
	if end > uint64(db.region.Size()) {
		if err := db.region.Grow(extent.RoundUp(int64(end), PageSize)); err != nil {
			return err
		}
	}
	copy(db.region.Bytes()[off:end], payload)
	return nil
}

func encodeJournalRecord(buf []byte, off int64, data []byte) []byte {
	buf = appendUvarint(buf, uint64(off))
	return appendRaw(buf, data)
}
