// Package journal implements the write-ahead journal of a database file.
//
// A journal is a single append-only file living next to the database. A
// writer appends records and then seals them with a commit marker; a batch of
// records becomes durable once its marker is synced. After the database has
// applied and synced a batch, the journal is reset back to its header.
//
// Crash resistance: every commit marker carries the running xxhash checksum of
// everything written since the header, so a torn or corrupted tail is detected
// on open and discarded along with any records that follow the last intact
// marker.
//
// File format:
//
//   - file = header (record* marker)*
//   - header = magic:64 version:8 pad:8 flags:16 timestamp:32 invariant:32*8 reserved:64*2 checksum:64
//   - record = (size<<1):uvarint tsDelta:uvarint bytes*
//   - marker = checksum:64 with the lowest bit of the first byte set
//
// A record header always has the lowest bit clear, which is how the reader
// tells records and markers apart.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrReadOnly           = fmt.Errorf("journal is opened as read-only")
	errCorruptedHeader    = fmt.Errorf("corrupted journal header")
)

type Options struct {
	Context   context.Context
	DebugName string
	Now       func() time.Time

	// Invariant binds the journal to a particular database; a journal with a
	// different invariant is refused with ErrIncompatible.
	Invariant [32]byte

	ReadOnly bool
	NoSync   bool

	Logger  *slog.Logger
	Verbose bool
}

const (
	magic          = 0x4c414e52554f4a4d // "MJOURNAL" as little-endian uint64
	version0 uint8 = 0
)

const headerSize = 8 * 9

type fileHeader struct {
	Magic     uint64
	Version   uint8
	_         uint8
	Flags     uint16
	Timestamp uint32
	Invariant [32]byte
	_         [2]uint64
	Checksum  uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	markerSize            = 8
	maxRecordSize         = 1 << 30
)

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

// Journal is safe for concurrent use, although the database only ever has a
// single writer.
type Journal struct {
	context   context.Context
	path      string
	debugName string
	now       func() time.Time
	logger    *slog.Logger
	verbose   bool
	readOnly  bool
	noSync    bool
	invariant [32]byte

	lock        sync.Mutex
	f           *os.File
	hdr         fileHeader
	hdrBytes    [headerSize]byte
	hash        xxhash.Digest
	ts          uint32
	size        int64 // end of the last commit marker
	end         int64 // end of written data, including uncommitted records
	uncommitted bool
	writeErr    error
	batches     int
}

// Record is a single journal record read back during replay.
type Record struct {
	Timestamp uint32
	Data      []byte
}

// Batch is a sequence of records sealed by one commit marker.
type Batch struct {
	Seq     int
	Records []Record
}

// Open opens or creates the journal file at path and validates its contents.
// A missing journal is not an error in read-only mode; such a journal simply
// has nothing to replay.
func Open(path string, o Options) (*Journal, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j := &Journal{
		context:   o.Context,
		path:      path,
		debugName: o.DebugName,
		now:       o.Now,
		logger:    o.Logger,
		verbose:   o.Verbose,
		readOnly:  o.ReadOnly,
		noSync:    o.NoSync,
		invariant: o.Invariant,
	}

	var f *os.File
	var err error
	if o.ReadOnly {
		f, err = os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return j, nil
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	}
	if err != nil {
		return nil, err
	}
	j.f = f

	var ok bool
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 && !j.readOnly {
		err = j.writeHeader()
	} else {
		err = j.readHeader()
	}
	if err == errCorruptedHeader {
		if j.readOnly {
			// nothing could have been committed before the header was synced
			ok = true
			j.f = nil
			f.Close()
			return j, nil
		}
		j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: reinitializing file with a torn header", slog.String("jrnl", j.debugName))
		err = j.writeHeader()
	}
	if err != nil {
		return nil, err
	}

	err = j.scan(nil)
	if err != nil {
		return nil, err
	}

	if !j.readOnly {
		st, err = f.Stat()
		if err != nil {
			return nil, err
		}
		if st.Size() > j.size {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: discarding uncommitted tail", slog.String("jrnl", j.debugName), slog.Int64("size", st.Size()), slog.Int64("committed", j.size))
			if err := f.Truncate(j.size); err != nil {
				return nil, err
			}
			if err := j.sync(); err != nil {
				return nil, err
			}
		}
		j.end = j.size
	}

	ok = true
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

// Now returns the current time as a journal timestamp.
func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

// Batches returns the number of committed batches found on open or written
// since the last reset.
func (j *Journal) Batches() int {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.batches
}

// Size returns the size of the committed portion of the journal.
func (j *Journal) Size() int64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.size
}

// Replay calls f for every committed batch, in order.
func (j *Journal) Replay(f func(b *Batch) error) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.f == nil {
		return nil
	}
	return j.scan(f)
}

// WriteRecord appends a record to the current batch. The record is not durable
// until Commit returns.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("journal: record of %d bytes exceeds the maximum of %d", len(data), maxRecordSize)
	}

	j.lock.Lock()
	defer j.lock.Unlock()

	if err := j.writable(); err != nil {
		return err
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}
	var tsDelta uint32
	if timestamp > j.ts {
		tsDelta = timestamp - j.ts
		j.ts = timestamp
	}
	j.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	if _, err := j.f.WriteAt(h, j.end); err != nil {
		return j.fail(err)
	}
	j.hash.Write(h)
	j.end += int64(len(h))

	if _, err := j.f.WriteAt(data, j.end); err != nil {
		return j.fail(err)
	}
	j.hash.Write(data)
	j.end += int64(len(data))
	return nil
}

// Commit seals the records written since the last commit with a marker and
// syncs the file. Committing with no pending records is a no-op.
func (j *Journal) Commit() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if err := j.writable(); err != nil {
		return err
	}
	if !j.uncommitted {
		return nil
	}

	var buf [markerSize]byte
	binary.LittleEndian.PutUint64(buf[:], j.hash.Sum64())
	buf[0] |= recordFlagCommit

	if _, err := j.f.WriteAt(buf[:], j.end); err != nil {
		return j.fail(err)
	}
	j.hash.Write(buf[:])
	j.end += markerSize

	if err := j.sync(); err != nil {
		return j.fail(err)
	}
	j.size = j.end
	j.uncommitted = false
	j.batches++
	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: committed", slog.String("jrnl", j.debugName), slog.Int64("size", j.size))
	}
	return nil
}

// Abort drops the records written since the last commit.
func (j *Journal) Abort() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if err := j.writable(); err != nil {
		return err
	}
	if !j.uncommitted {
		return nil
	}
	if err := j.f.Truncate(j.size); err != nil {
		return j.fail(err)
	}
	j.end = j.size
	j.uncommitted = false
	j.restartHash()
	if _, err := j.scanLocked(nil); err != nil {
		return j.fail(err)
	}
	return nil
}

// Reset truncates the journal back to its header once every committed batch
// has been applied to the database.
func (j *Journal) Reset() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.f == nil {
		return nil
	}
	if j.readOnly {
		return ErrReadOnly
	}
	if err := j.f.Truncate(headerSize); err != nil {
		return j.fail(err)
	}
	if err := j.sync(); err != nil {
		return j.fail(err)
	}
	j.size, j.end = headerSize, headerSize
	j.uncommitted = false
	j.batches = 0
	j.writeErr = nil
	j.restartHash()
	return nil
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *Journal) writable() error {
	if j.readOnly {
		return ErrReadOnly
	}
	if j.f == nil {
		return os.ErrClosed
	}
	return j.writeErr
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))
	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) sync() error {
	if j.noSync {
		return nil
	}
	return j.f.Sync()
}

func (j *Journal) restartHash() {
	j.hash.Reset()
	j.hash.Write(j.hdrBytes[:])
	j.ts = j.hdr.Timestamp
}

func (j *Journal) readHeader() error {
	var buf [headerSize]byte
	_, err := j.f.ReadAt(buf[:], 0)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedHeader
	} else if err != nil {
		return err
	}
	var h fileHeader
	n, err := binary.Decode(buf[:], binary.LittleEndian, &h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return fmt.Errorf("%w: %s is not a journal file", ErrIncompatible, j.path)
	}
	checksum := xxhash.Sum64(buf[:headerSize-8])
	if checksum != h.Checksum {
		return errCorruptedHeader
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}

	j.hdr = h
	j.hdrBytes = buf
	j.restartHash()
	return nil
}

func (j *Journal) writeHeader() error {
	h := fileHeader{
		Magic:     magic,
		Version:   version0,
		Timestamp: j.Now(),
		Invariant: j.invariant,
	}
	var buf [headerSize]byte
	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	h.Checksum = xxhash.Sum64(buf[:headerSize-8])
	binary.LittleEndian.PutUint64(buf[headerSize-8:], h.Checksum)

	if err := j.f.Truncate(0); err != nil {
		return err
	}
	if _, err := j.f.WriteAt(buf[:], 0); err != nil {
		return err
	}
	if err := j.sync(); err != nil {
		return err
	}
	j.hdr = h
	j.hdrBytes = buf
	j.restartHash()
	j.size, j.end = headerSize, headerSize
	return nil
}

// scan reads the file from the header to the last intact commit marker,
// leaving the hash positioned there. Records after the last marker are never
// passed to f.
func (j *Journal) scan(f func(b *Batch) error) error {
	size, err := j.scanLocked(f)
	if err != nil {
		return err
	}
	j.size = size
	return nil
}

func (j *Journal) scanLocked(f func(b *Batch) error) (int64, error) {
	j.restartHash()

	r := bufio.NewReaderSize(io.NewSectionReader(j.f, headerSize, 1<<62), 64*1024)
	off := int64(headerSize)
	committed := off
	var pending []Record
	ts := j.hdr.Timestamp
	committedTS := ts
	var batches int

	for {
		if err := j.context.Err(); err != nil {
			return 0, err
		}

		first, err := r.Peek(1)
		if err != nil {
			break // EOF: uncommitted records (if any) are dropped
		}

		if first[0]&recordFlagCommit != 0 {
			var buf [markerSize]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				break
			}
			var expected [markerSize]byte
			binary.LittleEndian.PutUint64(expected[:], j.hash.Sum64())
			expected[0] |= recordFlagCommit
			if buf != expected {
				j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: checksum mismatch, ignoring the rest of the file", slog.String("jrnl", j.debugName), slog.Int64("off", off))
				break
			}
			j.hash.Write(buf[:])
			off += markerSize
			committed = off
			committedTS = ts
			batches++
			if f != nil && len(pending) > 0 {
				if err := f(&Batch{Seq: batches, Records: pending}); err != nil {
					return 0, err
				}
			}
			pending = nil
			continue
		}

		sizeAndFlags, n1, err := readUvarint(r)
		if err != nil {
			break
		}
		tsDelta, n2, err := readUvarint(r)
		if err != nil {
			break
		}
		size := sizeAndFlags >> recordFlagShift
		if size == 0 || size > maxRecordSize || tsDelta > 0xFFFF_FFFF {
			break
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			break
		}
		var hbuf [maxRecHeaderLen]byte
		j.hash.Write(appendRecordHeader(hbuf[:0], int(size), uint32(tsDelta)))
		j.hash.Write(data)
		off += int64(n1+n2) + int64(size)
		ts += uint32(tsDelta)
		if f != nil {
			pending = append(pending, Record{Timestamp: ts, Data: data})
		}
	}

	// re-derive the hash state at the committed boundary when a torn tail was read
	if off != committed {
		if err := j.rehashUpTo(committed); err != nil {
			return 0, err
		}
	}
	j.ts = committedTS
	j.batches = batches
	return committed, nil
}

func (j *Journal) rehashUpTo(end int64) error {
	j.restartHash()
	if _, err := io.Copy(&j.hash, io.NewSectionReader(j.f, headerSize, end-headerSize)); err != nil {
		return err
	}
	return nil
}

func readUvarint(r *bufio.Reader) (uint64, int, error) {
	var n int
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, n, errOverflow
			}
			return x | uint64(b)<<s, n, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, n, errOverflow
}

var errOverflow = errors.New("journal: uvarint overflow")

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}
