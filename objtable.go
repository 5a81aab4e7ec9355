package mmdb

import (
	"encoding/binary"
	"strconv"

	"github.com/andreyvit/mmdb/extent"
)

// OID identifies a stored object. Zero is never a valid OID.
type OID uint64

func (oid OID) String() string {
	return "#" + strconv.FormatUint(uint64(oid), 10)
}

const objEntrySize = 16

const entryLive uint16 = 1

// objEntry is one slot of the object table. Free slots are chained through
// off.
//
// gen is not stored in the file. It tells apart objects that occupy the same
// OID at different times within one session: every insert gets a fresh gen,
// and objects loaded from the file have gen 0.
type objEntry struct {
	off    uint64
	size   uint32
	typeID uint16
	flags  uint16
	gen    uint64
}

func (e objEntry) live() bool {
	return e.flags&entryLive != 0
}

func (e objEntry) extent() extent.Extent {
	return extent.Extent{Off: int64(e.off), Len: extent.RoundUp(int64(e.size), AllocQuantum)}
}

func (e objEntry) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], e.off)
	binary.LittleEndian.PutUint32(b[8:], e.size)
	binary.LittleEndian.PutUint16(b[12:], e.typeID)
	binary.LittleEndian.PutUint16(b[14:], e.flags)
}

func decodeEntry(b []byte) objEntry {
	return objEntry{
		off:    binary.LittleEndian.Uint64(b[0:]),
		size:   binary.LittleEndian.Uint32(b[8:]),
		typeID: binary.LittleEndian.Uint16(b[12:]),
		flags:  binary.LittleEndian.Uint16(b[14:]),
	}
}

func encodeEntries(buf []byte, entries []objEntry) []byte {
	off, buf := grow(buf, len(entries)*objEntrySize)
	for _, e := range entries {
		e.put(buf[off:])
		off += objEntrySize
	}
	return buf
}

// tableCapacityFor returns the object table capacity needed for n entries.
func tableCapacityFor(cur, n uint64) uint64 {
	c := max(cur, 256)
	for c < n {
		c *= 2
	}
	return c
}
