package mmdb

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/andreyvit/mmdb/extent"
)

const (
	PageSize     = 4096
	AllocQuantum = 16

	fileMagic     uint64 = 0x454c4946_42444d4d // "MMDBFILE" as little-endian uint64
	formatVersion uint32 = 1
	headerSize           = 128
)

type fileHeader struct {
	Magic       uint64
	Version     uint32
	PageSize    uint32
	Quantum     uint32
	Flags       uint32
	DBID        uuid.UUID
	CommitSeq   uint64
	FileSize    uint64
	Tail        uint64
	ObjTableOff uint64
	ObjTableCap uint64
	NextOID     uint64
	FreeOIDHead uint64
	LiveCount   uint64
	CatalogOff  uint64
	CatalogSize uint64
	Checksum    uint64
}

func (h *fileHeader) encode() [headerSize]byte {
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
	return buf
}

func decodeHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < headerSize {
		return h, fmt.Errorf("%w: file too short for a header (%d bytes)", ErrCorrupted, len(buf))
	}
	n, err := binary.Decode(buf[:headerSize], binary.LittleEndian, &h)
	if err != nil {
		panic(err)
	}
	if n != headerSize {
		panic("internal size mismatch")
	}
	if h.Magic != fileMagic {
		return h, fmt.Errorf("%w: not a database file (magic %x)", ErrCorrupted, h.Magic)
	}
	if sum := xxhash.Sum64(buf[:headerSize-8]); sum != h.Checksum {
		return h, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}
	if h.Version != formatVersion {
		return h, fmt.Errorf("%w: unsupported format version %d", ErrCorrupted, h.Version)
	}
	if h.PageSize != PageSize || h.Quantum != AllocQuantum {
		return h, fmt.Errorf("%w: unsupported page size %d or quantum %d", ErrCorrupted, h.PageSize, h.Quantum)
	}
	if h.NextOID == 0 || h.NextOID > h.ObjTableCap || h.Tail > h.FileSize || h.Tail < PageSize {
		return h, fmt.Errorf("%w: inconsistent header (next OID %d, capacity %d, tail %d, size %d)", ErrCorrupted, h.NextOID, h.ObjTableCap, h.Tail, h.FileSize)
	}
	return h, nil
}

func (h *fileHeader) tableExtent() extent.Extent {
	return extent.Extent{Off: int64(h.ObjTableOff), Len: extent.RoundUp(int64(h.ObjTableCap)*objEntrySize, AllocQuantum)}
}

func (h *fileHeader) catalogExtent() extent.Extent {
	return extent.Extent{Off: int64(h.CatalogOff), Len: extent.RoundUp(int64(h.CatalogSize), AllocQuantum)}
}

// journalInvariant binds a journal file to one database.
func journalInvariant(id uuid.UUID) [32]byte {
	var inv [32]byte
	copy(inv[:], "mmdb")
	copy(inv[16:], id[:])
	return inv
}

const dbidOffset = 24

// rawDBID reads the database ID from a header that failed validation.
func rawDBID(buf []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], buf[dbidOffset:dbidOffset+len(id)])
	return id
}
