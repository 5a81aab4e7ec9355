package mmdb

import (
	"log/slog"

	"github.com/andreyvit/mmdb/extent"
)

type AccessType int

const (
	ReadWrite AccessType = iota
	ReadOnly
)

func (a AccessType) String() string {
	switch a {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	default:
		return "invalid"
	}
}

const (
	DefaultInitialSize             = 4 << 20
	DefaultExtensionQuantum        = 4 << 20
	DefaultInitialIndexCapacity    = 1024
	DefaultFreeSpaceReuseThreshold = 512 << 10
)

// Options configure Open. Zero values select the defaults.
type Options struct {
	AccessType AccessType

	// InitialSize is the size of a newly created file. Rounded up to a page.
	InitialSize int64

	// ExtensionQuantum is the step by which the file grows. Rounded up to a
	// page; at least one page.
	ExtensionQuantum int64

	// InitialIndexCapacity is the expected number of keys per hashed index,
	// used to size bucket arrays.
	InitialIndexCapacity int

	// FreeSpaceReuseThreshold is the amount of free space below which new
	// objects go to the end of the file instead of reusing freed extents.
	FreeSpaceReuseThreshold int64

	// MaxFileSize caps file growth; 0 means no limit. Once the file cannot
	// grow, allocations reuse freed extents or fail with ErrOutOfSpace.
	MaxFileSize int64

	Logger  *slog.Logger
	Verbose bool

	// NoSync skips fdatasync calls. The database survives a crash of the
	// process but not of the machine.
	NoSync bool
}

func (o Options) normalize() (Options, error) {
	if o.AccessType != ReadWrite && o.AccessType != ReadOnly {
		return o, opErrf(ErrConfig, "open", "invalid access type %d", int(o.AccessType))
	}
	if o.InitialSize < 0 || o.ExtensionQuantum < 0 || o.InitialIndexCapacity < 0 || o.FreeSpaceReuseThreshold < 0 || o.MaxFileSize < 0 {
		return o, opErrf(ErrConfig, "open", "negative size in options")
	}
	if o.InitialSize == 0 {
		o.InitialSize = DefaultInitialSize
	}
	if o.ExtensionQuantum == 0 {
		o.ExtensionQuantum = DefaultExtensionQuantum
	} else if o.ExtensionQuantum < PageSize {
		return o, opErrf(ErrConfig, "open", "extension quantum %d is smaller than a page", o.ExtensionQuantum)
	}
	if o.InitialIndexCapacity == 0 {
		o.InitialIndexCapacity = DefaultInitialIndexCapacity
	}
	if o.FreeSpaceReuseThreshold == 0 {
		o.FreeSpaceReuseThreshold = DefaultFreeSpaceReuseThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.InitialSize = extent.RoundUp(o.InitialSize, PageSize)
	o.ExtensionQuantum = extent.RoundUp(o.ExtensionQuantum, PageSize)
	if o.MaxFileSize > 0 && o.MaxFileSize < o.InitialSize {
		return o, opErrf(ErrConfig, "open", "max file size %d is below the initial size %d", o.MaxFileSize, o.InitialSize)
	}
	return o, nil
}
