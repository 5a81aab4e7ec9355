package mmap

import (
	"fmt"
	"os"
)

// Region is a mapping of an entire file that can be grown. All slices
// obtained from Bytes become invalid after Grow or Close.
type Region struct {
	f    *os.File
	data []byte
	opt  Options
	mmap func(f *os.File, offset, size int, opt Options) ([]byte, error)
}

// Map maps the whole file, which must be at least size bytes long.
func Map(f *os.File, size int64, opt Options) (*Region, error) {
	r := &Region{f: f, opt: opt, mmap: Mmap}
	if err := r.remap(size); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Region) File() *os.File { return r.f }
func (r *Region) Bytes() []byte  { return r.data }
func (r *Region) Size() int64    { return int64(len(r.data)) }

// Grow extends the file to size bytes and remaps it. Shrinking is a no-op.
// If the file cannot be extended or the larger mapping fails, the region
// keeps its old size and stays usable.
func (r *Region) Grow(size int64) error {
	if size <= int64(len(r.data)) {
		return nil
	}
	if !r.opt.Has(Writable) {
		return fmt.Errorf("mmap: cannot grow a read-only mapping")
	}
	if size > MaxSize {
		return ErrTooLarge
	}
	old := int64(len(r.data))
	// Windows refuses to truncate a file with a live view, so unmap first.
	if err := Munmap(r.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	r.data = nil
	if err := r.f.Truncate(size); err != nil {
		return r.restore(old, fmt.Errorf("truncate: %w", err))
	}
	if err := r.remap(size); err != nil {
		// the file stays longer; its old prefix maps as before
		return r.restore(old, err)
	}
	return nil
}

func (r *Region) restore(old int64, err error) error {
	if old == 0 {
		return err
	}
	if rerr := r.remap(old); rerr != nil {
		return fmt.Errorf("%w (restoring the old mapping: %v)", err, rerr)
	}
	return err
}

func (r *Region) remap(size int64) error {
	if size > MaxSize {
		return ErrTooLarge
	}
	b, err := r.mmap(r.f, 0, int(size), r.opt)
	if err != nil {
		return fmt.Errorf("mmap(%d): %w", size, err)
	}
	r.data = b
	return nil
}

// Sync flushes modified pages of the mapping to disk. A failed Sync leaves the
// file in an unknown state; callers must stop writing and recover from the
// journal on the next open.
func (r *Region) Sync() error {
	return Fdatasync(r.f, r.data)
}

// Fdatasync makes the data written to f (and to mapping, its mmap'ed view,
// where the OS has a separate call for that) durable without syncing file
// metadata.
func Fdatasync(f *os.File, mapping []byte) error {
	return fdatasync(f, mapping)
}

// Close unmaps the file. The file itself stays open.
func (r *Region) Close() error {
	b := r.data
	r.data = nil
	return Munmap(b)
}
