// Package extent manages free space inside a growable file as a set of
// quantum-aligned extents.
//
// Free extents are kept in two ordered trees: one by offset, used for
// coalescing neighbours, and one by (length, offset), used for best-fit
// lookups. Space past the tail has never been handed out and is allocated by
// bumping the tail; when the tail reaches the end of the file, the allocator
// asks its owner to grow the file in whole extension quanta.
package extent

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

var (
	ErrOutOfSpace = errors.New("out of space")
	ErrInvalid    = errors.New("invalid extent")
)

// Extent is a contiguous range of bytes [Off, Off+Len).
type Extent struct {
	Off int64
	Len int64
}

func (e Extent) End() int64 {
	return e.Off + e.Len
}

func (e Extent) IsZero() bool {
	return e.Len == 0
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d+%d]", e.Off, e.Len)
}

// GrowFunc grows the underlying file to exactly newSize bytes.
type GrowFunc func(newSize int64) error

type Options struct {
	// Quantum is the allocation granularity; every extent offset and length
	// is a multiple of it.
	Quantum int64

	// Base is the first byte managed by the allocator. Everything below it
	// (file header and such) is never allocated or freed.
	Base int64

	// Tail is the end of the allocated area; bytes in [Tail, Size) are unused.
	Tail int64

	// Size is the current size of the file.
	Size int64

	// ExtensionQuantum is the step by which the file grows.
	ExtensionQuantum int64

	// ReuseThreshold is the amount of free space below which the allocator
	// prefers bumping the tail over reusing freed extents. Zero means always
	// reuse.
	ReuseThreshold int64

	Grow GrowFunc
}

type Stats struct {
	Size       int64
	Tail       int64
	FreeBytes  int64
	FreeCount  int
	Allocated  int64
	Largest    int64
	Allocs     int64
	Frees      int64
	Reuses     int64
	Extensions int64
}

// Allocator is not safe for concurrent use; callers hold the database lock.
type Allocator struct {
	quantum   int64
	base      int64
	tail      int64
	size      int64
	extension int64
	threshold int64
	grow      GrowFunc

	byOff  *btree.BTreeG[Extent]
	bySize *btree.BTreeG[Extent]
	free   int64

	allocs, frees, reuses, extensions int64
}

func lessByOff(a, b Extent) bool {
	return a.Off < b.Off
}

func lessBySize(a, b Extent) bool {
	if a.Len != b.Len {
		return a.Len < b.Len
	}
	return a.Off < b.Off
}

func New(o Options) (*Allocator, error) {
	if o.Quantum <= 0 || o.Quantum&(o.Quantum-1) != 0 {
		return nil, fmt.Errorf("extent: quantum %d must be a positive power of two", o.Quantum)
	}
	if o.Base < 0 || o.Base%o.Quantum != 0 {
		return nil, fmt.Errorf("extent: base %d is not aligned to %d", o.Base, o.Quantum)
	}
	if o.Tail < o.Base {
		o.Tail = o.Base
	}
	if o.Tail%o.Quantum != 0 {
		return nil, fmt.Errorf("extent: tail %d is not aligned to %d", o.Tail, o.Quantum)
	}
	if o.Size < o.Tail {
		return nil, fmt.Errorf("extent: size %d is below tail %d", o.Size, o.Tail)
	}
	if o.ExtensionQuantum < 0 || o.ExtensionQuantum%o.Quantum != 0 {
		return nil, fmt.Errorf("extent: extension quantum %d is not a multiple of %d", o.ExtensionQuantum, o.Quantum)
	}
	if o.ReuseThreshold < 0 {
		return nil, fmt.Errorf("extent: negative reuse threshold %d", o.ReuseThreshold)
	}
	return &Allocator{
		quantum:   o.Quantum,
		base:      o.Base,
		tail:      o.Tail,
		size:      o.Size,
		extension: o.ExtensionQuantum,
		threshold: o.ReuseThreshold,
		grow:      o.Grow,
		byOff:     btree.NewG(32, lessByOff),
		bySize:    btree.NewG(32, lessBySize),
	}, nil
}

// RoundUp rounds n up to the next multiple of q, which must be a power of two.
func RoundUp(n, q int64) int64 {
	return (n + q - 1) &^ (q - 1)
}

func (a *Allocator) Quantum() int64 { return a.quantum }
func (a *Allocator) Tail() int64    { return a.tail }
func (a *Allocator) Size() int64    { return a.size }
func (a *Allocator) FreeBytes() int64 {
	return a.free
}

// SetSize informs the allocator that the file has grown outside of its control,
// for example while replaying a journal.
func (a *Allocator) SetSize(size int64) {
	if size > a.size {
		a.size = size
	}
}

// Allocate returns a fresh extent of at least size bytes, rounded up to the
// quantum.
func (a *Allocator) Allocate(size int64) (Extent, error) {
	if size <= 0 {
		return Extent{}, fmt.Errorf("%w: allocation of %d bytes", ErrInvalid, size)
	}
	n := RoundUp(size, a.quantum)

	if a.free > a.threshold {
		if ext, ok := a.bestFit(n); ok {
			a.reuses++
			a.allocs++
			return ext, nil
		}
	}

	if a.tail+n > a.size {
		err := a.extend(a.tail + n)
		if err != nil {
			if ext, ok := a.bestFit(n); ok {
				a.reuses++
				a.allocs++
				return ext, nil
			}
			return Extent{}, err
		}
	}

	ext := Extent{Off: a.tail, Len: n}
	a.tail += n
	a.allocs++
	return ext, nil
}

func (a *Allocator) extend(need int64) error {
	if a.grow == nil || a.extension == 0 {
		return fmt.Errorf("%w: need %d bytes, file is %d bytes", ErrOutOfSpace, need, a.size)
	}
	steps := (need - a.size + a.extension - 1) / a.extension
	newSize := a.size + steps*a.extension
	if err := a.grow(newSize); err != nil {
		return fmt.Errorf("%w: growing file to %d bytes: %w", ErrOutOfSpace, newSize, err)
	}
	a.size = newSize
	a.extensions++
	return nil
}

func (a *Allocator) bestFit(n int64) (Extent, bool) {
	var found Extent
	var ok bool
	a.bySize.AscendGreaterOrEqual(Extent{Len: n}, func(e Extent) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		return Extent{}, false
	}
	a.remove(found)
	if found.Len > n {
		a.insert(Extent{Off: found.Off + n, Len: found.Len - n})
	}
	return Extent{Off: found.Off, Len: n}, true
}

// Free returns an extent to the allocator, merging it with adjacent free
// extents. Freeing an extent that overlaps free space or lies outside the
// allocated area is an error.
func (a *Allocator) Free(ext Extent) error {
	if err := a.validate(ext); err != nil {
		return err
	}

	if prev, ok := a.floor(ext.Off); ok && prev.End() > ext.Off {
		return fmt.Errorf("%w: %v overlaps free %v", ErrInvalid, ext, prev)
	}
	if next, ok := a.ceil(ext.Off); ok && next.Off < ext.End() {
		return fmt.Errorf("%w: %v overlaps free %v", ErrInvalid, ext, next)
	}

	merged := ext
	if prev, ok := a.floor(ext.Off); ok && prev.End() == ext.Off {
		a.remove(prev)
		merged.Off = prev.Off
		merged.Len += prev.Len
	}
	if next, ok := a.ceil(merged.End()); ok && next.Off == merged.End() {
		a.remove(next)
		merged.Len += next.Len
	}
	a.frees++

	if merged.End() == a.tail {
		a.tail = merged.Off
		return nil
	}
	a.insert(merged)
	return nil
}

func (a *Allocator) validate(ext Extent) error {
	if ext.Len <= 0 || ext.Off%a.quantum != 0 || ext.Len%a.quantum != 0 {
		return fmt.Errorf("%w: %v is not aligned to %d", ErrInvalid, ext, a.quantum)
	}
	if ext.Off < a.base || ext.End() > a.tail {
		return fmt.Errorf("%w: %v is outside allocated area [%d, %d)", ErrInvalid, ext, a.base, a.tail)
	}
	return nil
}

// Rebuild resets the free space to everything in [Base, tail) not covered by
// used. Used extents may be given in any order but must not overlap.
func (a *Allocator) Rebuild(used []Extent, tail int64) error {
	if tail < a.base || tail%a.quantum != 0 || tail > a.size {
		return fmt.Errorf("%w: tail %d", ErrInvalid, tail)
	}
	occupied := btree.NewG(32, lessByOff)
	for _, e := range used {
		if e.Len <= 0 {
			continue
		}
		if e.Off%a.quantum != 0 || e.Len%a.quantum != 0 || e.Off < a.base || e.End() > tail {
			return fmt.Errorf("%w: used %v with tail %d", ErrInvalid, e, tail)
		}
		if _, dup := occupied.ReplaceOrInsert(e); dup {
			return fmt.Errorf("%w: used %v listed twice", ErrInvalid, e)
		}
	}

	a.byOff.Clear(false)
	a.bySize.Clear(false)
	a.free = 0
	a.tail = tail

	pos := a.base
	var err error
	occupied.Ascend(func(e Extent) bool {
		if e.Off < pos {
			err = fmt.Errorf("%w: used %v overlaps preceding extent ending at %d", ErrInvalid, e, pos)
			return false
		}
		if e.Off > pos {
			a.insert(Extent{Off: pos, Len: e.Off - pos})
		}
		pos = e.End()
		return true
	})
	if err != nil {
		return err
	}
	if pos < tail {
		// trailing gap is not free space, it simply lowers the tail
		a.tail = pos
	}
	return nil
}

// FreeExtents returns free extents in offset order.
func (a *Allocator) FreeExtents() []Extent {
	result := make([]Extent, 0, a.byOff.Len())
	a.byOff.Ascend(func(e Extent) bool {
		result = append(result, e)
		return true
	})
	return result
}

func (a *Allocator) Stats() Stats {
	var largest int64
	if e, ok := a.bySize.Max(); ok {
		largest = e.Len
	}
	return Stats{
		Size:       a.size,
		Tail:       a.tail,
		FreeBytes:  a.free,
		FreeCount:  a.byOff.Len(),
		Allocated:  a.tail - a.base - a.free,
		Largest:    largest,
		Allocs:     a.allocs,
		Frees:      a.frees,
		Reuses:     a.reuses,
		Extensions: a.extensions,
	}
}

// floor returns the free extent with the largest offset <= off.
func (a *Allocator) floor(off int64) (Extent, bool) {
	var found Extent
	var ok bool
	a.byOff.DescendLessOrEqual(Extent{Off: off}, func(e Extent) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

// ceil returns the free extent with the smallest offset >= off.
func (a *Allocator) ceil(off int64) (Extent, bool) {
	var found Extent
	var ok bool
	a.byOff.AscendGreaterOrEqual(Extent{Off: off}, func(e Extent) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

func (a *Allocator) insert(e Extent) {
	a.byOff.ReplaceOrInsert(e)
	a.bySize.ReplaceOrInsert(e)
	a.free += e.Len
}

func (a *Allocator) remove(e Extent) {
	a.byOff.Delete(e)
	a.bySize.Delete(e)
	a.free -= e.Len
}
