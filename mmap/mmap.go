// Package mmap memory-maps database files and syncs the mappings to disk.
package mmap

import (
	"errors"
	"os"
)

type Options uint

const (
	// Writable opens the file for writing (otherwise, it's opened read-only).
	Writable Options = 1 << 0

	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 2

	// Prefault is a hint requesting the entire file to be loaded in memory
	// for fastest access. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 3
)

var (
	ErrTooLarge = errors.New("mapping exceeds the largest supported mmap size")
	ErrLocked   = errors.New("file is locked by another process")
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Mmap memory maps the first size bytes of the given file.
func Mmap(f *os.File, offset, size int, opt Options) ([]byte, error) {
	if offset != 0 {
		panic("non-zero offset not yet supported")
	}
	if size > MaxSize {
		return nil, ErrTooLarge
	}
	return mmap(f, size, opt)
}

// Munmap unmaps the given slice from memory. The slice must have been returned
// by Mmap.
func Munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}
