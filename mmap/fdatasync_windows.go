package mmap

import (
	"os"
	"syscall"
	"unsafe"
)

func fdatasync(f *os.File, mapping []byte) error {
	if len(mapping) != 0 {
		addr := uintptr(unsafe.Pointer(&mapping[0]))
		if err := syscall.FlushViewOfFile(addr, uintptr(len(mapping))); err != nil {
			return os.NewSyscallError("FlushViewOfFile", err)
		}
	}
	return f.Sync()
}
