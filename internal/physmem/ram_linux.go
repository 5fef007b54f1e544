//go:build linux

package physmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func allocate(base, size uint64, opts Options) ([]byte, func() error, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if opts.Executable {
		prot |= unix.PROT_EXEC
	}
	length := alignUp(size, uint64(unix.Getpagesize()))

	if !opts.Identity {
		mem, err := unix.Mmap(-1, 0, int(length), prot, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, nil, fmt.Errorf("mmap %#x bytes: %w", length, err)
		}
		return mem[:size], func() error { return unix.Munmap(mem) }, nil
	}

	if base%uint64(unix.Getpagesize()) != 0 {
		return nil, nil, fmt.Errorf("identity base %#x is not page aligned", base)
	}
	hint := unsafe.Pointer(uintptr(base))
	ptr, err := unix.MmapPtr(-1, 0, hint, uintptr(length), prot,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap identity %#x bytes at %#x: %w", length, base, err)
	}
	if uintptr(ptr) != uintptr(base) {
		_ = unix.MunmapPtr(ptr, uintptr(length))
		return nil, nil, fmt.Errorf("kernel placed identity mapping at %#x, wanted %#x", uintptr(ptr), base)
	}
	mem := unsafe.Slice((*byte)(ptr), int(size))
	return mem, func() error { return unix.MunmapPtr(ptr, uintptr(length)) }, nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
