//go:build linux || darwin || freebsd

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapCodeSegment maps an anonymous region, copies the code in, and flips
// it to read+exec. Write and exec are never held simultaneously on
// platforms that enforce W^X.
func mmapCodeSegment(code []byte) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, len(code),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	copy(b, code)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(b)
		return nil, err
	}
	return b, nil
}

func munmapCodeSegment(code []byte) error {
	return unix.Munmap(code)
}

func segmentAddr(code []byte) uintptr {
	return uintptr(unsafe.Pointer(&code[0]))
}
