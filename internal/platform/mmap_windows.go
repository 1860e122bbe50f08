//go:build windows

package platform

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmapCodeSegment(code []byte) ([]byte, error) {
	p, err := windows.VirtualAlloc(0, uintptr(len(code)),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), len(code))
	copy(b, code)
	var old uint32
	if err := windows.VirtualProtect(p, uintptr(len(code)), windows.PAGE_EXECUTE_READ, &old); err != nil {
		_ = windows.VirtualFree(p, 0, windows.MEM_RELEASE)
		return nil, err
	}
	return b, nil
}

func munmapCodeSegment(code []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&code[0])), 0, windows.MEM_RELEASE)
}

func segmentAddr(code []byte) uintptr {
	return uintptr(unsafe.Pointer(&code[0]))
}
