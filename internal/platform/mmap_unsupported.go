//go:build !(linux || darwin || freebsd || windows)

package platform

import (
	"errors"
	"runtime"
)

func mmapCodeSegment([]byte) ([]byte, error) {
	return nil, errors.New("executable memory is not supported on " + runtime.GOOS)
}

func munmapCodeSegment([]byte) error {
	return errors.New("executable memory is not supported on " + runtime.GOOS)
}

func segmentAddr([]byte) uintptr { return 0 }
