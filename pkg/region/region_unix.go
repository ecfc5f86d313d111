//go:build linux || darwin

// Shared mmap/munmap backend for Unix platforms, grounded on
// ipmb/src/platform/linux.rs's MappedRegion::map/unmap pair, using
// golang.org/x/sys/unix for the mmap/munmap calls.
package region

import (
	"sync"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"golang.org/x/sys/unix"
)

func platformMap(obj *handle.Handle, offset, size uint64) ([]byte, error) {
	return unix.Mmap(obj.FD(), int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func platformUnmap(b []byte) {
	_ = unix.Munmap(b)
}

var (
	granularityOnce sync.Once
	granularity     uint64
)

func platformGranularity() uint64 {
	granularityOnce.Do(func() {
		granularity = uint64(unix.Getpagesize())
	})
	return granularity
}
