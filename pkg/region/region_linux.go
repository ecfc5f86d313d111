//go:build linux

// Object creation via memfd_create, matching
// ipmb/src/platform/linux.rs's MemoryRegion::obj_new exactly: an anonymous,
// CLOEXEC-protected memory file with no filesystem trace.
package region

import (
	"github.com/hiomesh/ipmb-go/pkg/handle"
	"golang.org/x/sys/unix"
)

func platformCreateObject(size uint64) (*handle.Handle, error) {
	fd, err := unix.MemfdCreate("ipmb", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return handle.FromRaw(uintptr(fd)), nil
}
