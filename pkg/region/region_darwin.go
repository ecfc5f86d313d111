//go:build darwin

// Darwin has no memfd_create; this backend substitutes an anonymous-ish
// object by creating a private temp file and unlinking its directory
// entry immediately, keeping only the open descriptor alive — the same
// "no filesystem trace survives" property memfd_create gives on Linux.
//
// Documented substitution: a true Mach shared-memory object would be
// the native Darwin choice here, but no Mach cgo bindings are available.
package region

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"golang.org/x/sys/unix"
)

var darwinObjCounter atomic.Uint64

func platformCreateObject(size uint64) (*handle.Handle, error) {
	name := fmt.Sprintf("%s/ipmb-%d-%d", os.TempDir(), os.Getpid(), darwinObjCounter.Add(1))

	fd, err := unix.Open(name, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, err
	}
	_ = unix.Unlink(name)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return handle.FromRaw(uintptr(fd)), nil
}
