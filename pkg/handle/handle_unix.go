//go:build linux || darwin

// Unix file-descriptor backend: clone via dup(2), release via close(2).
// Grounded on ipmb/src/platform/linux/fd.rs's Fd wrapper, using
// golang.org/x/sys/unix the same way an epoll-based reactor would.
package handle

import "golang.org/x/sys/unix"

// Clone duplicates the underlying file descriptor, returning a new Handle
// with independent lifetime (I1: each Handle value owns exactly one OS
// right even after cloning).
func (h *Handle) Clone() (*Handle, error) {
	nfd, err := unix.Dup(int(h.raw))
	if err != nil {
		return nil, err
	}
	return FromRaw(uintptr(nfd)), nil
}

// Release closes the underlying file descriptor. Safe to call more than
// once or after Transfer.
func (h *Handle) Release() error {
	if h.released() {
		return nil
	}
	return unix.Close(int(h.raw))
}

// FD is a convenience accessor returning the raw descriptor as an int, the
// form most Unix syscalls expect.
func (h *Handle) FD() int { return int(h.raw) }
