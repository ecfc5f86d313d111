//go:build windows

// Windows HANDLE backend: clone via DuplicateHandle within this process,
// release via CloseHandle. Grounded on ipmb/src/platform/windows/mod.rs,
// which marshals handles across processes with the same DuplicateHandle
// call used here for in-process cloning.
package handle

import "golang.org/x/sys/windows"

// Clone duplicates the handle within the current process.
func (h *Handle) Clone() (*Handle, error) {
	cur, err := windows.GetCurrentProcess()
	if err != nil {
		return nil, err
	}
	var dup windows.Handle
	err = windows.DuplicateHandle(
		cur, windows.Handle(h.raw),
		cur, &dup,
		0, false, windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return nil, err
	}
	return FromRaw(uintptr(dup)), nil
}

// Release closes the underlying Windows handle.
func (h *Handle) Release() error {
	if h.released() {
		return nil
	}
	return windows.CloseHandle(windows.Handle(h.raw))
}

// WinHandle is a convenience accessor for APIs expecting windows.Handle.
func (h *Handle) WinHandle() windows.Handle { return windows.Handle(h.raw) }

// DuplicateTo duplicates h into target's address space, returning the
// raw value valid there (not usable in this process). Used by the
// named-pipe transport (§4.3) to marshal a handle across the pipe
// instead of relying on SCM_RIGHTS-style ancillary data, which Windows
// has no equivalent of.
func (h *Handle) DuplicateTo(target windows.Handle) (uintptr, error) {
	cur, err := windows.GetCurrentProcess()
	if err != nil {
		return 0, err
	}
	var dup windows.Handle
	err = windows.DuplicateHandle(
		cur, windows.Handle(h.raw),
		target, &dup,
		0, false, windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return 0, err
	}
	return uintptr(dup), nil
}
