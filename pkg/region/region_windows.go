//go:build windows

// Windows backend built on CreateFileMapping/MapViewOfFile, the
// mechanism ipmb/src/platform/windows/memory_region.rs uses (pagefile-
// backed section objects, not a named-file memfd). The returned mapping
// handle duplicates across processes the same way other kernel handles
// do (handle.Clone/handle_windows.go), so no extra marshalling is needed
// beyond what §4.3's named-pipe handle passing already provides.
package region

import (
	"unsafe"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"golang.org/x/sys/windows"
)

func platformCreateObject(size uint64) (*handle.Handle, error) {
	high := uint32(size >> 32)
	low := uint32(size & 0xffffffff)

	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, high, low, nil)
	if err != nil {
		return nil, err
	}
	return handle.FromRaw(uintptr(h)), nil
}

func platformMap(obj *handle.Handle, offset, size uint64) ([]byte, error) {
	offsetHigh := uint32(offset >> 32)
	offsetLow := uint32(offset & 0xffffffff)

	addr, err := windows.MapViewOfFile(obj.WinHandle(), windows.FILE_MAP_WRITE, offsetHigh, offsetLow, uintptr(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func platformUnmap(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&b[0])))
}

func platformGranularity() uint64 {
	var info windows.Systeminfo
	windows.GetSystemInfo(&info)
	return uint64(info.AllocationGranularity)
}
