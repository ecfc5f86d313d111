// Package region implements a reference-counted shared memory window.
// The refcount lives inside the mapped header so that sender and
// receiver processes observe the same count without any OS-level
// cross-process refcounting primitive.
package region

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hiomesh/ipmb-go/pkg/handle"
	"github.com/hiomesh/ipmb-go/pkg/ipmberr"
)

// HeaderSize is [refcount: u32][buffer_size: u64], the shared-region
// header layout every backend maps at the start of the object.
const HeaderSize = 12

// Region is a ref-counted window onto an OS-backed shared memory object.
type Region struct {
	obj    *handle.Handle
	header []byte // HeaderSize bytes, mmap'd, shared by every holder

	mu         sync.Mutex
	bufferSize uint64
	userMapped []byte // full aligned mmap view, as returned by the OS
	userBuf    []byte // trimmed view into userMapped exposed to callers
	userOffset uint64
	userLen    uint64
}

// New allocates a fresh OS shared-memory object of size header+size, maps
// only the header, publishes refcount=1 and buffer_size=size with release
// ordering, and returns a Region with no user-buffer mapping yet.
func New(size uint64) (*Region, error) {
	obj, err := platformCreateObject(HeaderSize + size)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindMemoryRegionMapping, "create shared object", err)
	}

	header, err := platformMap(obj, 0, HeaderSize)
	if err != nil {
		obj.Release()
		return nil, ipmberr.Wrap(ipmberr.KindMemoryRegionMapping, "map header", err)
	}

	r := &Region{obj: obj, header: header, bufferSize: size}
	binary.LittleEndian.PutUint64(header[4:12], size)
	atomic.StoreUint32(r.refcountPtr(), 1)
	return r, nil
}

// Adopt maps the header of an already-created object, reads buffer_size,
// and increments the refcount by 1 (sequentially consistent), modeling the
// receiver side of a send: the incoming object already carries one
// outstanding count from the sender's pre-increment (see Region.PreSend).
func Adopt(obj *handle.Handle) (*Region, error) {
	header, err := platformMap(obj, 0, HeaderSize)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindMemoryRegionMapping, "map header", err)
	}

	size := binary.LittleEndian.Uint64(header[4:12])
	r := &Region{obj: obj, header: header, bufferSize: size}
	atomic.AddUint32(r.refcountPtr(), 1)
	return r, nil
}

func (r *Region) refcountPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.header[0]))
}

// RefCount returns the current header refcount (sequentially consistent
// load).
func (r *Region) RefCount() uint32 {
	return atomic.LoadUint32(r.refcountPtr())
}

// BufferSize returns the user-visible buffer size, fixed at creation.
func (r *Region) BufferSize() uint64 { return r.bufferSize }

// Clone increments the refcount and returns a new Region value referring
// to the same underlying object (a cloned OS handle, so each Region value
// still owns exactly one OS right per invariant I1).
func (r *Region) Clone() (*Region, error) {
	obj, err := r.obj.Clone()
	if err != nil {
		return nil, err
	}
	header, err := platformMap(obj, 0, HeaderSize)
	if err != nil {
		obj.Release()
		return nil, ipmberr.Wrap(ipmberr.KindMemoryRegionMapping, "map header", err)
	}
	atomic.AddUint32((*uint32)(unsafe.Pointer(&header[0])), 1)
	return &Region{obj: obj, header: header, bufferSize: r.bufferSize}, nil
}

// Map lazily maps (or remaps) the requested byte range, aligned down to
// the OS allocation granularity. If the current mapping already covers
// (offset, size) exactly, the existing view is returned.
func (r *Region) Map(offset, size uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userBuf != nil && r.userOffset == offset && r.userLen == size {
		return r.userBuf, nil
	}

	if r.userMapped != nil {
		platformUnmap(r.userMapped)
		r.userMapped = nil
		r.userBuf = nil
	}

	granularity := platformGranularity()
	alignedOffset := (HeaderSize + offset) &^ (granularity - 1)
	adjustment := (HeaderSize + offset) - alignedOffset
	alignedSize := adjustment + size

	mapped, err := platformMap(r.obj, alignedOffset, alignedSize)
	if err != nil {
		return nil, ipmberr.Wrap(ipmberr.KindMemoryRegionMapping, "map user buffer", err)
	}

	view := mapped[adjustment : adjustment+size]
	r.userMapped = mapped
	r.userBuf = view
	r.userOffset = offset
	r.userLen = size
	return view, nil
}

// Object exposes the underlying handle so the wire layer can pass it as
// a region-backing handle, ordered after any generic handles.
func (r *Region) Object() *handle.Handle { return r.obj }

// PreSend increments the refcount immediately before a successful wire
// send. UndoPreSend rolls it back if the send itself then fails.
func (r *Region) PreSend() { atomic.AddUint32(r.refcountPtr(), 1) }

// UndoPreSend decrements the refcount by one. Used two ways: by the
// sender to cancel its own PreSend when the wire send then fails, and by
// the receiver (wire.DecodeMessage) to cancel the sender's PreSend once
// Adopt has completed, leaving a net transfer of one outstanding count.
func (r *Region) UndoPreSend() { atomic.AddUint32(r.refcountPtr(), ^uint32(0)) }

// Drop decrements the refcount with sequentially consistent ordering and
// releases local mappings/handle. It does not wait for the refcount to
// reach zero — the OS object outlives the last holder's unmap by design.
func (r *Region) Drop() {
	r.mu.Lock()
	if r.userMapped != nil {
		platformUnmap(r.userMapped)
		r.userMapped = nil
		r.userBuf = nil
	}
	r.mu.Unlock()

	atomic.AddUint32(r.refcountPtr(), ^uint32(0))
	platformUnmap(r.header)
	r.obj.Release()
}
