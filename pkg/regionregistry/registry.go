// Package regionregistry implements a keep-warm cache for region.Region
// allocations, keyed by size bucket and an optional tag, so a repeated
// allocation of a similar size and tag can reuse an existing mapping
// instead of mapping new shared memory each time.
// Bucketing by size class follows a NUMA-aware buffer pool's shape,
// which keys pools by (node, size) rather than by tag; here the second
// axis is a caller-supplied tag instead of a NUMA node.
package regionregistry

import (
	"sort"
	"sync"
	"time"

	"github.com/hiomesh/ipmb-go/pkg/region"
)

// idleTimeout is how long an entry may sit unused before maintenance
// drops it.
const idleTimeout = 5 * time.Second

type entry struct {
	region    *region.Region
	tag       string
	hasTag    bool
	lastAlloc time.Time
	free      func()
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	buckets map[uint64][]*entry
	now     func() time.Time
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		buckets: make(map[uint64][]*entry),
		now:     time.Now,
	}
}

// Alloc searches the [minSize, 2*minSize) size range for a cached region
// with refcount 1 (only the registry holds it) and a matching tag; if
// found, it is cloned and returned. Otherwise a new region is allocated
// and inserted. tag == "" means untagged.
func (r *Registry) Alloc(minSize uint64, tag string) (*region.Region, error) {
	return r.allocWithFree(minSize, tag, nil)
}

// AllocWithFree is like Alloc but attaches free, invoked once the region
// returns to the cache with refcount 1 (see maintain).
func (r *Registry) AllocWithFree(minSize uint64, tag string, free func()) (*region.Region, error) {
	return r.allocWithFree(minSize, tag, free)
}

func (r *Registry) allocWithFree(minSize uint64, tag string, free func()) (*region.Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	for _, size := range r.sizesInRange(minSize, minSize*2) {
		for _, e := range r.buckets[size] {
			if e.region.RefCount() != 1 {
				continue
			}
			if e.hasTag != (tag != "") || (e.hasTag && e.tag != tag) {
				continue
			}

			e.lastAlloc = now
			clone, err := e.region.Clone()
			if err != nil {
				return nil, err
			}
			if e.free != nil {
				e.free()
			}
			e.free = free

			r.maintainLocked(now)
			return clone, nil
		}
	}

	r.maintainLocked(now)

	reg, err := region.New(minSize)
	if err != nil {
		return nil, err
	}
	r.buckets[minSize] = append(r.buckets[minSize], &entry{
		region:    reg,
		tag:       tag,
		hasTag:    tag != "",
		lastAlloc: now,
		free:      free,
	})

	clone, err := reg.Clone()
	if err != nil {
		return nil, err
	}
	return clone, nil
}

func (r *Registry) sizesInRange(lo, hi uint64) []uint64 {
	sizes := make([]uint64, 0, len(r.buckets))
	for size := range r.buckets {
		if size >= lo && size < hi {
			sizes = append(sizes, size)
		}
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}

// Maintain explicitly triggers eviction of idle entries and fires any
// free closure whose region has returned to refcount 1.
func (r *Registry) Maintain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maintainLocked(r.now())
}

func (r *Registry) maintainLocked(now time.Time) {
	for size, entries := range r.buckets {
		kept := entries[:0]
		for _, e := range entries {
			if e.region.RefCount() == 1 && e.free != nil {
				free := e.free
				e.free = nil
				free()
			}

			if now.Sub(e.lastAlloc) < idleTimeout {
				kept = append(kept, e)
			} else {
				e.region.Drop()
			}
		}
		if len(kept) == 0 {
			delete(r.buckets, size)
		} else {
			r.buckets[size] = kept
		}
	}
}
