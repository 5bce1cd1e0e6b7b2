package memory

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Lease is a scoped group of transient device buffers. Acquire either hands
// out every requested buffer or none; Release returns them all and may be
// called more than once.
type Lease struct {
	mm    *MemoryManager
	ptrs  []unsafe.Pointer
	sizes []int
}

// Acquire leases one buffer per requested size. Pair with a deferred Release.
func (mm *MemoryManager) Acquire(sizes ...int) (*Lease, error) {
	lease := &Lease{
		mm:    mm,
		ptrs:  make([]unsafe.Pointer, 0, len(sizes)),
		sizes: make([]int, 0, len(sizes)),
	}
	for i, size := range sizes {
		p, err := mm.Allocate(size)
		if err != nil {
			lease.Release()
			return nil, errors.Wrapf(err, "lease buffer %d of %d (%d bytes)", i+1, len(sizes), size)
		}
		lease.ptrs = append(lease.ptrs, p)
		lease.sizes = append(lease.sizes, size)
	}
	return lease, nil
}

// Ptr returns the i-th leased buffer
func (l *Lease) Ptr(i int) unsafe.Pointer {
	return l.ptrs[i]
}

// Size returns the requested size of the i-th leased buffer
func (l *Lease) Size(i int) int {
	return l.sizes[i]
}

// Len returns the number of leased buffers
func (l *Lease) Len() int {
	return len(l.ptrs)
}

// Release returns every buffer to the memory manager
func (l *Lease) Release() {
	if l == nil || l.mm == nil {
		return
	}
	for _, p := range l.ptrs {
		l.mm.Deallocate(p)
	}
	l.ptrs = nil
	l.sizes = nil
	l.mm = nil
}
