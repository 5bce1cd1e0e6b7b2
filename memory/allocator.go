package memory

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when the device cannot satisfy an allocation
var ErrOutOfMemory = errors.New("device out of memory")

// Allocator is the raw device allocator underneath the MemoryManager.
// Pointers it returns are opaque device addresses; host code only touches
// them through the copy functions.
type Allocator interface {
	Allocate(size int) (unsafe.Pointer, error)
	Free(p unsafe.Pointer) error

	// MemInfo reports free and total device memory in bytes
	MemInfo() (free, total int)

	CopyToDevice(dst unsafe.Pointer, src []float32) error
	CopyToHost(dst []float32, src unsafe.Pointer) error
	CopyDevice(dst, src unsafe.Pointer, n int) error
}

// HostAllocator simulates device memory in host RAM with a fixed capacity.
// It backs the reference accelerator library and the tests.
type HostAllocator struct {
	mu       sync.Mutex
	capacity int
	used     int
	blocks   map[unsafe.Pointer][]float32

	allocs int
	frees  int
}

// NewHostAllocator creates a host allocator that can hand out at most capacity bytes
func NewHostAllocator(capacity int) *HostAllocator {
	return &HostAllocator{
		capacity: capacity,
		blocks:   make(map[unsafe.Pointer][]float32),
	}
}

// Allocate reserves size bytes. A zero size yields a nil pointer.
func (a *HostAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Errorf("invalid allocation size %d", size)
	}
	if size == 0 {
		return nil, nil
	}

	// Round up to whole float32 words so every block is float-aligned
	words := (size + 3) / 4
	bytes := words * 4

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+bytes > a.capacity {
		return nil, errors.Wrapf(ErrOutOfMemory, "allocate %d bytes (%d of %d in use)", bytes, a.used, a.capacity)
	}

	block := make([]float32, words)
	p := unsafe.Pointer(&block[0])
	a.blocks[p] = block
	a.used += bytes
	a.allocs++
	return p, nil
}

// Free releases a block previously returned by Allocate
func (a *HostAllocator) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	block, ok := a.blocks[p]
	if !ok {
		return errors.Errorf("free of unknown device pointer %p", p)
	}
	delete(a.blocks, p)
	a.used -= len(block) * 4
	a.frees++
	return nil
}

// MemInfo reports free and total bytes
func (a *HostAllocator) MemInfo() (free, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.used, a.capacity
}

// Counts returns the number of allocations and frees performed so far
func (a *HostAllocator) Counts() (allocs, frees int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs, a.frees
}

// Live returns the number of blocks currently allocated
func (a *HostAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

func (a *HostAllocator) CopyToDevice(dst unsafe.Pointer, src []float32) error {
	if len(src) == 0 {
		return nil
	}
	if dst == nil {
		return errors.New("copy to nil device pointer")
	}
	copy(HostFloat32s(dst, len(src)), src)
	return nil
}

func (a *HostAllocator) CopyToHost(dst []float32, src unsafe.Pointer) error {
	if len(dst) == 0 {
		return nil
	}
	if src == nil {
		return errors.New("copy from nil device pointer")
	}
	copy(dst, HostFloat32s(src, len(dst)))
	return nil
}

func (a *HostAllocator) CopyDevice(dst, src unsafe.Pointer, n int) error {
	if n == 0 {
		return nil
	}
	if dst == nil || src == nil {
		return errors.New("device copy with nil pointer")
	}
	copy(HostFloat32s(dst, n), HostFloat32s(src, n))
	return nil
}

// HostFloat32s views n float32 values at a host-addressable device pointer.
// Only valid for memory handed out by HostAllocator.
func HostFloat32s(p unsafe.Pointer, n int) []float32 {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(p), n)
}

// Offset advances a device pointer by n float32 elements
func Offset(p unsafe.Pointer, n int) unsafe.Pointer {
	if p == nil {
		return nil
	}
	return unsafe.Add(p, n*4)
}
