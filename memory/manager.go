package memory

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BufferPool manages a pool of device buffers of a specific size
type BufferPool struct {
	buffers    chan unsafe.Pointer // Cached device buffers
	maxSize    int                 // Pool size limit
	bufferSize int                 // Fixed buffer size for this pool
	device     DeviceType          // Device type for this pool
	allocator  Allocator
	allocated  int          // Current number of allocated buffers
	mutex      sync.RWMutex // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int, device DeviceType, allocator Allocator) *BufferPool {
	return &BufferPool{
		buffers:    make(chan unsafe.Pointer, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
		device:     device,
		allocator:  allocator,
	}
}

// Get retrieves a buffer from the pool or allocates a new one
func (bp *BufferPool) Get() (unsafe.Pointer, error) {
	select {
	case buffer := <-bp.buffers:
		klog.V(2).Infof("buffer pool %d: hit", bp.bufferSize)
		return buffer, nil
	default:
		bp.mutex.Lock()
		canAllocate := bp.allocated < bp.maxSize
		if canAllocate {
			bp.allocated++
		}
		bp.mutex.Unlock()

		if !canAllocate {
			return nil, errors.Errorf("buffer pool at capacity (%d)", bp.maxSize)
		}

		klog.V(2).Infof("buffer pool %d: miss, allocating", bp.bufferSize)
		buffer, err := bp.allocator.Allocate(bp.bufferSize)
		if err != nil {
			bp.mutex.Lock()
			bp.allocated--
			bp.mutex.Unlock()
			return nil, errors.Wrap(err, "failed to allocate device buffer")
		}

		return buffer, nil
	}
}

// Return puts a buffer back into the pool
func (bp *BufferPool) Return(buffer unsafe.Pointer) {
	if buffer == nil {
		return
	}

	select {
	case bp.buffers <- buffer:
		// Cached for reuse
	default:
		bp.free(buffer)
	}
}

// Drain frees every cached buffer
func (bp *BufferPool) Drain() {
	for {
		select {
		case buffer := <-bp.buffers:
			bp.free(buffer)
		default:
			return
		}
	}
}

func (bp *BufferPool) free(buffer unsafe.Pointer) {
	if err := bp.allocator.Free(buffer); err != nil {
		klog.Warningf("buffer pool %d: %v", bp.bufferSize, err)
	}
	bp.mutex.Lock()
	bp.allocated--
	bp.mutex.Unlock()
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// Config holds memory manager settings
type Config struct {
	// PoolSizes are the size tiers in bytes; requests round up to the next tier
	PoolSizes []int

	// WorkspaceLimit caps the budget reported by GetInfo. Zero means no cap.
	WorkspaceLimit int
}

// MemoryManager manages device buffer lifecycle and pooling
type MemoryManager struct {
	pools      map[PoolKey]*BufferPool // Pools by size and device
	poolsMutex sync.RWMutex            // Protects pools map
	allocator  Allocator

	// Pool size tiers (in bytes)
	poolSizes      []int
	workspaceLimit int

	// Buffer size tracking
	bufferSizes      map[unsafe.Pointer]int // Maps buffer pointer to its allocated size
	exactSizes       map[unsafe.Pointer]int // Untiered buffers from AllocateExact
	bufferSizesMutex sync.RWMutex           // Protects bufferSizes and exactSizes
}

// PoolKey represents a key for the buffer pool map
type PoolKey struct {
	Size   int
	Device DeviceType
}

// Default pool sizes: 1KB, 4KB, 16KB, 64KB, 256KB, 1MB, 4MB, 16MB, 64MB
var defaultPoolSizes = []int{
	1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864,
}

// NewMemoryManager creates a new memory manager with default pool tiers
func NewMemoryManager(allocator Allocator) *MemoryManager {
	return NewMemoryManagerWithConfig(allocator, Config{})
}

// NewMemoryManagerWithConfig creates a memory manager with explicit settings
func NewMemoryManagerWithConfig(allocator Allocator, config Config) *MemoryManager {
	poolSizes := config.PoolSizes
	if len(poolSizes) == 0 {
		poolSizes = defaultPoolSizes
	}
	return &MemoryManager{
		pools:          make(map[PoolKey]*BufferPool),
		allocator:      allocator,
		poolSizes:      poolSizes,
		workspaceLimit: config.WorkspaceLimit,
		bufferSizes:    make(map[unsafe.Pointer]int),
		exactSizes:     make(map[unsafe.Pointer]int),
	}
}

// Allocator returns the raw device allocator
func (mm *MemoryManager) Allocator() Allocator {
	return mm.allocator
}

// GetBuffer gets a buffer of at least the specified size
func (mm *MemoryManager) GetBuffer(size int, device DeviceType) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, nil
	}

	poolSize := mm.findPoolSize(size)
	key := PoolKey{Size: poolSize, Device: device}

	pool := mm.getOrCreatePool(key)

	buffer, err := pool.Get()
	if err != nil {
		return nil, err
	}

	mm.bufferSizesMutex.Lock()
	mm.bufferSizes[buffer] = poolSize
	mm.bufferSizesMutex.Unlock()

	return buffer, nil
}

// ReturnBuffer returns a buffer to the appropriate pool
func (mm *MemoryManager) ReturnBuffer(buffer unsafe.Pointer, size int, device DeviceType) {
	if buffer == nil {
		return
	}

	poolSize := mm.findPoolSize(size)
	key := PoolKey{Size: poolSize, Device: device}

	mm.poolsMutex.RLock()
	pool, exists := mm.pools[key]
	mm.poolsMutex.RUnlock()

	if exists {
		pool.Return(buffer)
	} else if err := mm.allocator.Free(buffer); err != nil {
		klog.Warningf("return buffer %p: %v", buffer, err)
	}

	mm.bufferSizesMutex.Lock()
	delete(mm.bufferSizes, buffer)
	mm.bufferSizesMutex.Unlock()
}

// findPoolSize finds the smallest pool size that can accommodate the request
func (mm *MemoryManager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	// Larger than the largest tier: use the requested size
	return size
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(key PoolKey) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[key]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[key]; exists {
		return pool
	}

	pool = NewBufferPool(key.Size, calculateMaxPoolSize(key.Size), key.Device, mm.allocator)
	mm.pools[key] = pool

	return pool
}

// calculateMaxPoolSize determines the maximum number of buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 4096: // <= 4KB
		return 100
	case bufferSize <= 65536: // <= 64KB
		return 50
	case bufferSize <= 1048576: // <= 1MB
		return 20
	case bufferSize <= 16777216: // <= 16MB
		return 10
	default: // > 16MB
		return 5
	}
}

// Allocate hands out a device buffer of at least size bytes
func (mm *MemoryManager) Allocate(size int) (unsafe.Pointer, error) {
	return mm.GetBuffer(size, GPU)
}

// AllocateExact hands out a buffer of exactly size bytes, bypassing the pool
// tiers. It serves long-lived buffers sized against the GetInfo budget: when
// free memory alone falls short, cached pool buffers are drained and the
// allocation is retried, so any size within the budget can be satisfied.
func (mm *MemoryManager) AllocateExact(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, nil
	}

	buffer, err := mm.allocator.Allocate(size)
	if err != nil && mm.cachedBytes() > 0 {
		klog.V(1).Infof("allocate %d bytes exact: draining pool caches", size)
		mm.Drain()
		buffer, err = mm.allocator.Allocate(size)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d bytes exact", size)
	}

	mm.bufferSizesMutex.Lock()
	mm.exactSizes[buffer] = size
	mm.bufferSizesMutex.Unlock()
	return buffer, nil
}

// Deallocate returns a buffer obtained from Allocate or AllocateExact. Exact
// buffers go straight back to the allocator.
func (mm *MemoryManager) Deallocate(buffer unsafe.Pointer) {
	if buffer == nil {
		return
	}

	mm.bufferSizesMutex.Lock()
	_, exact := mm.exactSizes[buffer]
	delete(mm.exactSizes, buffer)
	mm.bufferSizesMutex.Unlock()
	if exact {
		if err := mm.allocator.Free(buffer); err != nil {
			klog.Warningf("free exact buffer %p: %v", buffer, err)
		}
		return
	}

	mm.bufferSizesMutex.RLock()
	size, exists := mm.bufferSizes[buffer]
	mm.bufferSizesMutex.RUnlock()

	if !exists {
		klog.Warningf("releasing untracked buffer %p, freeing directly", buffer)
		if err := mm.allocator.Free(buffer); err != nil {
			klog.Warningf("free untracked buffer %p: %v", buffer, err)
		}
		return
	}

	mm.ReturnBuffer(buffer, size, GPU)
}

// GetInfo reports the workspace budget and total device memory. The budget is
// the free device memory plus what the pools hold cached, capped by the
// configured workspace limit.
func (mm *MemoryManager) GetInfo() (budget, total int) {
	free, total := mm.allocator.MemInfo()
	budget = free + mm.cachedBytes()
	if mm.workspaceLimit > 0 && budget > mm.workspaceLimit {
		budget = mm.workspaceLimit
	}
	return budget, total
}

func (mm *MemoryManager) cachedBytes() int {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	cached := 0
	for key, pool := range mm.pools {
		available, _, _ := pool.Stats()
		cached += available * key.Size
	}
	return cached
}

// Drain frees every cached buffer in every pool
func (mm *MemoryManager) Drain() {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	for _, pool := range mm.pools {
		pool.Drain()
	}
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() map[PoolKey]string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make(map[PoolKey]string)
	for key, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats[key] = fmt.Sprintf("available=%d, allocated=%d, max=%d",
			available, allocated, maxSize)
	}

	return stats
}

// Global memory manager instance
var globalMemoryManager *MemoryManager
var globalMemoryManagerOnce sync.Once

// InitializeGlobalMemoryManager initializes the global memory manager
func InitializeGlobalMemoryManager(allocator Allocator, config Config) {
	globalMemoryManagerOnce.Do(func() {
		globalMemoryManager = NewMemoryManagerWithConfig(allocator, config)
	})
}

// GetGlobalMemoryManager returns the global memory manager instance
func GetGlobalMemoryManager() *MemoryManager {
	if globalMemoryManager == nil {
		panic("global memory manager not initialized - call InitializeGlobalMemoryManager first")
	}
	return globalMemoryManager
}
