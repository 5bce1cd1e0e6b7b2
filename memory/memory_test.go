package memory

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
)

// TestDataType tests DataType constants and behavior
func TestDataType(t *testing.T) {
	if Float32 != 0 {
		t.Errorf("Expected Float32 to be 0, got %d", Float32)
	}
	if Int32 != 1 {
		t.Errorf("Expected Int32 to be 1, got %d", Int32)
	}
	if Float16 != 2 {
		t.Errorf("Expected Float16 to be 2, got %d", Float16)
	}
	if Int8 != 3 {
		t.Errorf("Expected Int8 to be 3, got %d", Int8)
	}

	t.Log("DataType constants tests passed")
}

// TestCalculateSize tests the calculateSize function
func TestCalculateSize(t *testing.T) {
	tests := []struct {
		name     string
		shape    []int
		dtype    DataType
		expected int
	}{
		{"empty_shape", []int{}, Float32, 0},
		{"scalar", []int{1}, Float32, 4},
		{"vector", []int{10}, Float32, 40},
		{"nchw", []int{2, 3, 4, 5}, Float32, 480},
		{"int32_vector", []int{10}, Int32, 40},
		{"float16_vector", []int{10}, Float16, 20},
		{"int8_vector", []int{10}, Int8, 10},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := calculateSize(test.shape, test.dtype)
			if result != test.expected {
				t.Errorf("calculateSize(%v, %d) = %d; expected %d",
					test.shape, test.dtype, result, test.expected)
			}
		})
	}

	if got := SizeOf(2, 3); got != 24 {
		t.Errorf("SizeOf(2, 3) = %d; expected 24", got)
	}
}

// TestCalculateSizePanic tests panic behavior for unsupported data types
func TestCalculateSizePanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for unsupported data type")
		}
	}()

	calculateSize([]int{10}, DataType(99))
}

func TestHostAllocator(t *testing.T) {
	alloc := NewHostAllocator(64)

	t.Run("zero_size", func(t *testing.T) {
		p, err := alloc.Allocate(0)
		if err != nil || p != nil {
			t.Errorf("Allocate(0) = %p, %v; expected nil, nil", p, err)
		}
	})

	t.Run("rounds_to_words", func(t *testing.T) {
		p, err := alloc.Allocate(5)
		if err != nil {
			t.Fatalf("Allocate(5) failed: %v", err)
		}
		free, total := alloc.MemInfo()
		if total != 64 || free != 56 {
			t.Errorf("MemInfo() = %d, %d; expected 56, 64", free, total)
		}
		if err := alloc.Free(p); err != nil {
			t.Errorf("Free failed: %v", err)
		}
	})

	t.Run("out_of_memory", func(t *testing.T) {
		_, err := alloc.Allocate(128)
		if errors.Cause(err) != ErrOutOfMemory {
			t.Errorf("Expected ErrOutOfMemory, got %v", err)
		}
	})

	t.Run("unknown_free", func(t *testing.T) {
		var x float32
		if err := alloc.Free(unsafe.Pointer(&x)); err == nil {
			t.Error("Expected error freeing unknown pointer")
		}
	})

	t.Run("copy_round_trip", func(t *testing.T) {
		p, err := alloc.Allocate(16)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		defer alloc.Free(p)

		if err := alloc.CopyToDevice(p, []float32{1, 2, 3, 4}); err != nil {
			t.Fatalf("CopyToDevice failed: %v", err)
		}
		out := make([]float32, 4)
		if err := alloc.CopyToHost(out, p); err != nil {
			t.Fatalf("CopyToHost failed: %v", err)
		}
		for i, v := range []float32{1, 2, 3, 4} {
			if out[i] != v {
				t.Errorf("out[%d] = %v; expected %v", i, out[i], v)
			}
		}
		if got := HostFloat32s(Offset(p, 2), 2); got[0] != 3 || got[1] != 4 {
			t.Errorf("Offset view = %v; expected [3 4]", got)
		}
	})

	if alloc.Live() != 0 {
		t.Errorf("Expected no live blocks, got %d", alloc.Live())
	}
}

// TestBufferPoolCreation tests buffer pool creation
func TestBufferPoolCreation(t *testing.T) {
	pool := NewBufferPool(1024, 10, GPU, NewHostAllocator(1<<20))

	if pool.bufferSize != 1024 {
		t.Errorf("Expected buffer size 1024, got %d", pool.bufferSize)
	}
	if pool.maxSize != 10 {
		t.Errorf("Expected max size 10, got %d", pool.maxSize)
	}
	if pool.device != GPU {
		t.Errorf("Expected device GPU, got %d", pool.device)
	}

	available, allocated, maxSize := pool.Stats()
	if available != 0 || allocated != 0 || maxSize != 10 {
		t.Errorf("Stats() = %d, %d, %d; expected 0, 0, 10", available, allocated, maxSize)
	}

	t.Log("Buffer pool creation tests passed")
}

func TestBufferPoolCapacity(t *testing.T) {
	alloc := NewHostAllocator(1 << 20)
	pool := NewBufferPool(1024, 2, GPU, alloc)

	a, err := pool.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := pool.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := pool.Get(); err == nil {
		t.Error("Expected error when pool is at capacity")
	}

	pool.Return(a)
	c, err := pool.Get()
	if err != nil {
		t.Fatalf("Get after return failed: %v", err)
	}
	if c != a {
		t.Error("Expected cached buffer to be reused")
	}

	pool.Return(b)
	pool.Return(c)
	pool.Drain()
	if alloc.Live() != 0 {
		t.Errorf("Expected drained pool to free every buffer, %d live", alloc.Live())
	}
}

func TestMemoryManagerAllocate(t *testing.T) {
	alloc := NewHostAllocator(1 << 20)
	mm := NewMemoryManager(alloc)

	p, err := mm.Allocate(1000)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p == nil {
		t.Fatal("Expected non-nil buffer")
	}

	mm.bufferSizesMutex.RLock()
	size := mm.bufferSizes[p]
	mm.bufferSizesMutex.RUnlock()
	if size != 1024 {
		t.Errorf("Expected tracked tier size 1024, got %d", size)
	}

	mm.Deallocate(p)

	q, err := mm.Allocate(900)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if q != p {
		t.Error("Expected same-tier request to reuse cached buffer")
	}
	mm.Deallocate(q)

	if p, err := mm.Allocate(0); err != nil || p != nil {
		t.Errorf("Allocate(0) = %p, %v; expected nil, nil", p, err)
	}

	mm.Drain()
	if alloc.Live() != 0 {
		t.Errorf("Expected no live blocks after drain, got %d", alloc.Live())
	}
}

func TestMemoryManagerGetInfo(t *testing.T) {
	alloc := NewHostAllocator(1 << 20)

	t.Run("counts_cached_buffers", func(t *testing.T) {
		mm := NewMemoryManager(alloc)
		p, err := mm.Allocate(4096)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		budget, total := mm.GetInfo()
		if total != 1<<20 || budget != 1<<20-4096 {
			t.Errorf("GetInfo() = %d, %d with buffer live", budget, total)
		}
		mm.Deallocate(p)
		budget, _ = mm.GetInfo()
		if budget != 1<<20 {
			t.Errorf("Expected cached buffer to count toward budget, got %d", budget)
		}
		mm.Drain()
	})

	t.Run("workspace_limit", func(t *testing.T) {
		mm := NewMemoryManagerWithConfig(alloc, Config{WorkspaceLimit: 2048})
		budget, total := mm.GetInfo()
		if budget != 2048 || total != 1<<20 {
			t.Errorf("GetInfo() = %d, %d; expected 2048, %d", budget, total, 1<<20)
		}
	})
}

func TestMemoryManagerAllocateExact(t *testing.T) {
	alloc := NewHostAllocator(4000)
	mm := NewMemoryManager(alloc)

	// A cached 1KB tier buffer still counts toward the budget
	p, err := mm.Allocate(1000)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	mm.Deallocate(p)
	if budget, _ := mm.GetInfo(); budget != 4000 {
		t.Fatalf("Expected budget 4000, got %d", budget)
	}

	// 3600 bytes fits the budget but its 4KB tier does not fit the device
	if _, err := mm.Allocate(3600); err == nil {
		t.Fatal("Expected tiered allocation of 3600 bytes to fail")
	}

	q, err := mm.AllocateExact(3600)
	if err != nil {
		t.Fatalf("AllocateExact within budget failed: %v", err)
	}
	if alloc.Live() != 1 {
		t.Errorf("Expected cached buffers drained and one live block, got %d", alloc.Live())
	}
	if free, _ := alloc.MemInfo(); free != 400 {
		t.Errorf("Expected 400 free bytes, got %d", free)
	}

	mm.Deallocate(q)
	if alloc.Live() != 0 {
		t.Errorf("Exact buffer was cached instead of freed, %d live", alloc.Live())
	}

	if p, err := mm.AllocateExact(0); p != nil || err != nil {
		t.Errorf("AllocateExact(0) = %p, %v; expected nil, nil", p, err)
	}
	if _, err := mm.AllocateExact(8000); errors.Cause(err) != ErrOutOfMemory {
		t.Errorf("Expected ErrOutOfMemory beyond capacity, got %v", err)
	}

	t.Log("AllocateExact tests passed")
}

func TestLease(t *testing.T) {
	alloc := NewHostAllocator(8192)
	mm := NewMemoryManagerWithConfig(alloc, Config{PoolSizes: []int{1024, 4096}})

	t.Run("acquire_release", func(t *testing.T) {
		lease, err := mm.Acquire(100, 100)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if lease.Len() != 2 || lease.Ptr(0) == lease.Ptr(1) {
			t.Fatal("Expected two distinct buffers")
		}
		if lease.Size(1) != 100 {
			t.Errorf("Expected size 100, got %d", lease.Size(1))
		}
		lease.Release()
		lease.Release()
		mm.Drain()
		if alloc.Live() != 0 {
			t.Errorf("Expected no live blocks, got %d", alloc.Live())
		}
	})

	t.Run("all_or_nothing", func(t *testing.T) {
		_, err := mm.Acquire(4096, 16384)
		if err == nil {
			t.Fatal("Expected acquire to fail beyond capacity")
		}
		if errors.Cause(err) != ErrOutOfMemory {
			t.Errorf("Expected ErrOutOfMemory cause, got %v", err)
		}
		mm.Drain()
		if alloc.Live() != 0 {
			t.Errorf("Partial lease leaked %d blocks", alloc.Live())
		}
	})

	t.Run("nil_release", func(t *testing.T) {
		var lease *Lease
		lease.Release()
	})
}

func TestMemoryManagerConcurrent(t *testing.T) {
	alloc := NewHostAllocator(1 << 24)
	mm := NewMemoryManager(alloc)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, err := mm.Acquire(1024*(i+1), 512)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				lease.Release()
			}
		}(i)
	}
	wg.Wait()

	mm.Drain()
	if alloc.Live() != 0 {
		t.Errorf("Expected no live blocks, got %d", alloc.Live())
	}
}

func TestScratchPool(t *testing.T) {
	var pool ScratchPool

	tests := []struct {
		n       int
		wantCap int
	}{
		{1, 1},
		{100, 128},
		{128, 128},
		{129, 256},
	}
	for _, tt := range tests {
		buf := pool.Get(tt.n)
		if len(buf) != tt.n || cap(buf) != tt.wantCap {
			t.Errorf("Get(%d): len %d cap %d, expected len %d cap %d", tt.n, len(buf), cap(buf), tt.n, tt.wantCap)
		}
		pool.Put(buf)
	}

	if buf := pool.Get(0); buf != nil {
		t.Errorf("Get(0) = %v, expected nil", buf)
	}

	// A returned slice only ever serves requests of its class
	for i := 0; i < 10; i++ {
		buf := pool.Get(60)
		if len(buf) != 60 || cap(buf) != 64 {
			t.Fatalf("Get(60): len %d cap %d", len(buf), cap(buf))
		}
		pool.Put(buf)
	}
	pool.Put(make([]float32, 3))
	pool.Put(nil)

	if HostScratch() != HostScratch() {
		t.Error("HostScratch must return a single pool")
	}

	t.Log("Scratch pool tests passed")
}

func TestGlobalMemoryManager(t *testing.T) {
	InitializeGlobalMemoryManager(NewHostAllocator(1<<20), Config{})
	if GetGlobalMemoryManager() == nil {
		t.Fatal("Expected global memory manager")
	}
	if GetGlobalMemoryManager() != GetGlobalMemoryManager() {
		t.Error("Expected a single global memory manager")
	}
}
