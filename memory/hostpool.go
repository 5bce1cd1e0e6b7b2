package memory

import (
	"math/bits"
	"sync"
)

// ScratchPool recycles host float32 scratch slices. Slices are grouped by
// power-of-two capacity so a returned slice serves any request that fits.
type ScratchPool struct {
	classes [bits.UintSize]sync.Pool
}

// Get returns a slice of exactly n elements. Contents are unspecified.
func (sp *ScratchPool) Get(n int) []float32 {
	if n <= 0 {
		return nil
	}
	class := bits.Len(uint(n - 1))
	if p, ok := sp.classes[class].Get().(*[]float32); ok {
		return (*p)[:n]
	}
	return make([]float32, n, 1<<class)
}

// Put makes buf available to later Gets. Slices whose capacity is not a
// power of two did not come from Get and are dropped.
func (sp *ScratchPool) Put(buf []float32) {
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	buf = buf[:c]
	sp.classes[bits.Len(uint(c-1))].Put(&buf)
}

var hostScratch ScratchPool

// HostScratch returns the process-wide host scratch pool
func HostScratch() *ScratchPool {
	return &hostScratch
}
