// Package reference is a host implementation of accel.Library. It runs every
// primitive on device memory handed out by memory.HostAllocator, which makes
// it usable without an accelerator and as a numeric oracle in tests.
package reference

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/tsawler/go-dnn/accel"
)

// Algorithm identifiers. Direct algorithms need no workspace; GEMM algorithms
// lower the convolution onto an im2col column buffer held in the workspace.
const (
	FwdAlgoDirect accel.FwdAlgo = 0
	FwdAlgoGemm   accel.FwdAlgo = 1

	BwdFilterAlgoDirect accel.BwdFilterAlgo = 0
	BwdFilterAlgoGemm   accel.BwdFilterAlgo = 1

	BwdDataAlgoDirect accel.BwdDataAlgo = 0
	BwdDataAlgoGemm   accel.BwdDataAlgo = 1
)

// Library is the host reference library. The zero value is not usable; call New.
type Library struct {
	mu        sync.Mutex
	nextID    int
	live      map[Kind]int
	created   map[Kind]int
	destroyed map[Kind]int
	trace     []string
	tracing   bool

	parallelism int
}

// Option configures a Library
type Option func(*Library)

// WithParallelism bounds the goroutines used by the direct algorithms
func WithParallelism(n int) Option {
	return func(l *Library) {
		if n > 0 {
			l.parallelism = n
		}
	}
}

// WithTrace records descriptor lifecycle events, readable through Trace
func WithTrace() Option {
	return func(l *Library) {
		l.tracing = true
	}
}

// New creates a reference library
func New(opts ...Option) *Library {
	l := &Library{
		live:        make(map[Kind]int),
		created:     make(map[Kind]int),
		destroyed:   make(map[Kind]int),
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Library) register(kind Kind) descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.live[kind]++
	l.created[kind]++
	if l.tracing {
		l.trace = append(l.trace, fmt.Sprintf("create %s#%d", kind, l.nextID))
	}
	return descriptor{lib: l, kind: kind, id: l.nextID}
}

func (l *Library) release(kind Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live[kind]--
	l.destroyed[kind]++
}

func (l *Library) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tracing {
		l.trace = append(l.trace, event)
	}
}

// Live returns the number of descriptors of a kind not yet destroyed
func (l *Library) Live(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live[kind]
}

// Created returns the number of descriptors of a kind ever created
func (l *Library) Created(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created[kind]
}

// Destroyed returns the number of descriptors of a kind destroyed
func (l *Library) Destroyed(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed[kind]
}

// Trace returns the recorded lifecycle events
func (l *Library) Trace() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.trace))
	copy(out, l.trace)
	return out
}

func (l *Library) CreateTensorDescriptor() (accel.TensorDescriptor, error) {
	return &tensorDesc{descriptor: l.register(KindTensor)}, nil
}

func (l *Library) CreateFilterDescriptor() (accel.FilterDescriptor, error) {
	return &filterDesc{descriptor: l.register(KindFilter)}, nil
}

func (l *Library) CreateConvolutionDescriptor() (accel.ConvolutionDescriptor, error) {
	return &convDesc{descriptor: l.register(KindConvolution)}, nil
}

func (l *Library) CreateLRNDescriptor() (accel.LRNDescriptor, error) {
	return &lrnDesc{descriptor: l.register(KindLRN)}, nil
}

var _ accel.Library = (*Library)(nil)
