package reference

import (
	"fmt"

	"github.com/tsawler/go-dnn/accel"
)

// Kind identifies a descriptor type for bookkeeping
type Kind int

const (
	KindTensor Kind = iota
	KindFilter
	KindConvolution
	KindLRN
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindFilter:
		return "filter"
	case KindConvolution:
		return "convolution"
	case KindLRN:
		return "lrn"
	default:
		return "unknown"
	}
}

type descriptor struct {
	lib       *Library
	kind      Kind
	id        int
	set       bool
	destroyed bool
}

func (d *descriptor) destroy(op string) error {
	if d.destroyed {
		return accel.Errorf(op, accel.StatusBadParam, "%s descriptor #%d destroyed twice", d.kind, d.id)
	}
	d.destroyed = true
	d.lib.record(fmt.Sprintf("destroy %s#%d", d.kind, d.id))
	d.lib.release(d.kind)
	return nil
}

func (d *descriptor) usable() bool {
	return d.set && !d.destroyed
}

// ID returns the creation sequence number of a descriptor from this library
func ID(desc interface{}) int {
	switch d := desc.(type) {
	case *tensorDesc:
		return d.id
	case *filterDesc:
		return d.id
	case *convDesc:
		return d.id
	case *lrnDesc:
		return d.id
	default:
		return -1
	}
}

type tensorDesc struct {
	descriptor
	n, c, h, w     int
	ns, cs, hs, ws int
}

func (d *tensorDesc) Set4d(n, c, h, w, nStride, cStride, hStride, wStride int) error {
	if d.destroyed {
		return accel.Errorf("SetTensor4dDescriptor", accel.StatusBadParam, "descriptor destroyed")
	}
	if n <= 0 || c <= 0 || h <= 0 || w <= 0 || nStride <= 0 || cStride <= 0 || hStride <= 0 || wStride <= 0 {
		return accel.Errorf("SetTensor4dDescriptor", accel.StatusBadParam,
			"dims %dx%dx%dx%d strides %d,%d,%d,%d", n, c, h, w, nStride, cStride, hStride, wStride)
	}
	d.n, d.c, d.h, d.w = n, c, h, w
	d.ns, d.cs, d.hs, d.ws = nStride, cStride, hStride, wStride
	d.set = true
	return nil
}

func (d *tensorDesc) Get4d() (n, c, h, w, nStride, cStride, hStride, wStride int) {
	return d.n, d.c, d.h, d.w, d.ns, d.cs, d.hs, d.ws
}

func (d *tensorDesc) Destroy() error {
	return d.destroy("DestroyTensorDescriptor")
}

// extent is the number of elements spanned by the strided view
func (d *tensorDesc) extent() int {
	return (d.n-1)*d.ns + (d.c-1)*d.cs + (d.h-1)*d.hs + (d.w-1)*d.ws + 1
}

func (d *tensorDesc) count() int {
	return d.n * d.c * d.h * d.w
}

func (d *tensorDesc) index(n, c, h, w int) int {
	return n*d.ns + c*d.cs + h*d.hs + w*d.ws
}

func (d *tensorDesc) sameShape(o *tensorDesc) bool {
	return d.n == o.n && d.c == o.c && d.h == o.h && d.w == o.w
}

type filterDesc struct {
	descriptor
	k, c, h, w int
}

func (d *filterDesc) Set4d(k, c, h, w int) error {
	if d.destroyed {
		return accel.Errorf("SetFilter4dDescriptor", accel.StatusBadParam, "descriptor destroyed")
	}
	if k <= 0 || c <= 0 || h <= 0 || w <= 0 {
		return accel.Errorf("SetFilter4dDescriptor", accel.StatusBadParam, "dims %dx%dx%dx%d", k, c, h, w)
	}
	d.k, d.c, d.h, d.w = k, c, h, w
	d.set = true
	return nil
}

func (d *filterDesc) Get4d() (k, c, h, w int) {
	return d.k, d.c, d.h, d.w
}

func (d *filterDesc) Destroy() error {
	return d.destroy("DestroyFilterDescriptor")
}

func (d *filterDesc) count() int {
	return d.k * d.c * d.h * d.w
}

type convDesc struct {
	descriptor
	padH, padW, strideH, strideW int
}

func (d *convDesc) Set2d(padH, padW, strideH, strideW int) error {
	if d.destroyed {
		return accel.Errorf("SetConvolution2dDescriptor", accel.StatusBadParam, "descriptor destroyed")
	}
	if padH < 0 || padW < 0 || strideH <= 0 || strideW <= 0 {
		return accel.Errorf("SetConvolution2dDescriptor", accel.StatusBadParam,
			"pad %d,%d stride %d,%d", padH, padW, strideH, strideW)
	}
	d.padH, d.padW, d.strideH, d.strideW = padH, padW, strideH, strideW
	d.set = true
	return nil
}

func (d *convDesc) Get2d() (padH, padW, strideH, strideW int) {
	return d.padH, d.padW, d.strideH, d.strideW
}

func (d *convDesc) Destroy() error {
	return d.destroy("DestroyConvolutionDescriptor")
}

type lrnDesc struct {
	descriptor
	n              int
	alpha, beta, k float64
}

// LRN limits mirror common vendor constraints
const (
	MinLRNN    = 1
	MaxLRNN    = 16
	MinLRNK    = 1e-5
	MinLRNBeta = 0.01
)

func (d *lrnDesc) Set(n int, alpha, beta, k float64) error {
	if d.destroyed {
		return accel.Errorf("SetLRNDescriptor", accel.StatusBadParam, "descriptor destroyed")
	}
	if n < MinLRNN || n > MaxLRNN || k < MinLRNK || beta < MinLRNBeta {
		return accel.Errorf("SetLRNDescriptor", accel.StatusBadParam, "n=%d alpha=%g beta=%g k=%g", n, alpha, beta, k)
	}
	d.n, d.alpha, d.beta, d.k = n, alpha, beta, k
	d.set = true
	return nil
}

func (d *lrnDesc) Get() (n int, alpha, beta, k float64) {
	return d.n, d.alpha, d.beta, d.k
}

func (d *lrnDesc) Destroy() error {
	return d.destroy("DestroyLRNDescriptor")
}

func asTensor(op string, d accel.TensorDescriptor) (*tensorDesc, error) {
	t, ok := d.(*tensorDesc)
	if !ok || !t.usable() {
		return nil, accel.Errorf(op, accel.StatusBadParam, "tensor descriptor not set or destroyed")
	}
	return t, nil
}

func asFilter(op string, d accel.FilterDescriptor) (*filterDesc, error) {
	f, ok := d.(*filterDesc)
	if !ok || !f.usable() {
		return nil, accel.Errorf(op, accel.StatusBadParam, "filter descriptor not set or destroyed")
	}
	return f, nil
}

func asConv(op string, d accel.ConvolutionDescriptor) (*convDesc, error) {
	c, ok := d.(*convDesc)
	if !ok || !c.usable() {
		return nil, accel.Errorf(op, accel.StatusBadParam, "convolution descriptor not set or destroyed")
	}
	return c, nil
}

func asLRN(op string, d accel.LRNDescriptor) (*lrnDesc, error) {
	l, ok := d.(*lrnDesc)
	if !ok || !l.usable() {
		return nil, accel.Errorf(op, accel.StatusBadParam, "lrn descriptor not set or destroyed")
	}
	return l, nil
}
