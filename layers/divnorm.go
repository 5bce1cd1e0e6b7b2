package layers

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-dnn/accel"
	"github.com/tsawler/go-dnn/blob"
	"github.com/tsawler/go-dnn/memory"
)

// DivisiveNormalizationLayer normalizes each position by a windowed estimate
// of local magnitude through an accel.Library. Scratch buffers are leased
// from the memory manager for the duration of each call only.
type DivisiveNormalizationLayer struct {
	name   string
	params NormalizationParams
	lib    accel.Library
	mm     *memory.MemoryManager

	norm       accel.LRNDescriptor
	bottomDesc accel.TensorDescriptor
	topDesc    accel.TensorDescriptor

	scratchSize int
}

func NewDivisiveNormalizationLayer(name string, params NormalizationParams, lib accel.Library, mm *memory.MemoryManager) *DivisiveNormalizationLayer {
	return &DivisiveNormalizationLayer{name: name, params: params, lib: lib, mm: mm}
}

func (l *DivisiveNormalizationLayer) Name() string        { return l.name }
func (l *DivisiveNormalizationLayer) Type() LayerType     { return DivisiveNormalization }
func (l *DivisiveNormalizationLayer) Blobs() []*blob.Blob { return nil }

// ScratchSize is the byte size of each of the two scratch buffers
func (l *DivisiveNormalizationLayer) ScratchSize() int { return l.scratchSize }

func (l *DivisiveNormalizationLayer) LayerSetUp(bottom, top []*blob.Blob) (err error) {
	if err := checkBlobCounts(l.name, bottom, top, 1, 1); err != nil {
		return err
	}
	if l.norm != nil {
		return errors.Errorf("layer %q: already set up", l.name)
	}

	var norm accel.LRNDescriptor
	var bottomDesc, topDesc accel.TensorDescriptor
	defer func() {
		if err == nil {
			return
		}
		for _, d := range []destroyer{bottomDesc, topDesc, norm} {
			if d == nil {
				continue
			}
			if derr := d.Destroy(); derr != nil {
				klog.Warningf("%s: rollback descriptor: %v", l.name, derr)
			}
		}
	}()

	if norm, err = l.lib.CreateLRNDescriptor(); err != nil {
		return errors.Wrapf(err, "layer %q: normalization descriptor", l.name)
	}
	p := l.params
	if err = norm.Set(p.LocalSize, float64(p.Alpha), float64(p.Beta), float64(p.K)); err != nil {
		return errors.Wrapf(err, "layer %q: normalization descriptor", l.name)
	}
	if bottomDesc, err = l.lib.CreateTensorDescriptor(); err != nil {
		return errors.Wrapf(err, "layer %q: bottom descriptor", l.name)
	}
	if topDesc, err = l.lib.CreateTensorDescriptor(); err != nil {
		return errors.Wrapf(err, "layer %q: top descriptor", l.name)
	}

	l.norm, l.bottomDesc, l.topDesc = norm, bottomDesc, topDesc
	return nil
}

func (l *DivisiveNormalizationLayer) Reshape(bottom, top []*blob.Blob) error {
	if l.norm == nil {
		return errors.Errorf("layer %q: reshape before setup", l.name)
	}
	x := bottom[0]
	if x.NumAxes() != 4 {
		return configErrorf("layer %q: divisive normalization input must be 4-D (num, channels, height, width), got %s",
			l.name, x.ShapeString())
	}
	if err := top[0].ReshapeLike(x); err != nil {
		return err
	}

	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	for _, d := range []accel.TensorDescriptor{l.bottomDesc, l.topDesc} {
		if err := d.Set4d(n, c, h, w, c*h*w, h*w, w, 1); err != nil {
			return errors.Wrapf(err, "layer %q", l.name)
		}
	}
	l.scratchSize = memory.SizeOf(x.Count())
	return nil
}

func (l *DivisiveNormalizationLayer) Forward(bottom, top []*blob.Blob) error {
	scratch, err := l.mm.Acquire(l.scratchSize, l.scratchSize)
	if err != nil {
		return errors.Wrapf(err, "layer %q: forward scratch", l.name)
	}
	defer scratch.Release()

	x, err := bottom[0].DeviceData()
	if err != nil {
		return err
	}
	y, err := top[0].MutableDeviceData()
	if err != nil {
		return err
	}

	err = l.lib.DivisiveNormalizationForward(l.norm, accel.DivNormPrecomputedMeans, 1,
		l.bottomDesc, x, nil, scratch.Ptr(0), scratch.Ptr(1),
		0, l.topDesc, y)
	return errors.Wrapf(err, "layer %q: forward", l.name)
}

func (l *DivisiveNormalizationLayer) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	scratch, err := l.mm.Acquire(l.scratchSize, l.scratchSize)
	if err != nil {
		return errors.Wrapf(err, "layer %q: backward scratch", l.name)
	}
	defer scratch.Release()

	x, err := bottom[0].DeviceData()
	if err != nil {
		return err
	}
	dy, err := top[0].DeviceDiff()
	if err != nil {
		return err
	}
	dx, err := bottom[0].MutableDeviceDiff()
	if err != nil {
		return err
	}

	err = l.lib.DivisiveNormalizationBackward(l.norm, accel.DivNormPrecomputedMeans, 1,
		l.bottomDesc, x, nil, dy, scratch.Ptr(0), scratch.Ptr(1),
		0, l.bottomDesc, dx, nil)
	return errors.Wrapf(err, "layer %q: backward", l.name)
}

// Close destroys the tensor descriptors and the normalization descriptor
func (l *DivisiveNormalizationLayer) Close() error {
	if l.norm == nil {
		return nil
	}
	var first error
	for _, d := range []destroyer{l.bottomDesc, l.topDesc, l.norm} {
		if err := d.Destroy(); err != nil && first == nil {
			first = err
		}
	}
	l.norm, l.bottomDesc, l.topDesc = nil, nil, nil
	return errors.Wrapf(first, "layer %q: destroy descriptors", l.name)
}
