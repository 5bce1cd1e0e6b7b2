package layers

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-dnn/accel"
	"github.com/tsawler/go-dnn/blob"
	"github.com/tsawler/go-dnn/memory"
)

// Layer is the execution contract shared by every layer. LayerSetUp runs
// once, Reshape whenever input shapes change, Forward and Backward every
// iteration, always with the same ordered bottom and top blobs.
type Layer interface {
	Name() string
	Type() LayerType

	LayerSetUp(bottom, top []*blob.Blob) error
	Reshape(bottom, top []*blob.Blob) error
	Forward(bottom, top []*blob.Blob) error
	Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error

	// Blobs returns the learnable parameter blobs, if any
	Blobs() []*blob.Blob

	// Close releases accelerator resources. It is safe to call more than
	// once and on a layer whose setup never completed.
	Close() error
}

// Context carries the shared collaborators accelerator layers run against.
// Host layers ignore it.
type Context struct {
	Library accel.Library
	Memory  *memory.MemoryManager
}

// NewLayer builds the layer a spec describes
func NewLayer(spec LayerSpec, ctx Context) (Layer, error) {
	switch spec.Type {
	case Power:
		if spec.Engine != EngineDefault {
			return nil, configErrorf("layer %q: power layer has no %s engine", spec.Name, spec.Engine)
		}
		params, err := PowerParamsFromSpec(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %q", spec.Name)
		}
		return NewPowerLayer(spec.Name, params), nil

	case Convolution:
		if spec.Engine != EngineAccelerator {
			return nil, configErrorf("layer %q: convolution requires the %s engine", spec.Name, EngineAccelerator)
		}
		if err := ctx.requireAccelerator(spec.Name); err != nil {
			return nil, err
		}
		params, err := ConvolutionParamsFromSpec(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %q", spec.Name)
		}
		return NewAcceleratedConvolutionLayer(spec.Name, params, ctx.Library, ctx.Memory), nil

	case DivisiveNormalization:
		if spec.Engine != EngineAccelerator {
			return nil, configErrorf("layer %q: divisive normalization requires the %s engine", spec.Name, EngineAccelerator)
		}
		if err := ctx.requireAccelerator(spec.Name); err != nil {
			return nil, err
		}
		params, err := NormalizationParamsFromSpec(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %q", spec.Name)
		}
		return NewDivisiveNormalizationLayer(spec.Name, params, ctx.Library, ctx.Memory), nil

	default:
		return nil, configErrorf("layer %q: unsupported layer type %s", spec.Name, spec.Type)
	}
}

func (ctx Context) requireAccelerator(name string) error {
	if ctx.Library == nil || ctx.Memory == nil {
		return configErrorf("layer %q: accelerator engine needs a library and a memory manager", name)
	}
	return nil
}

func checkBlobCounts(name string, bottom, top []*blob.Blob, exactBottom, exactTop int) error {
	if exactBottom > 0 && len(bottom) != exactBottom {
		return configErrorf("layer %q takes %d bottom blob(s), got %d", name, exactBottom, len(bottom))
	}
	if exactTop > 0 && len(top) != exactTop {
		return configErrorf("layer %q produces %d top blob(s), got %d", name, exactTop, len(top))
	}
	if len(bottom) == 0 {
		return configErrorf("layer %q needs at least one bottom blob", name)
	}
	if exactTop == 0 && len(top) != len(bottom) {
		return configErrorf("layer %q needs one top per bottom, got %d bottoms and %d tops", name, len(bottom), len(top))
	}
	return nil
}
