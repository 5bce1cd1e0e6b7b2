package layers

import (
	"github.com/tsawler/go-dnn/blob"
	"github.com/tsawler/go-dnn/memory"
	"github.com/tsawler/go-dnn/tensor"
)

// PowerLayer computes y = (shift + scale*x)^power on the host
type PowerLayer struct {
	name      string
	params    PowerParams
	diffScale float32
	scratch   *memory.ScratchPool
}

func NewPowerLayer(name string, params PowerParams) *PowerLayer {
	return &PowerLayer{
		name:    name,
		params:  params,
		scratch: memory.HostScratch(),
	}
}

func (l *PowerLayer) Name() string        { return l.name }
func (l *PowerLayer) Type() LayerType     { return Power }
func (l *PowerLayer) Blobs() []*blob.Blob { return nil }
func (l *PowerLayer) Close() error        { return nil }
func (l *PowerLayer) Params() PowerParams { return l.params }
func (l *PowerLayer) DiffScale() float32  { return l.diffScale }

func (l *PowerLayer) LayerSetUp(bottom, top []*blob.Blob) error {
	if err := checkBlobCounts(l.name, bottom, top, 1, 1); err != nil {
		return err
	}
	l.diffScale = l.params.Power * l.params.Scale
	return nil
}

func (l *PowerLayer) Reshape(bottom, top []*blob.Blob) error {
	return top[0].ReshapeLike(bottom[0])
}

func (l *PowerLayer) Forward(bottom, top []*blob.Blob) error {
	p := l.params
	y, err := top[0].MutableHostData()
	if err != nil {
		return err
	}

	// power or scale of zero ignores the input entirely
	if l.diffScale == 0 {
		value := float32(1)
		if p.Power != 0 {
			value = tensor.Pow(p.Shift, p.Power)
		}
		tensor.Set(value, y)
		return nil
	}

	x, err := bottom[0].HostData()
	if err != nil {
		return err
	}
	tensor.Copy(x, y)
	if p.Scale != 1 {
		tensor.Scal(p.Scale, y)
	}
	if p.Shift != 0 {
		tensor.AddScalar(p.Shift, y)
	}
	if p.Power != 1 {
		tensor.Powx(y, p.Power, y)
	}
	return nil
}

// Backward computes dx = dy * diff_scale * (shift + scale*x)^(power-1),
// expressed through y to avoid a second pow where possible
func (l *PowerLayer) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	p := l.params
	dx, err := bottom[0].MutableHostDiff()
	if err != nil {
		return err
	}

	if l.diffScale == 0 || p.Power == 1 {
		tensor.Set(l.diffScale, dx)
	} else {
		x, err := bottom[0].HostData()
		if err != nil {
			return err
		}
		switch {
		case p.Power == 2:
			// dy/dx = diff_scale*scale*x + diff_scale*shift
			tensor.Axpby(l.diffScale*p.Scale, x, 0, dx)
			if p.Shift != 0 {
				tensor.AddScalar(l.diffScale*p.Shift, dx)
			}
		case p.Shift == 0:
			// dy/dx = power*y/x; x == 0 yields Inf or NaN
			y, err := top[0].HostData()
			if err != nil {
				return err
			}
			tensor.Div(y, x, dx)
			tensor.Scal(p.Power, dx)
		default:
			// dy/dx = diff_scale*y/(shift + scale*x)
			y, err := top[0].HostData()
			if err != nil {
				return err
			}
			base := l.scratch.Get(len(x))
			defer l.scratch.Put(base)
			tensor.Copy(x, base)
			if p.Scale != 1 {
				tensor.Scal(p.Scale, base)
			}
			tensor.AddScalar(p.Shift, base)
			tensor.Div(y, base, dx)
			if l.diffScale != 1 {
				tensor.Scal(l.diffScale, dx)
			}
		}
	}

	if l.diffScale != 0 {
		dy, err := top[0].HostDiff()
		if err != nil {
			return err
		}
		tensor.Mul(dy, dx, dx)
	}
	return nil
}
