package layers

import (
	"slices"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-dnn/accel"
	"github.com/tsawler/go-dnn/blob"
	"github.com/tsawler/go-dnn/memory"
)

// ConvAlgorithms is the per-input record of chosen algorithms and the
// workspace each one needs. Algorithm 0 with no workspace is the default.
type ConvAlgorithms struct {
	Fwd       accel.FwdAlgo
	BwdFilter accel.BwdFilterAlgo
	BwdData   accel.BwdDataAlgo

	FwdWorkspace       int
	BwdFilterWorkspace int
	BwdDataWorkspace   int
}

func (a ConvAlgorithms) maxWorkspace() int {
	return max(a.FwdWorkspace, a.BwdFilterWorkspace, a.BwdDataWorkspace)
}

type inputDescriptors struct {
	bottom  accel.TensorDescriptor
	top     accel.TensorDescriptor
	fwdConv accel.ConvolutionDescriptor
	bwdConv accel.ConvolutionDescriptor
}

// convDescriptors is every descriptor the layer owns. It only exists fully
// built; a failed build destroys whatever it had created.
type convDescriptors struct {
	fwdFilter accel.FilterDescriptor
	bwdFilter accel.FilterDescriptor
	inputs    []inputDescriptors
	bias      accel.TensorDescriptor
}

type destroyer interface {
	Destroy() error
}

func newConvDescriptors(lib accel.Library, numInputs int, biasTerm bool, filterShape []int) (_ *convDescriptors, err error) {
	var created []destroyer
	defer func() {
		if err != nil {
			for i := len(created) - 1; i >= 0; i-- {
				if derr := created[i].Destroy(); derr != nil {
					klog.Warningf("rollback descriptor: %v", derr)
				}
			}
		}
	}()

	filter := func() (accel.FilterDescriptor, error) {
		f, err := lib.CreateFilterDescriptor()
		if err != nil {
			return nil, err
		}
		created = append(created, f)
		return f, f.Set4d(filterShape[0], filterShape[1], filterShape[2], filterShape[3])
	}
	tensorDesc := func() (accel.TensorDescriptor, error) {
		t, err := lib.CreateTensorDescriptor()
		if err != nil {
			return nil, err
		}
		created = append(created, t)
		return t, nil
	}
	convDesc := func() (accel.ConvolutionDescriptor, error) {
		c, err := lib.CreateConvolutionDescriptor()
		if err != nil {
			return nil, err
		}
		created = append(created, c)
		return c, nil
	}

	d := &convDescriptors{inputs: make([]inputDescriptors, numInputs)}
	if d.fwdFilter, err = filter(); err != nil {
		return nil, errors.Wrap(err, "forward filter descriptor")
	}
	if d.bwdFilter, err = filter(); err != nil {
		return nil, errors.Wrap(err, "backward filter descriptor")
	}
	for i := range d.inputs {
		in := &d.inputs[i]
		if in.bottom, err = tensorDesc(); err != nil {
			return nil, errors.Wrapf(err, "input %d bottom descriptor", i)
		}
		if in.top, err = tensorDesc(); err != nil {
			return nil, errors.Wrapf(err, "input %d top descriptor", i)
		}
		if in.fwdConv, err = convDesc(); err != nil {
			return nil, errors.Wrapf(err, "input %d forward convolution descriptor", i)
		}
		if in.bwdConv, err = convDesc(); err != nil {
			return nil, errors.Wrapf(err, "input %d backward convolution descriptor", i)
		}
	}
	if biasTerm {
		if d.bias, err = tensorDesc(); err != nil {
			return nil, errors.Wrap(err, "bias descriptor")
		}
	}
	return d, nil
}

// destroy tears down per-input descriptors in input order, then the bias
// descriptor, then both filters. Every descriptor is destroyed even if an
// earlier one fails; the first failure is returned.
func (d *convDescriptors) destroy() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, in := range d.inputs {
		keep(in.bottom.Destroy())
		keep(in.top.Destroy())
		keep(in.fwdConv.Destroy())
		keep(in.bwdConv.Destroy())
	}
	if d.bias != nil {
		keep(d.bias.Destroy())
	}
	keep(d.fwdFilter.Destroy())
	keep(d.bwdFilter.Destroy())
	return first
}

// rollback destroys descriptors of a setup that did not complete. The setup
// error is what the caller reports, so destroy failures are only logged.
func (d *convDescriptors) rollback(layer string) {
	if err := d.destroy(); err != nil {
		klog.Warningf("%s: rollback descriptors: %v", layer, err)
	}
}

// AcceleratedConvolutionLayer is a 2-D convolution run through an
// accel.Library. Algorithms are picked per input in Reshape under the
// memory manager's budget and share one workspace owned by the layer.
type AcceleratedConvolutionLayer struct {
	name   string
	params ConvolutionParams
	geom   *ConvolutionGeometry
	lib    accel.Library
	mm     *memory.MemoryManager

	weight *blob.Blob
	bias   *blob.Blob

	// paramPropagate[0] enables the weight gradient, [1] the bias gradient
	paramPropagate [2]bool

	desc  *convDescriptors
	algos []ConvAlgorithms

	workspace     unsafe.Pointer
	workspaceSize int
}

func NewAcceleratedConvolutionLayer(name string, params ConvolutionParams, lib accel.Library, mm *memory.MemoryManager) *AcceleratedConvolutionLayer {
	return &AcceleratedConvolutionLayer{
		name:           name,
		params:         params,
		geom:           NewConvolutionGeometry(params),
		lib:            lib,
		mm:             mm,
		paramPropagate: [2]bool{true, true},
	}
}

func (l *AcceleratedConvolutionLayer) Name() string    { return l.name }
func (l *AcceleratedConvolutionLayer) Type() LayerType { return Convolution }

// Geometry exposes the derived shapes; valid after Reshape
func (l *AcceleratedConvolutionLayer) Geometry() *ConvolutionGeometry { return l.geom }

func (l *AcceleratedConvolutionLayer) Blobs() []*blob.Blob {
	if l.weight == nil {
		return nil
	}
	if l.bias == nil {
		return []*blob.Blob{l.weight}
	}
	return []*blob.Blob{l.weight, l.bias}
}

// SetParamPropagateDown enables or disables the gradient of parameter blob i
func (l *AcceleratedConvolutionLayer) SetParamPropagateDown(i int, propagate bool) {
	l.paramPropagate[i] = propagate
}

// Algorithms returns the algorithm record for input i
func (l *AcceleratedConvolutionLayer) Algorithms(i int) ConvAlgorithms {
	return l.algos[i]
}

// WorkspaceSizes returns the forward, backward filter and backward data
// workspace sizes for input i
func (l *AcceleratedConvolutionLayer) WorkspaceSizes(i int) (fwd, bwdFilter, bwdData int) {
	a := l.algos[i]
	return a.FwdWorkspace, a.BwdFilterWorkspace, a.BwdDataWorkspace
}

// WorkspaceSize returns the size of the shared workspace currently held
func (l *AcceleratedConvolutionLayer) WorkspaceSize() int {
	return l.workspaceSize
}

func (l *AcceleratedConvolutionLayer) LayerSetUp(bottom, top []*blob.Blob) error {
	if err := checkBlobCounts(l.name, bottom, top, 0, 0); err != nil {
		return err
	}
	if l.desc != nil {
		return errors.Errorf("layer %q: already set up", l.name)
	}
	if err := l.geom.Setup(bottom[0].Shape()); err != nil {
		return errors.Wrapf(err, "layer %q", l.name)
	}

	filterShape := []int{
		l.params.NumOutput / l.params.Group, l.geom.Channels / l.params.Group,
		l.params.KernelH, l.params.KernelW,
	}
	desc, err := newConvDescriptors(l.lib, len(bottom), l.params.BiasTerm, filterShape)
	if err != nil {
		return errors.Wrapf(err, "layer %q: set up descriptors", l.name)
	}

	if l.weight == nil {
		if l.weight, err = blob.New(l.mm, l.geom.WeightShape()...); err != nil {
			desc.rollback(l.name)
			return errors.Wrapf(err, "layer %q: weight blob", l.name)
		}
	}
	if l.params.BiasTerm && l.bias == nil {
		if l.bias, err = blob.New(l.mm, l.geom.BiasShape()...); err != nil {
			desc.rollback(l.name)
			return errors.Wrapf(err, "layer %q: bias blob", l.name)
		}
	}

	l.algos = make([]ConvAlgorithms, len(bottom))
	l.desc = desc
	return nil
}

// Reshape recomputes geometry, descriptors, algorithms and the workspace. On
// failure every input falls back to the default algorithms, which need no
// workspace, so the records never point past the workspace actually held.
func (l *AcceleratedConvolutionLayer) Reshape(bottom, top []*blob.Blob) (err error) {
	if l.desc == nil {
		return errors.Errorf("layer %q: reshape before setup", l.name)
	}
	defer func() {
		if err != nil {
			clear(l.algos)
		}
	}()
	if len(bottom) != len(l.algos) || len(top) != len(l.algos) {
		return configErrorf("layer %q: set up for %d inputs, got %d bottoms and %d tops",
			l.name, len(l.algos), len(bottom), len(top))
	}

	shape := bottom[0].Shape()
	if n := l.geom.SpatialAxes(shape); n != 2 {
		return configErrorf("layer %q: accelerated convolution input must have 2 spatial axes (e.g., height and width), got %d",
			l.name, n)
	}
	if err := l.geom.Infer(shape); err != nil {
		return errors.Wrapf(err, "layer %q", l.name)
	}
	for i := 1; i < len(bottom); i++ {
		if !slices.Equal(bottom[i].Shape(), shape) {
			return configErrorf("layer %q: bottom %d shape %s differs from bottom 0 shape %s",
				l.name, i, bottom[i].ShapeString(), bottom[0].ShapeString())
		}
	}
	for i := range top {
		if err := top[i].Reshape(l.geom.TopShape()...); err != nil {
			return errors.Wrapf(err, "layer %q: reshape top %d", l.name, i)
		}
	}

	g, p := l.geom, l.params
	height, width := g.InputSpatial[0], g.InputSpatial[1]
	heightOut, widthOut := g.OutputSpatial[0], g.OutputSpatial[1]
	channels, numOutput := g.Channels/p.Group, g.NumOutput/p.Group

	budget, total := l.mm.GetInfo()
	klog.V(1).Infof("%s: workspace budget %d of %d bytes", l.name, budget, total)

	for i := range bottom {
		d := l.desc.inputs[i]
		err := d.bottom.Set4d(g.Num, channels, height, width,
			g.Channels*height*width, height*width, width, 1)
		if err != nil {
			return errors.Wrapf(err, "layer %q: input %d", l.name, i)
		}
		err = d.top.Set4d(g.Num, numOutput, heightOut, widthOut,
			g.NumOutput*g.OutSpatialDim, g.OutSpatialDim, widthOut, 1)
		if err != nil {
			return errors.Wrapf(err, "layer %q: input %d", l.name, i)
		}

		algos, err := l.selectAlgorithms(d, budget)
		if err != nil {
			return errors.Wrapf(err, "layer %q: input %d", l.name, i)
		}
		l.algos[i] = algos
		klog.V(1).Infof("%s: input %d algorithms fwd=%d bwd_filter=%d bwd_data=%d workspace %d/%d/%d bytes",
			l.name, i, algos.Fwd, algos.BwdFilter, algos.BwdData,
			algos.FwdWorkspace, algos.BwdFilterWorkspace, algos.BwdDataWorkspace)
	}

	if l.desc.bias != nil {
		if err := l.desc.bias.Set4d(1, numOutput, 1, 1, numOutput, 1, 1, 1); err != nil {
			return errors.Wrapf(err, "layer %q: bias descriptor", l.name)
		}
	}

	return l.ensureWorkspace()
}

func (l *AcceleratedConvolutionLayer) selectAlgorithms(d inputDescriptors, budget int) (ConvAlgorithms, error) {
	var a ConvAlgorithms
	p := l.params
	lib := l.lib

	if err := d.fwdConv.Set2d(p.PadH, p.PadW, p.StrideH, p.StrideW); err != nil {
		return a, err
	}
	var err error
	if a.Fwd, err = lib.GetConvolutionForwardAlgorithm(d.bottom, l.desc.fwdFilter, d.fwdConv, d.top, budget); err != nil {
		return a, err
	}
	if a.FwdWorkspace, err = lib.GetConvolutionForwardWorkspaceSize(d.bottom, l.desc.fwdFilter, d.fwdConv, d.top, a.Fwd); err != nil {
		return a, err
	}

	if err := d.bwdConv.Set2d(p.PadH, p.PadW, p.StrideH, p.StrideW); err != nil {
		return a, err
	}
	if a.BwdFilter, err = lib.GetConvolutionBackwardFilterAlgorithm(d.bottom, d.top, d.bwdConv, l.desc.bwdFilter, budget); err != nil {
		return a, err
	}
	if a.BwdFilterWorkspace, err = lib.GetConvolutionBackwardFilterWorkspaceSize(d.bottom, d.top, d.bwdConv, l.desc.bwdFilter, a.BwdFilter); err != nil {
		return a, err
	}
	if a.BwdData, err = lib.GetConvolutionBackwardDataAlgorithm(l.desc.bwdFilter, d.top, d.bwdConv, d.bottom, budget); err != nil {
		return a, err
	}
	if a.BwdDataWorkspace, err = lib.GetConvolutionBackwardDataWorkspaceSize(l.desc.bwdFilter, d.top, d.bwdConv, d.bottom, a.BwdData); err != nil {
		return a, err
	}
	return a, nil
}

// ensureWorkspace grows the shared workspace to the largest size any
// recorded algorithm needs. It never shrinks.
func (l *AcceleratedConvolutionLayer) ensureWorkspace() error {
	need := 0
	for _, a := range l.algos {
		need = max(need, a.maxWorkspace())
	}
	if need <= l.workspaceSize {
		return nil
	}

	l.mm.Deallocate(l.workspace)
	l.workspace, l.workspaceSize = nil, 0

	ws, err := l.mm.AllocateExact(need)
	if err != nil {
		return errors.Wrapf(err, "layer %q: allocate %d byte workspace", l.name, need)
	}
	klog.V(1).Infof("%s: workspace resized to %d bytes", l.name, need)
	l.workspace, l.workspaceSize = ws, need
	return nil
}

func (l *AcceleratedConvolutionLayer) Forward(bottom, top []*blob.Blob) error {
	g := l.geom
	w, err := l.weight.DeviceData()
	if err != nil {
		return err
	}
	var b unsafe.Pointer
	if l.bias != nil {
		if b, err = l.bias.DeviceData(); err != nil {
			return err
		}
	}

	for i := range bottom {
		d, algos := l.desc.inputs[i], l.algos[i]
		x, err := bottom[i].DeviceData()
		if err != nil {
			return err
		}
		y, err := top[i].MutableDeviceData()
		if err != nil {
			return err
		}

		for grp := 0; grp < g.Group; grp++ {
			yg := memory.Offset(y, g.TopOffset()*grp)
			err := l.lib.ConvolutionForward(1,
				d.bottom, memory.Offset(x, g.BottomOffset()*grp),
				l.desc.fwdFilter, memory.Offset(w, g.WeightOffset()*grp),
				d.fwdConv, algos.Fwd, l.workspace, l.workspaceSize,
				0, d.top, yg)
			if err != nil {
				return errors.Wrapf(err, "layer %q: forward input %d group %d", l.name, i, grp)
			}

			if b != nil {
				err := l.lib.AddTensor(1, l.desc.bias, memory.Offset(b, g.BiasOffset()*grp), 1, d.top, yg)
				if err != nil {
					return errors.Wrapf(err, "layer %q: bias input %d group %d", l.name, i, grp)
				}
			}
		}
	}
	return nil
}

// Backward accumulates the weight and bias gradients over every input and
// overwrites the data gradient of each input with propagateDown set
func (l *AcceleratedConvolutionLayer) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	g := l.geom
	var w, dw, db unsafe.Pointer
	var err error

	if l.paramPropagate[0] {
		if dw, err = l.weight.MutableDeviceDiff(); err != nil {
			return err
		}
	}
	if l.bias != nil && l.paramPropagate[1] {
		if db, err = l.bias.MutableDeviceDiff(); err != nil {
			return err
		}
	}

	for i := range top {
		d, algos := l.desc.inputs[i], l.algos[i]
		dy, err := top[i].DeviceDiff()
		if err != nil {
			return err
		}
		var x, dx unsafe.Pointer
		if dw != nil {
			if x, err = bottom[i].DeviceData(); err != nil {
				return err
			}
		}
		if propagateDown[i] {
			if w == nil {
				if w, err = l.weight.DeviceData(); err != nil {
					return err
				}
			}
			if dx, err = bottom[i].MutableDeviceDiff(); err != nil {
				return err
			}
		}

		for grp := 0; grp < g.Group; grp++ {
			dyg := memory.Offset(dy, g.TopOffset()*grp)

			if db != nil {
				err := l.lib.ConvolutionBackwardBias(1, d.top, dyg, 1, l.desc.bias, memory.Offset(db, g.BiasOffset()*grp))
				if err != nil {
					return errors.Wrapf(err, "layer %q: bias gradient input %d group %d", l.name, i, grp)
				}
			}

			if dw != nil {
				err := l.lib.ConvolutionBackwardFilter(1,
					d.bottom, memory.Offset(x, g.BottomOffset()*grp),
					d.top, dyg,
					d.bwdConv, algos.BwdFilter, l.workspace, l.workspaceSize,
					1, l.desc.bwdFilter, memory.Offset(dw, g.WeightOffset()*grp))
				if err != nil {
					return errors.Wrapf(err, "layer %q: filter gradient input %d group %d", l.name, i, grp)
				}
			}

			if dx != nil {
				err := l.lib.ConvolutionBackwardData(1,
					l.desc.bwdFilter, memory.Offset(w, g.WeightOffset()*grp),
					d.top, dyg,
					d.bwdConv, algos.BwdData, l.workspace, l.workspaceSize,
					0, d.bottom, memory.Offset(dx, g.BottomOffset()*grp))
				if err != nil {
					return errors.Wrapf(err, "layer %q: data gradient input %d group %d", l.name, i, grp)
				}
			}
		}
	}
	return nil
}

// Close destroys every descriptor, releases the workspace and the parameter
// blobs. A layer whose setup never completed has no descriptors to destroy.
func (l *AcceleratedConvolutionLayer) Close() error {
	var err error
	if l.desc != nil {
		err = l.desc.destroy()
		l.desc = nil
		if err != nil {
			err = errors.Wrapf(err, "layer %q: destroy descriptors", l.name)
		}
	}
	if l.workspace != nil {
		l.mm.Deallocate(l.workspace)
		l.workspace, l.workspaceSize = nil, 0
	}
	for _, b := range []*blob.Blob{l.weight, l.bias} {
		if b != nil {
			b.Release()
		}
	}
	return err
}
