package layers

import (
	"github.com/tsawler/go-dnn/accel"
)

// ConvolutionGeometry derives the shapes a convolution works with from its
// parameters and the input shape. Inputs are laid out as
// (num, channels, spatial...) with the channel axis at 1.
type ConvolutionGeometry struct {
	Params ConvolutionParams

	ChannelAxis    int
	NumSpatialAxes int

	Num       int
	Channels  int
	NumOutput int
	Group     int

	InputSpatial  []int
	OutputSpatial []int

	// Elements per image of the input and output, and per output channel plane
	BottomDim     int
	TopDim        int
	OutSpatialDim int
}

func NewConvolutionGeometry(p ConvolutionParams) *ConvolutionGeometry {
	return &ConvolutionGeometry{
		Params:      p,
		ChannelAxis: 1,
		NumOutput:   p.NumOutput,
		Group:       p.Group,
	}
}

// Setup records the input channel count and checks it against the group
func (g *ConvolutionGeometry) Setup(inputShape []int) error {
	if len(inputShape) <= g.ChannelAxis {
		return configErrorf("convolution input needs a channel axis, got shape %v", inputShape)
	}
	g.Channels = inputShape[g.ChannelAxis]
	if g.Channels%g.Group != 0 {
		return configErrorf("convolution: %d input channels not divisible by group %d", g.Channels, g.Group)
	}
	return nil
}

// SpatialAxes returns the number of spatial axes of an input shape
func (g *ConvolutionGeometry) SpatialAxes(inputShape []int) int {
	return len(inputShape) - g.ChannelAxis - 1
}

// Infer computes the output geometry for an input shape. The kernel is 2-D,
// so only inputs with two spatial axes are accepted.
func (g *ConvolutionGeometry) Infer(inputShape []int) error {
	g.NumSpatialAxes = g.SpatialAxes(inputShape)
	if g.NumSpatialAxes != 2 {
		return configErrorf("convolution input must have 2 spatial axes, got %d (shape %v)", g.NumSpatialAxes, inputShape)
	}
	if inputShape[g.ChannelAxis] != g.Channels {
		return configErrorf("convolution input has %d channels, set up for %d", inputShape[g.ChannelAxis], g.Channels)
	}

	g.Num = 1
	for _, d := range inputShape[:g.ChannelAxis] {
		g.Num *= d
	}
	g.InputSpatial = append(g.InputSpatial[:0], inputShape[g.ChannelAxis+1:]...)

	p := g.Params
	outH := accel.ConvOutputDim(g.InputSpatial[0], p.PadH, p.KernelH, p.StrideH)
	outW := accel.ConvOutputDim(g.InputSpatial[1], p.PadW, p.KernelW, p.StrideW)
	if outH <= 0 || outW <= 0 {
		return configErrorf("convolution output %dx%d is empty for input %v", outH, outW, inputShape)
	}
	g.OutputSpatial = append(g.OutputSpatial[:0], outH, outW)

	g.OutSpatialDim = outH * outW
	g.BottomDim = g.Channels * g.InputSpatial[0] * g.InputSpatial[1]
	g.TopDim = g.NumOutput * g.OutSpatialDim
	return nil
}

// TopShape is (num, num_output, outH, outW); valid after Infer
func (g *ConvolutionGeometry) TopShape() []int {
	return []int{g.Num, g.NumOutput, g.OutputSpatial[0], g.OutputSpatial[1]}
}

// WeightShape is (num_output, channels/group, kernelH, kernelW)
func (g *ConvolutionGeometry) WeightShape() []int {
	return []int{g.NumOutput, g.Channels / g.Group, g.Params.KernelH, g.Params.KernelW}
}

// BiasShape is (num_output)
func (g *ConvolutionGeometry) BiasShape() []int {
	return []int{g.NumOutput}
}

// Per-group element offsets into the input, output, weight and bias arrays
func (g *ConvolutionGeometry) BottomOffset() int { return g.BottomDim / g.Group }
func (g *ConvolutionGeometry) TopOffset() int    { return g.TopDim / g.Group }
func (g *ConvolutionGeometry) BiasOffset() int   { return g.NumOutput / g.Group }

func (g *ConvolutionGeometry) WeightOffset() int {
	return (g.NumOutput / g.Group) * (g.Channels / g.Group) * g.Params.KernelH * g.Params.KernelW
}
