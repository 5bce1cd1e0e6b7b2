package layers

import (
	"math"
)

// PowerParams configures y = (shift + scale*x)^power
type PowerParams struct {
	Power float32
	Scale float32
	Shift float32
}

// PowerParamsFromSpec resolves power, scale and shift (defaults 1, 1, 0)
func PowerParamsFromSpec(spec LayerSpec) (PowerParams, error) {
	p := PowerParams{
		Power: getFloatParam(spec.Parameters, "power", 1),
		Scale: getFloatParam(spec.Parameters, "scale", 1),
		Shift: getFloatParam(spec.Parameters, "shift", 0),
	}
	return p, p.Validate()
}

func (p PowerParams) Validate() error {
	for name, v := range map[string]float32{"power": p.Power, "scale": p.Scale, "shift": p.Shift} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return configErrorf("power layer: %s must be finite, got %v", name, v)
		}
	}
	return nil
}

// ConvolutionParams holds 2-D convolution geometry
type ConvolutionParams struct {
	NumOutput int
	KernelH   int
	KernelW   int
	PadH      int
	PadW      int
	StrideH   int
	StrideW   int
	Group     int
	BiasTerm  bool
}

// ConvolutionParamsFromSpec resolves convolution geometry. Kernel, pad and
// stride accept either a square value (kernel_size, pad, stride) or per-axis
// values (kernel_h/kernel_w, pad_h/pad_w, stride_h/stride_w), not both.
func ConvolutionParamsFromSpec(spec LayerSpec) (ConvolutionParams, error) {
	params := spec.Parameters
	p := ConvolutionParams{
		NumOutput: getIntParam(params, "num_output", 0),
		Group:     getIntParam(params, "group", 1),
		BiasTerm:  getBoolParam(params, "bias_term", true),
	}

	var err error
	if p.KernelH, p.KernelW, err = axisPair(params, "kernel_size", "kernel_h", "kernel_w", 0); err != nil {
		return p, err
	}
	if p.PadH, p.PadW, err = axisPair(params, "pad", "pad_h", "pad_w", 0); err != nil {
		return p, err
	}
	if p.StrideH, p.StrideW, err = axisPair(params, "stride", "stride_h", "stride_w", 1); err != nil {
		return p, err
	}
	return p, p.Validate()
}

func axisPair(params map[string]interface{}, square, h, w string, defaultValue int) (int, int, error) {
	perAxis := hasParam(params, h) || hasParam(params, w)
	if perAxis && hasParam(params, square) {
		return 0, 0, configErrorf("either %s or %s/%s should be specified, not both", square, h, w)
	}
	if perAxis {
		if !hasParam(params, h) || !hasParam(params, w) {
			return 0, 0, configErrorf("%s and %s must be specified together", h, w)
		}
		return getIntParam(params, h, defaultValue), getIntParam(params, w, defaultValue), nil
	}
	v := getIntParam(params, square, defaultValue)
	return v, v, nil
}

func (p ConvolutionParams) Validate() error {
	switch {
	case p.NumOutput <= 0:
		return configErrorf("convolution: num_output must be positive, got %d", p.NumOutput)
	case p.KernelH <= 0 || p.KernelW <= 0:
		return configErrorf("convolution: kernel dimensions must be positive, got %dx%d", p.KernelH, p.KernelW)
	case p.PadH < 0 || p.PadW < 0:
		return configErrorf("convolution: pad must be non-negative, got %d,%d", p.PadH, p.PadW)
	case p.StrideH <= 0 || p.StrideW <= 0:
		return configErrorf("convolution: stride must be positive, got %d,%d", p.StrideH, p.StrideW)
	case p.Group <= 0:
		return configErrorf("convolution: group must be positive, got %d", p.Group)
	case p.NumOutput%p.Group != 0:
		return configErrorf("convolution: num_output %d not divisible by group %d", p.NumOutput, p.Group)
	}
	return nil
}

// NormalizationParams configures divisive normalization over a
// LocalSize x LocalSize spatial window
type NormalizationParams struct {
	LocalSize int
	Alpha     float32
	Beta      float32
	K         float32
}

// NormalizationParamsFromSpec resolves local_size, alpha, beta and k
// (defaults 5, 1, 0.75, 1)
func NormalizationParamsFromSpec(spec LayerSpec) (NormalizationParams, error) {
	p := NormalizationParams{
		LocalSize: getIntParam(spec.Parameters, "local_size", 5),
		Alpha:     getFloatParam(spec.Parameters, "alpha", 1),
		Beta:      getFloatParam(spec.Parameters, "beta", 0.75),
		K:         getFloatParam(spec.Parameters, "k", 1),
	}
	return p, p.Validate()
}

func (p NormalizationParams) Validate() error {
	if p.LocalSize <= 0 || p.LocalSize%2 == 0 {
		return configErrorf("divisive normalization: local_size must be a positive odd number, got %d", p.LocalSize)
	}
	if p.K <= 0 {
		return configErrorf("divisive normalization: k must be positive, got %v", p.K)
	}
	return nil
}
