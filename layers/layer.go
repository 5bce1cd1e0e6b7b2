package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrConfig marks a layer configuration mistake: bad parameters or an input
// shape the layer cannot handle. It is never retryable.
var ErrConfig = errors.New("layer configuration error")

func configErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

// IsConfigError reports whether err was caused by a configuration mistake
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}

// LayerType represents the type of layer
type LayerType int

const (
	Power LayerType = iota
	Convolution
	DivisiveNormalization
)

func (lt LayerType) String() string {
	switch lt {
	case Power:
		return "Power"
	case Convolution:
		return "Convolution"
	case DivisiveNormalization:
		return "DivisiveNormalization"
	default:
		return "Unknown"
	}
}

// ParseLayerType maps a type name back to a LayerType
func ParseLayerType(name string) (LayerType, error) {
	for _, lt := range []LayerType{Power, Convolution, DivisiveNormalization} {
		if strings.EqualFold(lt.String(), name) {
			return lt, nil
		}
	}
	return 0, configErrorf("unknown layer type %q", name)
}

// Engine selects the implementation behind a layer type
type Engine int

const (
	// EngineDefault runs on the host
	EngineDefault Engine = iota
	// EngineAccelerator runs through an accel.Library
	EngineAccelerator
)

func (e Engine) String() string {
	switch e {
	case EngineDefault:
		return "DEFAULT"
	case EngineAccelerator:
		return "ACCELERATOR"
	default:
		return "UNKNOWN"
	}
}

// ParseEngine maps an engine name back to an Engine. The empty string is EngineDefault.
func ParseEngine(name string) (Engine, error) {
	switch strings.ToUpper(name) {
	case "", "DEFAULT":
		return EngineDefault, nil
	case "ACCELERATOR":
		return EngineAccelerator, nil
	default:
		return 0, configErrorf("unknown engine %q", name)
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Engine     Engine                 `json:"engine"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed by NetBuilder.Compile)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed by NetBuilder.Compile)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// NetSpec is a linear chain of layer specs with shapes resolved
type NetSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreatePowerSpec creates a power layer specification computing (shift + scale*x)^power
func (lf *LayerFactory) CreatePowerSpec(power, scale, shift float32, name string) LayerSpec {
	return LayerSpec{
		Type: Power,
		Name: name,
		Parameters: map[string]interface{}{
			"power": power,
			"scale": scale,
			"shift": shift,
		},
	}
}

// CreateConvolutionSpec creates an accelerated 2-D convolution specification
// with square kernel, padding and stride
func (lf *LayerFactory) CreateConvolutionSpec(
	numOutput, kernelSize, stride, pad, group int,
	biasTerm bool, name string,
) LayerSpec {
	return LayerSpec{
		Type:   Convolution,
		Name:   name,
		Engine: EngineAccelerator,
		Parameters: map[string]interface{}{
			"num_output":  numOutput,
			"kernel_size": kernelSize,
			"stride":      stride,
			"pad":         pad,
			"group":       group,
			"bias_term":   biasTerm,
		},
	}
}

// CreateDivisiveNormalizationSpec creates an accelerated divisive normalization specification
func (lf *LayerFactory) CreateDivisiveNormalizationSpec(localSize int, alpha, beta, k float32, name string) LayerSpec {
	return LayerSpec{
		Type:   DivisiveNormalization,
		Name:   name,
		Engine: EngineAccelerator,
		Parameters: map[string]interface{}{
			"local_size": localSize,
			"alpha":      alpha,
			"beta":       beta,
			"k":          k,
		},
	}
}

// NetBuilder helps construct a chain of layers
type NetBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewNetBuilder creates a new builder for an NCHW input shape
func NewNetBuilder(inputShape []int) *NetBuilder {
	return &NetBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the chain
func (nb *NetBuilder) AddLayer(layer LayerSpec) *NetBuilder {
	nb.layers = append(nb.layers, layer)
	nb.compiled = false // Invalidate compilation
	return nb
}

// AddPower adds a power layer
func (nb *NetBuilder) AddPower(power, scale, shift float32, name string) *NetBuilder {
	return nb.AddLayer(NewFactory().CreatePowerSpec(power, scale, shift, name))
}

// AddConvolution adds an accelerated convolution layer
func (nb *NetBuilder) AddConvolution(numOutput, kernelSize, stride, pad, group int, biasTerm bool, name string) *NetBuilder {
	return nb.AddLayer(NewFactory().CreateConvolutionSpec(numOutput, kernelSize, stride, pad, group, biasTerm, name))
}

// AddDivisiveNormalization adds an accelerated divisive normalization layer
func (nb *NetBuilder) AddDivisiveNormalization(localSize int, alpha, beta, k float32, name string) *NetBuilder {
	return nb.AddLayer(NewFactory().CreateDivisiveNormalizationSpec(localSize, alpha, beta, k, name))
}

// Compile resolves every layer's shapes and parameter counts
func (nb *NetBuilder) Compile() (*NetSpec, error) {
	if len(nb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty net")
	}

	net := &NetSpec{
		Layers:     make([]LayerSpec, len(nb.layers)),
		InputShape: nb.inputShape,
	}
	copy(net.Layers, nb.layers)

	currentShape := nb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range net.Layers {
		layer := &net.Layers[i]

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = countParameters(paramShapes)

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += layer.ParameterCount

		currentShape = outputShape
	}

	net.OutputShape = currentShape
	net.ParameterShapes = allParameterShapes
	net.TotalParameters = totalParams
	net.Compiled = true
	nb.compiled = true

	return net, nil
}

func countParameters(shapes [][]int) int64 {
	var total int64
	for _, shape := range shapes {
		n := int64(1)
		for _, d := range shape {
			n *= int64(d)
		}
		total += n
	}
	return total
}

// computeLayerInfo computes output shape and parameter shapes for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	switch layer.Type {
	case Power:
		if _, err := PowerParamsFromSpec(*layer); err != nil {
			return nil, nil, err
		}
		return append([]int(nil), inputShape...), nil, nil

	case DivisiveNormalization:
		if _, err := NormalizationParamsFromSpec(*layer); err != nil {
			return nil, nil, err
		}
		if len(inputShape) != 4 {
			return nil, nil, configErrorf("divisive normalization requires 4-D input, got %v", inputShape)
		}
		return append([]int(nil), inputShape...), nil, nil

	case Convolution:
		params, err := ConvolutionParamsFromSpec(*layer)
		if err != nil {
			return nil, nil, err
		}
		geom := NewConvolutionGeometry(params)
		if err := geom.Setup(inputShape); err != nil {
			return nil, nil, err
		}
		if err := geom.Infer(inputShape); err != nil {
			return nil, nil, err
		}
		paramShapes := [][]int{geom.WeightShape()}
		if params.BiasTerm {
			paramShapes = append(paramShapes, geom.BiasShape())
		}
		return geom.TopShape(), paramShapes, nil

	default:
		return nil, nil, configErrorf("unsupported layer type: %s", layer.Type)
	}
}

// Summary returns a human-readable net summary
func (ns *NetSpec) Summary() string {
	if !ns.Compiled {
		return "Net not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Net Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ns.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ns.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ns.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ns.Layers))

	for i, layer := range ns.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s, %s)\n", i+1, layer.Name, layer.Type, layer.Engine)
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&sb, "  Config: %v\n", layer.Parameters)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// Helper functions for parameter extraction. Values decoded from JSON arrive
// as float64, values built in Go keep their native type.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case int:
			return float32(v)
		}
	}
	return defaultValue
}

func hasParam(params map[string]interface{}, key string) bool {
	_, exists := params[key]
	return exists
}
