package layers_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tsawler/go-dnn/accel/reference"
	"github.com/tsawler/go-dnn/blob"
	"github.com/tsawler/go-dnn/layers"
	"github.com/tsawler/go-dnn/memory"
)

// TestLayerFactoryAndBuilder tests spec creation and shape inference
func TestLayerFactoryAndBuilder(t *testing.T) {
	factory := layers.NewFactory()

	conv := factory.CreateConvolutionSpec(8, 3, 1, 1, 2, true, "conv1")
	norm := factory.CreateDivisiveNormalizationSpec(3, 1, 0.75, 1, "norm1")
	power := factory.CreatePowerSpec(2, 0.5, 1, "power1")

	if conv.Engine != layers.EngineAccelerator || power.Engine != layers.EngineDefault {
		t.Errorf("Unexpected engines: %s, %s", conv.Engine, power.Engine)
	}

	net, err := layers.NewNetBuilder([]int{4, 6, 16, 16}).
		AddLayer(conv).
		AddLayer(norm).
		AddLayer(power).
		AddConvolution(4, 3, 2, 0, 1, false, "conv2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile net: %v", err)
	}

	fmt.Println(net.Summary())

	expectShape := func(name string, got, want []int) {
		t.Helper()
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%s shape = %v, expected %v", name, got, want)
		}
	}
	expectShape("conv1 output", net.Layers[0].OutputShape, []int{4, 8, 16, 16})
	expectShape("conv1 weight", net.Layers[0].ParameterShapes[0], []int{8, 3, 3, 3})
	expectShape("norm1 output", net.Layers[1].OutputShape, []int{4, 8, 16, 16})
	expectShape("net output", net.OutputShape, []int{4, 4, 7, 7})

	// conv1: 8*3*3*3 + 8, conv2: 4*8*3*3
	if net.TotalParameters != 216+8+288 {
		t.Errorf("TotalParameters = %d, expected %d", net.TotalParameters, 216+8+288)
	}
	if !strings.Contains(net.Summary(), "conv2 (Convolution, ACCELERATOR)") {
		t.Error("Summary is missing conv2")
	}

	t.Log("Layer factory and builder tests passed")
}

// Compiled shapes must agree with what the layers produce when run
func TestCompiledShapesMatchLayers(t *testing.T) {
	mm := memory.NewMemoryManager(memory.NewHostAllocator(1 << 24))
	defer mm.Drain()
	ctx := layers.Context{Library: reference.New(), Memory: mm}

	for _, input := range [][]int{{2, 4, 12, 12}, {1, 4, 9, 7}} {
		t.Run(fmt.Sprint(input), func(t *testing.T) {
			net, err := layers.NewNetBuilder(input).
				AddConvolution(6, 3, 1, 1, 2, true, "conv1").
				AddDivisiveNormalization(3, 1, 0.75, 2, "norm1").
				AddPower(1, 0.5, 0, "power1").
				AddConvolution(4, 3, 2, 0, 1, false, "conv2").
				Compile()
			if err != nil {
				t.Fatalf("Failed to compile net: %v", err)
			}

			blobs := make([]*blob.Blob, len(net.Layers)+1)
			for i := range blobs {
				if blobs[i], err = blob.New(mm); err != nil {
					t.Fatalf("blob.New failed: %v", err)
				}
				defer blobs[i].Release()
			}
			if err := blobs[0].Reshape(input...); err != nil {
				t.Fatal(err)
			}

			for i, spec := range net.Layers {
				l, err := layers.NewLayer(spec, ctx)
				if err != nil {
					t.Fatalf("NewLayer %s failed: %v", spec.Name, err)
				}
				defer l.Close()
				bottom, top := blobs[i:i+1], blobs[i+1:i+2]
				if err := l.LayerSetUp(bottom, top); err != nil {
					t.Fatalf("LayerSetUp %s failed: %v", spec.Name, err)
				}
				if err := l.Reshape(bottom, top); err != nil {
					t.Fatalf("Reshape %s failed: %v", spec.Name, err)
				}
				if got := top[0].Shape(); fmt.Sprint(got) != fmt.Sprint(spec.OutputShape) {
					t.Errorf("%s top = %v, compiled %v", spec.Name, got, spec.OutputShape)
				}
			}
			if got := blobs[len(net.Layers)].Shape(); fmt.Sprint(got) != fmt.Sprint(net.OutputShape) {
				t.Errorf("net output = %v, compiled %v", got, net.OutputShape)
			}
		})
	}

	t.Log("Compiled shape tests passed")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []int
		spec  layers.LayerSpec
	}{
		{"group_mismatch", []int{1, 3, 8, 8}, layers.NewFactory().CreateConvolutionSpec(4, 3, 1, 0, 2, true, "c")},
		{"three_spatial_axes", []int{1, 2, 4, 4, 4}, layers.NewFactory().CreateConvolutionSpec(4, 3, 1, 0, 1, true, "c")},
		{"kernel_too_large", []int{1, 2, 2, 2}, layers.NewFactory().CreateConvolutionSpec(4, 5, 1, 0, 1, true, "c")},
		{"even_local_size", []int{1, 2, 4, 4}, layers.NewFactory().CreateDivisiveNormalizationSpec(4, 1, 0.75, 1, "n")},
		{"norm_not_4d", []int{2, 8}, layers.NewFactory().CreateDivisiveNormalizationSpec(3, 1, 0.75, 1, "n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := layers.NewNetBuilder(tt.input).AddLayer(tt.spec).Compile()
			if !layers.IsConfigError(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}

	if _, err := layers.NewNetBuilder([]int{1}).Compile(); err == nil {
		t.Error("Expected error compiling an empty net")
	}
}

func TestConvolutionParams(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]interface{}
		want    layers.ConvolutionParams
		wantErr bool
	}{
		{
			name:   "square",
			params: map[string]interface{}{"num_output": 4, "kernel_size": 3, "pad": 1},
			want:   layers.ConvolutionParams{NumOutput: 4, KernelH: 3, KernelW: 3, PadH: 1, PadW: 1, StrideH: 1, StrideW: 1, Group: 1, BiasTerm: true},
		},
		{
			name: "per_axis_from_json_numbers",
			params: map[string]interface{}{
				"num_output": 6.0, "kernel_h": 3.0, "kernel_w": 1.0, "stride_h": 2.0, "stride_w": 1.0,
				"group": 3.0, "bias_term": false,
			},
			want: layers.ConvolutionParams{NumOutput: 6, KernelH: 3, KernelW: 1, StrideH: 2, StrideW: 1, Group: 3},
		},
		{"both_forms", map[string]interface{}{"num_output": 4, "kernel_size": 3, "kernel_h": 3, "kernel_w": 3}, layers.ConvolutionParams{}, true},
		{"half_pair", map[string]interface{}{"num_output": 4, "kernel_h": 3}, layers.ConvolutionParams{}, true},
		{"no_output", map[string]interface{}{"kernel_size": 3}, layers.ConvolutionParams{}, true},
		{"zero_stride", map[string]interface{}{"num_output": 4, "kernel_size": 3, "stride": 0}, layers.ConvolutionParams{}, true},
		{"group_split", map[string]interface{}{"num_output": 5, "kernel_size": 3, "group": 2}, layers.ConvolutionParams{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := layers.ConvolutionParamsFromSpec(layers.LayerSpec{Type: layers.Convolution, Parameters: tt.params})
			if tt.wantErr {
				if !layers.IsConfigError(err) {
					t.Errorf("Expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, expected %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizationParamsDefaults(t *testing.T) {
	p, err := layers.NormalizationParamsFromSpec(layers.LayerSpec{Parameters: map[string]interface{}{}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := layers.NormalizationParams{LocalSize: 5, Alpha: 1, Beta: 0.75, K: 1}
	if p != want {
		t.Errorf("got %+v, expected %+v", p, want)
	}
}

func TestSpecJSONRoundTrip(t *testing.T) {
	factory := layers.NewFactory()
	specs := []layers.LayerSpec{
		factory.CreateConvolutionSpec(16, 5, 1, 2, 1, true, "conv1"),
		factory.CreateDivisiveNormalizationSpec(5, 1, 0.75, 2, "norm1"),
		factory.CreatePowerSpec(0.5, 2, 1, "sqrt"),
	}

	data, err := layers.MarshalSpecsJSON(specs)
	if err != nil {
		t.Fatalf("MarshalSpecsJSON failed: %v", err)
	}
	decoded, err := layers.ParseSpecsJSON(data)
	if err != nil {
		t.Fatalf("ParseSpecsJSON failed: %v", err)
	}
	if len(decoded) != len(specs) {
		t.Fatalf("decoded %d specs, expected %d", len(decoded), len(specs))
	}

	for i := range specs {
		if decoded[i].Type != specs[i].Type || decoded[i].Name != specs[i].Name || decoded[i].Engine != specs[i].Engine {
			t.Errorf("spec %d header mismatch: %+v", i, decoded[i])
		}
	}

	conv, err := layers.ConvolutionParamsFromSpec(decoded[0])
	if err != nil {
		t.Fatal(err)
	}
	if conv.NumOutput != 16 || conv.KernelH != 5 || conv.PadW != 2 || !conv.BiasTerm {
		t.Errorf("Unexpected decoded convolution params %+v", conv)
	}
	power, err := layers.PowerParamsFromSpec(decoded[2])
	if err != nil {
		t.Fatal(err)
	}
	if power != (layers.PowerParams{Power: 0.5, Scale: 2, Shift: 1}) {
		t.Errorf("Unexpected decoded power params %+v", power)
	}

	t.Log("Spec JSON round trip passed")
}

func TestParseSpecsJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not_json", `{layers`},
		{"missing_layers", `{"nets": []}`},
		{"entry_not_object", `{"layers": [3]}`},
		{"unknown_type", `{"layers": [{"type": "Pooling", "name": "p"}]}`},
		{"unknown_engine", `{"layers": [{"type": "Power", "engine": "FPGA"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := layers.ParseSpecsJSON([]byte(tt.doc)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNewLayer(t *testing.T) {
	ctx := layers.Context{
		Library: reference.New(),
		Memory:  memory.NewMemoryManager(memory.NewHostAllocator(1 << 20)),
	}
	factory := layers.NewFactory()

	tests := []struct {
		name    string
		spec    layers.LayerSpec
		ctx     layers.Context
		want    layers.LayerType
		wantErr bool
	}{
		{"power", factory.CreatePowerSpec(2, 1, 0, "p"), layers.Context{}, layers.Power, false},
		{"convolution", factory.CreateConvolutionSpec(4, 3, 1, 1, 1, true, "c"), ctx, layers.Convolution, false},
		{"normalization", factory.CreateDivisiveNormalizationSpec(3, 1, 0.75, 1, "n"), ctx, layers.DivisiveNormalization, false},
		{"convolution_without_library", factory.CreateConvolutionSpec(4, 3, 1, 1, 1, true, "c"), layers.Context{}, 0, true},
		{"power_on_accelerator", layers.LayerSpec{Type: layers.Power, Engine: layers.EngineAccelerator}, ctx, 0, true},
		{"convolution_on_host", layers.LayerSpec{Type: layers.Convolution, Parameters: map[string]interface{}{"num_output": 1, "kernel_size": 1}}, ctx, 0, true},
		{"bad_params", factory.CreateConvolutionSpec(0, 3, 1, 1, 1, true, "c"), ctx, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer, err := layers.NewLayer(tt.spec, tt.ctx)
			if tt.wantErr {
				if !layers.IsConfigError(err) {
					t.Errorf("Expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLayer failed: %v", err)
			}
			defer layer.Close()
			if layer.Type() != tt.want || layer.Name() != tt.spec.Name {
				t.Errorf("got %s %q, expected %s %q", layer.Type(), layer.Name(), tt.want, tt.spec.Name)
			}
		})
	}
}
