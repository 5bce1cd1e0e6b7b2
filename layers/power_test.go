package layers_test

import (
	"math"
	"testing"

	"github.com/tsawler/go-dnn/blob"
	"github.com/tsawler/go-dnn/layers"
)

// runPower sets up a power layer on host blobs and runs forward, and backward
// when dy is non-nil
func runPower(t *testing.T, params layers.PowerParams, x, dy []float32) (y, dx []float32) {
	t.Helper()
	bottom, err := blob.FromSlice(nil, x, len(x))
	if err != nil {
		t.Fatal(err)
	}
	top, _ := blob.New(nil)

	l := layers.NewPowerLayer("power", params)
	b, tp := []*blob.Blob{bottom}, []*blob.Blob{top}
	if err := l.LayerSetUp(b, tp); err != nil {
		t.Fatalf("LayerSetUp failed: %v", err)
	}
	if err := l.Reshape(b, tp); err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if err := l.Forward(b, tp); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	y, _ = top.HostData()
	y = append([]float32(nil), y...)

	if dy == nil {
		return y, nil
	}
	if err := top.SetDiff(dy); err != nil {
		t.Fatal(err)
	}
	if err := l.Backward(tp, []bool{true}, b); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	dx, _ = bottom.HostDiff()
	return y, append([]float32(nil), dx...)
}

func close32(a, b float32, tol float64) bool {
	if a == b {
		return true
	}
	return math.Abs(float64(a-b)) <= tol*math.Max(1, math.Abs(float64(b)))
}

func expectValues(t *testing.T, name string, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s has %d values, expected %d", name, len(got), len(want))
	}
	for i := range want {
		if !close32(got[i], want[i], tol) {
			t.Errorf("%s[%d] = %v, expected %v", name, i, got[i], want[i])
		}
	}
}

func TestPowerConstantOutputs(t *testing.T) {
	nan, inf := float32(math.NaN()), float32(math.Inf(1))
	x := []float32{-3, 0, 2.5, nan, inf}

	t.Run("power_zero_ignores_input", func(t *testing.T) {
		y, dx := runPower(t, layers.PowerParams{Power: 0, Scale: 3, Shift: 7}, x, []float32{1, 1, 1, 1, 1})
		expectValues(t, "y", y, []float32{1, 1, 1, 1, 1}, 0)
		expectValues(t, "dx", dx, []float32{0, 0, 0, 0, 0}, 0)
	})

	t.Run("scale_zero_is_shift_to_power", func(t *testing.T) {
		y, _ := runPower(t, layers.PowerParams{Power: 3, Scale: 0, Shift: 2}, x, nil)
		expectValues(t, "y", y, []float32{8, 8, 8, 8, 8}, 1e-6)
	})

	t.Log("Power constant output tests passed")
}

func TestPowerIdentity(t *testing.T) {
	x := []float32{-1.5, 0, 2, 1e6}
	dy := []float32{0.25, -4, 3, 1}
	y, dx := runPower(t, layers.PowerParams{Power: 1, Scale: 1, Shift: 0}, x, dy)
	expectValues(t, "y", y, x, 0)
	expectValues(t, "dx", dx, dy, 0)
}

func TestPowerKnownValues(t *testing.T) {
	y, dx := runPower(t, layers.PowerParams{Power: 3, Scale: 2, Shift: 0},
		[]float32{1, 2, 4}, []float32{1, 1, 1})
	expectValues(t, "y", y, []float32{8, 64, 512}, 1e-6)
	expectValues(t, "dx", dx, []float32{24, 96, 384}, 1e-5)
}

func TestPowerSquareMatchesGeneralFormula(t *testing.T) {
	cases := []struct{ scale, shift float32 }{
		{1, 0}, {2, 1}, {-0.5, 3}, {1.5, -2},
	}
	x := []float32{-2, -0.5, 0.75, 1, 3}
	dy := []float32{1, -2, 0.5, 3, -1}

	for _, c := range cases {
		_, dx := runPower(t, layers.PowerParams{Power: 2, Scale: c.scale, Shift: c.shift}, x, dy)
		for i := range x {
			base := c.shift + c.scale*x[i]
			closedForm := 2 * c.scale * base * dy[i]
			// The general path: diff_scale * y / (shift + scale*x)
			general := 2 * c.scale * (base * base) / base * dy[i]
			if !close32(dx[i], closedForm, 1e-5) {
				t.Errorf("scale=%v shift=%v: dx[%d] = %v, expected %v", c.scale, c.shift, i, dx[i], closedForm)
			}
			if base != 0 && !close32(dx[i], general, 1e-5) {
				t.Errorf("scale=%v shift=%v: dx[%d] = %v, general formula %v", c.scale, c.shift, i, dx[i], general)
			}
		}
	}
}

func TestPowerGeneralPath(t *testing.T) {
	params := layers.PowerParams{Power: 3, Scale: 2, Shift: 1}
	x := []float32{-1, 0, 0.5, 2}
	dy := []float32{1, 2, -1, 0.5}
	y, dx := runPower(t, params, x, dy)

	for i := range x {
		base := float64(params.Shift + params.Scale*x[i])
		wantY := math.Pow(base, 3)
		wantDx := 3 * 2 * math.Pow(base, 2) * float64(dy[i])
		if !close32(y[i], float32(wantY), 1e-5) {
			t.Errorf("y[%d] = %v, expected %v", i, y[i], wantY)
		}
		if !close32(dx[i], float32(wantDx), 1e-5) {
			t.Errorf("dx[%d] = %v, expected %v", i, dx[i], wantDx)
		}
	}
}

func TestPowerInverseRoundTrip(t *testing.T) {
	params := []layers.PowerParams{
		{Power: 2.5, Scale: 1.5, Shift: 0.5},
		{Power: 0.5, Scale: 4, Shift: 1},
		{Power: -1, Scale: 2, Shift: 3},
	}
	x := []float32{0.1, 0.5, 1, 2, 7}

	for _, p := range params {
		y, _ := runPower(t, p, x, nil)
		for i := range x {
			recovered := (math.Pow(float64(y[i]), 1/float64(p.Power)) - float64(p.Shift)) / float64(p.Scale)
			if math.Abs(recovered-float64(x[i])) > 1e-3 {
				t.Errorf("%+v: recovered %v from %v, expected %v", p, recovered, y[i], x[i])
			}
		}
	}
}

// With shift == 0 the gradient divides by x without a guard; zero inputs
// produce non-finite gradients instead of an error
func TestPowerZeroInputGradient(t *testing.T) {
	_, dx := runPower(t, layers.PowerParams{Power: 3, Scale: 1, Shift: 0},
		[]float32{0, 1}, []float32{1, 1})
	if !math.IsNaN(float64(dx[0])) {
		t.Errorf("dx[0] = %v, expected NaN from 0/0", dx[0])
	}
	if dx[1] != 3 {
		t.Errorf("dx[1] = %v, expected 3", dx[1])
	}

	_, dx = runPower(t, layers.PowerParams{Power: -1, Scale: 1, Shift: 0},
		[]float32{0}, []float32{1})
	if !math.IsInf(float64(dx[0]), -1) {
		t.Errorf("dx[0] = %v, expected -Inf from -1*Inf/0", dx[0])
	}
}

func TestPowerNoPropagation(t *testing.T) {
	bottom, _ := blob.FromSlice(nil, []float32{1, 2}, 2)
	top, _ := blob.New(nil, 2)
	if err := bottom.SetDiff([]float32{5, 6}); err != nil {
		t.Fatal(err)
	}
	l := layers.NewPowerLayer("p", layers.PowerParams{Power: 2, Scale: 1})
	b, tp := []*blob.Blob{bottom}, []*blob.Blob{top}
	l.LayerSetUp(b, tp)
	l.Reshape(b, tp)
	l.Forward(b, tp)
	if err := l.Backward(tp, []bool{false}, b); err != nil {
		t.Fatal(err)
	}
	dx, _ := bottom.HostDiff()
	expectValues(t, "dx", dx, []float32{5, 6}, 0)
}

func TestPowerBlobCounts(t *testing.T) {
	a, _ := blob.New(nil, 1)
	l := layers.NewPowerLayer("p", layers.PowerParams{Power: 1, Scale: 1})
	err := l.LayerSetUp([]*blob.Blob{a, a}, []*blob.Blob{a})
	if !layers.IsConfigError(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
