package reference

import (
	"unsafe"

	"github.com/chewxy/math32"

	"github.com/tsawler/go-dnn/accel"
	"github.com/tsawler/go-dnn/memory"
)

// Divisive normalization over an n×n spatial window within each channel:
//
//	s = k + (alpha/n²)·Σ_window x²
//	y = x · s^(-beta)
//
// temp receives s; temp2 receives dy·x·s^(-beta-1) during backward.

func divNormOperands(op string, normDesc accel.LRNDescriptor, mode accel.DivNormMode,
	xDesc, yDesc accel.TensorDescriptor, means unsafe.Pointer) (*lrnDesc, *tensorDesc, *tensorDesc, error) {
	norm, err := asLRN(op, normDesc)
	if err != nil {
		return nil, nil, nil, err
	}
	x, err := asTensor(op, xDesc)
	if err != nil {
		return nil, nil, nil, err
	}
	y, err := asTensor(op, yDesc)
	if err != nil {
		return nil, nil, nil, err
	}
	if mode != accel.DivNormPrecomputedMeans {
		return nil, nil, nil, accel.Errorf(op, accel.StatusNotSupported, "mode %d", mode)
	}
	if means != nil {
		return nil, nil, nil, accel.Errorf(op, accel.StatusNotSupported, "subtractive means")
	}
	if !x.sameShape(y) {
		return nil, nil, nil, accel.Errorf(op, accel.StatusBadParam, "input and output shapes differ")
	}
	return norm, x, y, nil
}

// window returns the offsets [lo, hi] covered by an n-wide window around a position
func window(n int) (lo, hi int) {
	lo = -(n / 2)
	return lo, lo + n - 1
}

// scaleSums fills s with k + (alpha/n²)·Σ x² for every position of x
func scaleSums(norm *lrnDesc, x *tensorDesc, xv, s []float32) {
	lo, hi := window(norm.n)
	coeff := float32(norm.alpha) / float32(norm.n*norm.n)
	k := float32(norm.k)
	i := 0
	for n := 0; n < x.n; n++ {
		for c := 0; c < x.c; c++ {
			for h := 0; h < x.h; h++ {
				for w := 0; w < x.w; w++ {
					var sum float32
					for dh := lo; dh <= hi; dh++ {
						for dw := lo; dw <= hi; dw++ {
							v := inputAt(x, xv, n, c, h+dh, w+dw)
							sum += v * v
						}
					}
					s[i] = k + coeff*sum
					i++
				}
			}
		}
	}
}

func (l *Library) DivisiveNormalizationForward(normDesc accel.LRNDescriptor, mode accel.DivNormMode, alpha float32,
	xDesc accel.TensorDescriptor, x, means, temp, temp2 unsafe.Pointer,
	beta float32, yDesc accel.TensorDescriptor, y unsafe.Pointer) error {
	const op = "DivisiveNormalizationForward"
	norm, xd, yd, err := divNormOperands(op, normDesc, mode, xDesc, yDesc, means)
	if err != nil {
		return err
	}
	if x == nil || y == nil || temp == nil || temp2 == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}
	xv := memory.HostFloat32s(x, xd.extent())
	yv := memory.HostFloat32s(y, yd.extent())
	s := memory.HostFloat32s(temp, xd.count())

	scaleSums(norm, xd, xv, s)

	b := float32(norm.beta)
	i := 0
	for n := 0; n < xd.n; n++ {
		for c := 0; c < xd.c; c++ {
			for h := 0; h < xd.h; h++ {
				for w := 0; w < xd.w; w++ {
					v := xv[xd.index(n, c, h, w)] * math32.Pow(s[i], -b)
					blend(&yv[yd.index(n, c, h, w)], v, alpha, beta)
					i++
				}
			}
		}
	}
	return nil
}

func (l *Library) DivisiveNormalizationBackward(normDesc accel.LRNDescriptor, mode accel.DivNormMode, alpha float32,
	xDesc accel.TensorDescriptor, x, means, dy, temp, temp2 unsafe.Pointer,
	beta float32, dxDesc accel.TensorDescriptor, dx, dMeans unsafe.Pointer) error {
	const op = "DivisiveNormalizationBackward"
	norm, xd, dxd, err := divNormOperands(op, normDesc, mode, xDesc, dxDesc, means)
	if err != nil {
		return err
	}
	if dMeans != nil {
		return accel.Errorf(op, accel.StatusNotSupported, "mean gradients")
	}
	if x == nil || dy == nil || dx == nil || temp == nil || temp2 == nil {
		return accel.Errorf(op, accel.StatusBadParam, "nil data pointer")
	}
	xv := memory.HostFloat32s(x, xd.extent())
	// dy shares the x layout
	dyv := memory.HostFloat32s(dy, xd.extent())
	dxv := memory.HostFloat32s(dx, dxd.extent())
	s := memory.HostFloat32s(temp, xd.count())
	t := memory.HostFloat32s(temp2, xd.count())

	scaleSums(norm, xd, xv, s)

	b := float32(norm.beta)
	i := 0
	for n := 0; n < xd.n; n++ {
		for c := 0; c < xd.c; c++ {
			for h := 0; h < xd.h; h++ {
				for w := 0; w < xd.w; w++ {
					j := xd.index(n, c, h, w)
					t[i] = dyv[j] * xv[j] * math32.Pow(s[i], -b-1)
					i++
				}
			}
		}
	}

	lo, hi := window(norm.n)
	coeff := 2 * float32(norm.alpha) / float32(norm.n*norm.n) * b
	dense := func(n, c, h, w int) int {
		return ((n*xd.c+c)*xd.h+h)*xd.w + w
	}
	i = 0
	for n := 0; n < xd.n; n++ {
		for c := 0; c < xd.c; c++ {
			for h := 0; h < xd.h; h++ {
				for w := 0; w < xd.w; w++ {
					// Positions whose window covers (h, w)
					var cross float32
					for dh := lo; dh <= hi; dh++ {
						jh := h - dh
						if jh < 0 || jh >= xd.h {
							continue
						}
						for dw := lo; dw <= hi; dw++ {
							jw := w - dw
							if jw < 0 || jw >= xd.w {
								continue
							}
							cross += t[dense(n, c, jh, jw)]
						}
					}
					j := xd.index(n, c, h, w)
					v := dyv[j]*math32.Pow(s[i], -b) - coeff*xv[j]*cross
					blend(&dxv[dxd.index(n, c, h, w)], v, alpha, beta)
					i++
				}
			}
		}
	}
	return nil
}
