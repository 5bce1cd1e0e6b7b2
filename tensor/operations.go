// Package tensor provides the host-side elementwise and BLAS level-1
// primitives layers use on float32 slices.
package tensor

import (
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"
)

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

// Set fills y with alpha
func Set(alpha float32, y []float32) {
	if alpha == 0 {
		clear(y)
		return
	}
	for i := range y {
		y[i] = alpha
	}
}

// Copy copies x into y. Both must have the same length.
func Copy(x, y []float32) {
	if len(x) == 0 {
		return
	}
	blas32.Copy(vec(x), vec(y))
}

// Scal computes x = alpha*x
func Scal(alpha float32, x []float32) {
	if len(x) == 0 {
		return
	}
	blas32.Scal(alpha, vec(x))
}

// AddScalar computes y = y + alpha
func AddScalar(alpha float32, y []float32) {
	for i := range y {
		y[i] += alpha
	}
}

// Axpy computes y = alpha*x + y
func Axpy(alpha float32, x, y []float32) {
	if len(x) == 0 {
		return
	}
	blas32.Axpy(alpha, vec(x), vec(y))
}

// Axpby computes y = alpha*x + beta*y. A zero beta overwrites y without
// reading it, so stale NaNs in y do not leak through.
func Axpby(alpha float32, x []float32, beta float32, y []float32) {
	if beta == 0 {
		clear(y)
	} else if beta != 1 {
		Scal(beta, y)
	}
	Axpy(alpha, x, y)
}

// Powx computes y = a^b elementwise. a and y may alias.
func Powx(a []float32, b float32, y []float32) {
	for i, v := range a {
		y[i] = math32.Pow(v, b)
	}
}

// Mul computes y = a*b elementwise
func Mul(a, b, y []float32) {
	for i := range a {
		y[i] = a[i] * b[i]
	}
}

// Div computes y = a/b elementwise with no guard against zero divisors
func Div(a, b, y []float32) {
	for i := range a {
		y[i] = a[i] / b[i]
	}
}

// Asum returns the sum of absolute values
func Asum(x []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	return blas32.Asum(vec(x))
}

// Pow returns x^y in float32
func Pow(x, y float32) float32 {
	return math32.Pow(x, y)
}
