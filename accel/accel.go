// Package accel abstracts the vendor numeric-primitives library used by the
// accelerator-backed layers. Layers see only the descriptor interfaces and the
// Library interface declared here; a binding to a concrete library (or the
// host reference in accel/reference) satisfies them.
//
// A Library value plays the role of the library handle. It is used serially:
// callers sharing one Library across layers must not call into it
// concurrently.
package accel

import (
	"unsafe"
)

// TensorDescriptor describes a 4-D NCHW view with explicit strides
type TensorDescriptor interface {
	Set4d(n, c, h, w, nStride, cStride, hStride, wStride int) error
	Get4d() (n, c, h, w, nStride, cStride, hStride, wStride int)
	Destroy() error
}

// FilterDescriptor describes a KCRS filter bank: k output channels, c input
// channels, h×w kernel
type FilterDescriptor interface {
	Set4d(k, c, h, w int) error
	Get4d() (k, c, h, w int)
	Destroy() error
}

// ConvolutionDescriptor holds 2-D padding and stride
type ConvolutionDescriptor interface {
	Set2d(padH, padW, strideH, strideW int) error
	Get2d() (padH, padW, strideH, strideW int)
	Destroy() error
}

// LRNDescriptor holds local normalization parameters: window size n and the
// alpha, beta, k constants
type LRNDescriptor interface {
	Set(n int, alpha, beta, k float64) error
	Get() (n int, alpha, beta, k float64)
	Destroy() error
}

// FwdAlgo selects a convolution forward algorithm. Zero is the library
// default and needs no workspace.
type FwdAlgo int

// BwdFilterAlgo selects a convolution backward-filter algorithm
type BwdFilterAlgo int

// BwdDataAlgo selects a convolution backward-data algorithm
type BwdDataAlgo int

// DivNormMode selects how divisive normalization obtains local means
type DivNormMode int

const (
	// DivNormPrecomputedMeans takes means from the caller; nil means none
	DivNormPrecomputedMeans DivNormMode = iota
)

// Library is the set of vendor primitives the layers call into. Every device
// pointer is an address handed out by the memory package. Alpha and beta are
// blend weights: dst = alpha*result + beta*dst.
type Library interface {
	CreateTensorDescriptor() (TensorDescriptor, error)
	CreateFilterDescriptor() (FilterDescriptor, error)
	CreateConvolutionDescriptor() (ConvolutionDescriptor, error)
	CreateLRNDescriptor() (LRNDescriptor, error)

	// Algorithm selection under a workspace limit in bytes
	GetConvolutionForwardAlgorithm(x TensorDescriptor, w FilterDescriptor, conv ConvolutionDescriptor,
		y TensorDescriptor, workspaceLimit int) (FwdAlgo, error)
	GetConvolutionForwardWorkspaceSize(x TensorDescriptor, w FilterDescriptor, conv ConvolutionDescriptor,
		y TensorDescriptor, algo FwdAlgo) (int, error)
	GetConvolutionBackwardFilterAlgorithm(x, dy TensorDescriptor, conv ConvolutionDescriptor,
		dw FilterDescriptor, workspaceLimit int) (BwdFilterAlgo, error)
	GetConvolutionBackwardFilterWorkspaceSize(x, dy TensorDescriptor, conv ConvolutionDescriptor,
		dw FilterDescriptor, algo BwdFilterAlgo) (int, error)
	GetConvolutionBackwardDataAlgorithm(w FilterDescriptor, dy TensorDescriptor, conv ConvolutionDescriptor,
		dx TensorDescriptor, workspaceLimit int) (BwdDataAlgo, error)
	GetConvolutionBackwardDataWorkspaceSize(w FilterDescriptor, dy TensorDescriptor, conv ConvolutionDescriptor,
		dx TensorDescriptor, algo BwdDataAlgo) (int, error)

	ConvolutionForward(alpha float32, xDesc TensorDescriptor, x unsafe.Pointer,
		wDesc FilterDescriptor, w unsafe.Pointer, conv ConvolutionDescriptor, algo FwdAlgo,
		workspace unsafe.Pointer, workspaceSize int,
		beta float32, yDesc TensorDescriptor, y unsafe.Pointer) error
	ConvolutionBackwardBias(alpha float32, dyDesc TensorDescriptor, dy unsafe.Pointer,
		beta float32, dbDesc TensorDescriptor, db unsafe.Pointer) error
	ConvolutionBackwardFilter(alpha float32, xDesc TensorDescriptor, x unsafe.Pointer,
		dyDesc TensorDescriptor, dy unsafe.Pointer, conv ConvolutionDescriptor, algo BwdFilterAlgo,
		workspace unsafe.Pointer, workspaceSize int,
		beta float32, dwDesc FilterDescriptor, dw unsafe.Pointer) error
	ConvolutionBackwardData(alpha float32, wDesc FilterDescriptor, w unsafe.Pointer,
		dyDesc TensorDescriptor, dy unsafe.Pointer, conv ConvolutionDescriptor, algo BwdDataAlgo,
		workspace unsafe.Pointer, workspaceSize int,
		beta float32, dxDesc TensorDescriptor, dx unsafe.Pointer) error

	// AddTensor broadcasts b over y: y = alpha*b + beta*y
	AddTensor(alpha float32, bDesc TensorDescriptor, b unsafe.Pointer,
		beta float32, yDesc TensorDescriptor, y unsafe.Pointer) error

	DivisiveNormalizationForward(norm LRNDescriptor, mode DivNormMode, alpha float32,
		xDesc TensorDescriptor, x, means, temp, temp2 unsafe.Pointer,
		beta float32, yDesc TensorDescriptor, y unsafe.Pointer) error
	DivisiveNormalizationBackward(norm LRNDescriptor, mode DivNormMode, alpha float32,
		xDesc TensorDescriptor, x, means, dy, temp, temp2 unsafe.Pointer,
		beta float32, dxDesc TensorDescriptor, dx, dMeans unsafe.Pointer) error
}

// ConvOutputDim returns the output extent of one spatial axis
func ConvOutputDim(in, pad, kernel, stride int) int {
	return (in+2*pad-kernel)/stride + 1
}
