package memory

import (
	"fmt"
)

// DataType represents the data type of buffer elements
type DataType int

const (
	Float32 DataType = iota
	Int32
	Float16
	Int8
)

// DeviceType represents where a buffer resides
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
	PersistentGPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	case PersistentGPU:
		return "PersistentGPU"
	default:
		return "Unknown"
	}
}

// ElementSize returns the size in bytes of one element of the data type
func ElementSize(dtype DataType) int {
	switch dtype {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8:
		return 1
	default:
		panic(fmt.Sprintf("unsupported data type: %d", dtype))
	}
}

// calculateSize computes the total size in bytes for the given shape and dtype
func calculateSize(shape []int, dtype DataType) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}

	return elements * ElementSize(dtype)
}

// SizeOf returns the byte size of a float32 buffer with the given shape
func SizeOf(shape ...int) int {
	return calculateSize(shape, Float32)
}
