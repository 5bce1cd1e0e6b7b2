// Package blob implements the numeric buffer shared between layers: a shaped
// float32 array with a data plane for forward values and a diff plane for
// gradients, each mirrored between host and device memory.
package blob

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dnn/memory"
)

// Blob is a shaped pair of data and diff arrays. Data and diff always share
// the same shape.
type Blob struct {
	mm       *memory.MemoryManager
	shape    []int
	count    int
	capacity int
	data     *SyncedMemory
	diff     *SyncedMemory
}

// New creates a blob with the given shape. mm may be nil for host-only blobs.
func New(mm *memory.MemoryManager, shape ...int) (*Blob, error) {
	b := &Blob{mm: mm}
	if err := b.Reshape(shape...); err != nil {
		return nil, err
	}
	return b, nil
}

// FromSlice creates a blob with the given shape and host data
func FromSlice(mm *memory.MemoryManager, values []float32, shape ...int) (*Blob, error) {
	b, err := New(mm, shape...)
	if err != nil {
		return nil, err
	}
	if err := b.SetData(values); err != nil {
		return nil, err
	}
	return b, nil
}

// Reshape changes the shape. Storage is reallocated only when the element
// count grows beyond the current capacity.
func (b *Blob) Reshape(shape ...int) error {
	count := 1
	for i, d := range shape {
		if d < 0 {
			return errors.Errorf("blob reshape: negative dimension %d at axis %d", d, i)
		}
		count *= d
	}

	b.shape = append(b.shape[:0], shape...)
	b.count = count
	if count > b.capacity || b.data == nil {
		b.Release()
		b.capacity = count
		b.data = NewSyncedMemory(b.mm, count)
		b.diff = NewSyncedMemory(b.mm, count)
	}
	return nil
}

// ReshapeLike reshapes to another blob's shape
func (b *Blob) ReshapeLike(other *Blob) error {
	return b.Reshape(other.shape...)
}

// Shape returns a copy of the shape
func (b *Blob) Shape() []int {
	result := make([]int, len(b.shape))
	copy(result, b.shape)
	return result
}

// NumAxes returns the number of axes
func (b *Blob) NumAxes() int {
	return len(b.shape)
}

// CanonicalAxis maps a possibly negative axis index to [0, NumAxes)
func (b *Blob) CanonicalAxis(axis int) int {
	n := len(b.shape)
	if axis < -n || axis >= n {
		panic(fmt.Sprintf("axis %d out of range for %d-D blob with shape %s", axis, n, b.ShapeString()))
	}
	if axis < 0 {
		return axis + n
	}
	return axis
}

// Dim returns the size of one axis. Negative axes count from the end.
func (b *Blob) Dim(axis int) int {
	return b.shape[b.CanonicalAxis(axis)]
}

// Count returns the total number of elements
func (b *Blob) Count() int {
	return b.count
}

// CountRange returns the product of the dimensions in [start, end)
func (b *Blob) CountRange(start, end int) int {
	count := 1
	for i := start; i < end; i++ {
		count *= b.shape[i]
	}
	return count
}

// ShapeString returns the shape as "n c h w (count)"
func (b *Blob) ShapeString() string {
	var sb strings.Builder
	for _, d := range b.shape {
		fmt.Fprintf(&sb, "%d ", d)
	}
	fmt.Fprintf(&sb, "(%d)", b.count)
	return sb.String()
}

func (b *Blob) String() string {
	return b.ShapeString()
}

// HostData returns the data plane on the host for reading
func (b *Blob) HostData() ([]float32, error) {
	v, err := b.data.HostData()
	return trim(v, b.count), err
}

// MutableHostData returns the data plane on the host for writing
func (b *Blob) MutableHostData() ([]float32, error) {
	v, err := b.data.MutableHostData()
	return trim(v, b.count), err
}

// HostDiff returns the diff plane on the host for reading
func (b *Blob) HostDiff() ([]float32, error) {
	v, err := b.diff.HostData()
	return trim(v, b.count), err
}

// MutableHostDiff returns the diff plane on the host for writing
func (b *Blob) MutableHostDiff() ([]float32, error) {
	v, err := b.diff.MutableHostData()
	return trim(v, b.count), err
}

// DeviceData returns the data plane on the device for reading
func (b *Blob) DeviceData() (unsafe.Pointer, error) {
	return b.data.DeviceData()
}

// MutableDeviceData returns the data plane on the device for writing
func (b *Blob) MutableDeviceData() (unsafe.Pointer, error) {
	return b.data.MutableDeviceData()
}

// DeviceDiff returns the diff plane on the device for reading
func (b *Blob) DeviceDiff() (unsafe.Pointer, error) {
	return b.diff.DeviceData()
}

// MutableDeviceDiff returns the diff plane on the device for writing
func (b *Blob) MutableDeviceDiff() (unsafe.Pointer, error) {
	return b.diff.MutableDeviceData()
}

// ShareData makes b use other's data plane. Counts must match. A later
// Reshape that grows b gives it private storage again.
func (b *Blob) ShareData(other *Blob) error {
	if other.count != b.count {
		return errors.Errorf("share data: count %d differs from %d", other.count, b.count)
	}
	b.data = other.data
	b.capacity = b.count
	return nil
}

// ShareDiff makes b use other's diff plane. Counts must match.
func (b *Blob) ShareDiff(other *Blob) error {
	if other.count != b.count {
		return errors.Errorf("share diff: count %d differs from %d", other.count, b.count)
	}
	b.diff = other.diff
	b.capacity = b.count
	return nil
}

// Data exposes the synced data plane
func (b *Blob) Data() *SyncedMemory {
	return b.data
}

// Diff exposes the synced diff plane
func (b *Blob) Diff() *SyncedMemory {
	return b.diff
}

// SetData copies values into the data plane
func (b *Blob) SetData(values []float32) error {
	if len(values) != b.count {
		return errors.Errorf("set data: got %d values for blob of shape %s", len(values), b.ShapeString())
	}
	dst, err := b.MutableHostData()
	if err != nil {
		return err
	}
	copy(dst, values)
	return nil
}

// SetDiff copies values into the diff plane
func (b *Blob) SetDiff(values []float32) error {
	if len(values) != b.count {
		return errors.Errorf("set diff: got %d values for blob of shape %s", len(values), b.ShapeString())
	}
	dst, err := b.MutableHostDiff()
	if err != nil {
		return err
	}
	copy(dst, values)
	return nil
}

// Release frees device memory held by both planes
func (b *Blob) Release() {
	if b.data != nil {
		b.data.Release()
	}
	if b.diff != nil {
		b.diff.Release()
	}
}

func trim(v []float32, n int) []float32 {
	if v == nil {
		return nil
	}
	return v[:n]
}
