package blob

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tsawler/go-dnn/memory"
)

// Head records which copy of a SyncedMemory is current
type Head int

const (
	Uninitialized Head = iota
	AtHost
	AtDevice
	Synced
)

func (h Head) String() string {
	switch h {
	case Uninitialized:
		return "Uninitialized"
	case AtHost:
		return "AtHost"
	case AtDevice:
		return "AtDevice"
	case Synced:
		return "Synced"
	default:
		return "Unknown"
	}
}

// ErrNoDevice is returned when device memory is requested from a host-only blob
var ErrNoDevice = errors.New("blob has no device memory manager")

// SyncedMemory holds one float32 array mirrored between host and device.
// Read-only accessors copy the stale side on demand; mutable accessors mark
// their side as the only valid one.
type SyncedMemory struct {
	mm     *memory.MemoryManager
	size   int
	host   []float32
	device unsafe.Pointer
	head   Head
}

// NewSyncedMemory creates an array of size float32 elements. mm may be nil
// for host-only memory.
func NewSyncedMemory(mm *memory.MemoryManager, size int) *SyncedMemory {
	return &SyncedMemory{mm: mm, size: size}
}

// Size returns the element count
func (s *SyncedMemory) Size() int {
	return s.size
}

// Head returns the current synchronization state
func (s *SyncedMemory) Head() Head {
	return s.head
}

func (s *SyncedMemory) toHost() error {
	switch s.head {
	case Uninitialized:
		s.host = make([]float32, s.size)
		s.head = AtHost
	case AtDevice:
		if s.host == nil {
			s.host = make([]float32, s.size)
		}
		if err := s.mm.Allocator().CopyToHost(s.host, s.device); err != nil {
			return errors.Wrap(err, "sync device to host")
		}
		s.head = Synced
	}
	return nil
}

func (s *SyncedMemory) toDevice() error {
	if s.mm == nil {
		return ErrNoDevice
	}
	switch s.head {
	case Uninitialized:
		if err := s.allocDevice(); err != nil {
			return err
		}
		if err := s.mm.Allocator().CopyToDevice(s.device, make([]float32, s.size)); err != nil {
			return errors.Wrap(err, "zero device memory")
		}
		s.head = AtDevice
	case AtHost:
		if err := s.allocDevice(); err != nil {
			return err
		}
		if err := s.mm.Allocator().CopyToDevice(s.device, s.host); err != nil {
			return errors.Wrap(err, "sync host to device")
		}
		s.head = Synced
	}
	return nil
}

func (s *SyncedMemory) allocDevice() error {
	if s.device != nil || s.size == 0 {
		return nil
	}
	p, err := s.mm.Allocate(memory.SizeOf(s.size))
	if err != nil {
		return errors.Wrap(err, "allocate blob device memory")
	}
	s.device = p
	return nil
}

// HostData returns the host copy for reading
func (s *SyncedMemory) HostData() ([]float32, error) {
	if err := s.toHost(); err != nil {
		return nil, err
	}
	return s.host, nil
}

// MutableHostData returns the host copy for writing
func (s *SyncedMemory) MutableHostData() ([]float32, error) {
	if err := s.toHost(); err != nil {
		return nil, err
	}
	s.head = AtHost
	return s.host, nil
}

// DeviceData returns the device copy for reading
func (s *SyncedMemory) DeviceData() (unsafe.Pointer, error) {
	if err := s.toDevice(); err != nil {
		return nil, err
	}
	return s.device, nil
}

// MutableDeviceData returns the device copy for writing
func (s *SyncedMemory) MutableDeviceData() (unsafe.Pointer, error) {
	if err := s.toDevice(); err != nil {
		return nil, err
	}
	s.head = AtDevice
	return s.device, nil
}

// Release returns device memory to the memory manager
func (s *SyncedMemory) Release() {
	if s.device != nil {
		s.mm.Deallocate(s.device)
		s.device = nil
	}
	s.host = nil
	s.head = Uninitialized
}
