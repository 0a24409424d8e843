// Package runtime is the device boundary: drivers per target, contexts, device
// buffers, and functions that launch emitted kernels.
//
// The host driver is always registered and runs kernels with the lock-step executor
// in internal/simt. The WebGPU driver is registered on Windows, where go-webgpu ships
// its native library. CUDA, OpenCL and Metal need an external toolchain plugged in
// with RegisterDriver; until then they report ErrBackendUnavailable.
package runtime

import (
	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/tensor"
)

// DeviceAttr is a queryable device property.
type DeviceAttr int

// Device attributes.
const (
	AttrExist DeviceAttr = iota
	AttrMaxThreadsPerBlock
	AttrWarpSize
	AttrMaxSharedMemoryPerBlock
)

var attrNames = [...]string{"exist", "max_threads_per_block", "warp_size", "max_shared_memory_per_block"}

func (a DeviceAttr) String() string {
	if a < 0 || int(a) >= len(attrNames) {
		return "unknown"
	}
	return attrNames[a]
}

// Driver is the device API of one target.
type Driver interface {
	// NumDevices returns how many devices can be opened. Zero marks the target
	// unavailable. It must not panic when native libraries are missing.
	NumDevices() int

	// Open opens device index.
	Open(index int) (Device, error)
}

// Device is an opened device.
type Device interface {
	Name() string
	Attr(a DeviceAttr) int
	Alloc(shape tensor.Shape, dtype tensor.DataType) (Memory, error)

	// Compile turns emitted source into a loadable module. Rejections wrap
	// errs.ErrCompilation.
	Compile(src *codegen.Source) (Module, error)

	// Synchronize blocks until every launch issued so far has finished and returns
	// the first error any of them raised.
	Synchronize() error

	Close() error
}

// Memory is a device allocation. Write and Read are ordered after earlier launches.
type Memory interface {
	Write(src *tensor.Buffer) error
	Read(dst *tensor.Buffer) error
	Free() error
}

// Module is compiled code on a device.
type Module interface {
	// Launch enqueues kernel k with its parameters bound to args, in k.Params order.
	// It may return before the kernel finishes.
	Launch(k *codegen.Kernel, args []Memory) error
	Release()
}
