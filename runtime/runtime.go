// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package runtime opens devices, moves buffers and calls built functions.
//
// The host target is always available and runs kernels on the CPU. WebGPU is
// available on Windows when the wgpu native library is installed. CUDA, OpenCL and
// Metal become available once a driver is registered with RegisterDriver.
//
// Example:
//
//	ctx, err := runtime.GetContext(runtime.Host, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a, _ := ctx.Upload(hostA)
//	c, _ := ctx.Allocate(tensor.Shape{n, n}, tensor.Float32)
//	_ = fn.Call(a, b, c)
//	result, _ := c.Host()
package runtime

import (
	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/parallel"
	"github.com/born-ml/kernelgen/internal/runtime"
)

type (
	// Target is a code generation target.
	Target = codegen.Target
	// Context is an opened device.
	Context = runtime.Context
	// Buffer is a device array.
	Buffer = runtime.Buffer
	// Function is a built computation loaded on a context.
	Function = runtime.Function
	// DeviceAttr is a queryable device property.
	DeviceAttr = runtime.DeviceAttr

	// Driver, Device, Memory and Module are implemented by external backends.
	Driver = runtime.Driver
	Device = runtime.Device
	Memory = runtime.Memory
	Module = runtime.Module

	// HostDriver runs kernels on the CPU.
	HostDriver = runtime.HostDriver
	// ParallelConfig controls how many host workers run blocks.
	ParallelConfig = parallel.Config
)

// Targets.
const (
	CUDA   = codegen.CUDA
	OpenCL = codegen.OpenCL
	Metal  = codegen.Metal
	WebGPU = codegen.WebGPU
	Host   = codegen.Host
)

// Device attributes.
const (
	AttrExist                   = runtime.AttrExist
	AttrMaxThreadsPerBlock      = runtime.AttrMaxThreadsPerBlock
	AttrWarpSize                = runtime.AttrWarpSize
	AttrMaxSharedMemoryPerBlock = runtime.AttrMaxSharedMemoryPerBlock
)

// Errors returned by compilation, devices and calls. Test with errors.Is.
var (
	ErrCompilation        = errs.ErrCompilation
	ErrBackendUnavailable = errs.ErrBackendUnavailable
	ErrShapeMismatch      = errs.ErrShapeMismatch
	ErrDTypeMismatch      = errs.ErrDTypeMismatch
	ErrArityMismatch      = errs.ErrArityMismatch
)

// Targets returns every target.
func Targets() []Target { return codegen.Targets() }

// ParseTarget converts a target name such as "cuda" or "webgpu".
func ParseTarget(name string) (Target, error) { return codegen.ParseTarget(name) }

// IsAvailable reports whether target has a usable device.
func IsAvailable(target Target) bool { return runtime.IsAvailable(target) }

// GetContext opens device index of target.
func GetContext(target Target, index int) (*Context, error) {
	return runtime.GetContext(target, index)
}

// RegisterDriver installs the driver of target.
func RegisterDriver(target Target, d Driver) { runtime.RegisterDriver(target, d) }

// NewHostDriver returns a host driver running blocks according to cfg. Register it
// to change how the host target parallelizes.
func NewHostDriver(cfg ParallelConfig) *HostDriver { return runtime.NewHostDriver(cfg) }

// DefaultParallelConfig uses one worker per CPU.
func DefaultParallelConfig() ParallelConfig { return parallel.DefaultConfig() }
