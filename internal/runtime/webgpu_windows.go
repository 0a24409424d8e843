//go:build windows

package runtime

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	RegisterDriver(codegen.WebGPU, &webgpuDriver{})
}

// webgpuDriver opens the default high-performance adapter. WebGPU cannot enumerate
// adapters, so there is at most one device.
type webgpuDriver struct {
	once  sync.Once
	avail bool
}

func (d *webgpuDriver) NumDevices() int {
	d.once.Do(func() { d.avail = probeWebGPU() })
	if d.avail {
		return 1
	}
	return 0
}

func probeWebGPU() (available bool) {
	// wgpu panics when the native library is missing.
	defer func() {
		if r := recover(); r != nil {
			klog.V(1).Infof("runtime: webgpu native library not available: %v", r)
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

func (d *webgpuDriver) Open(index int) (dev Device, err error) {
	if index != 0 {
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "runtime: webgpu has no device %d", index)
	}
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = errors.Wrapf(errs.ErrBackendUnavailable, "runtime: webgpu native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "runtime: webgpu adapter: %v", err)
	}
	info := adapter.GetInfo()
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "runtime: webgpu device: %v", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(errs.ErrBackendUnavailable, "runtime: webgpu queue")
	}
	return &webgpuDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		name:     fmt.Sprintf("%s (%s)", info.Device, info.Vendor),
		pool:     newBufferPool(device),
	}, nil
}

type webgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string
	pool     *bufferPool

	// Launches, copies and mapping share the queue.
	mu sync.Mutex
}

func (d *webgpuDevice) Name() string { return d.name }

func (d *webgpuDevice) Attr(a DeviceAttr) int {
	switch a {
	case AttrExist:
		return 1
	case AttrMaxThreadsPerBlock:
		return codegen.WebGPU.MaxThreadsPerBlock()
	case AttrWarpSize:
		return 32
	case AttrMaxSharedMemoryPerBlock:
		return 16 << 10
	}
	return 0
}

// paddedSize rounds n bytes up to the 4-byte copy alignment.
func paddedSize(n int) uint64 {
	return (uint64(n) + 3) &^ 3
}

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

func (d *webgpuDevice) Alloc(shape tensor.Shape, dtype tensor.DataType) (Memory, error) {
	switch dtype {
	case tensor.Float32, tensor.Int32, tensor.Float16:
	default:
		return nil, errors.Wrapf(errs.ErrDTypeMismatch, "runtime: webgpu buffers cannot hold %s", dtype)
	}
	size := paddedSize(shape.NumElements() * dtype.Size())
	return &webgpuMemory{dev: d, buf: d.pool.acquire(size, storageUsage), size: size}, nil
}

func (d *webgpuDevice) Compile(src *codegen.Source) (mod Module, err error) {
	if src.Target != codegen.WebGPU {
		return nil, errors.Wrapf(errs.ErrCompilation, "runtime: webgpu cannot load %s source", src.Target)
	}
	defer func() {
		if r := recover(); r != nil {
			mod = nil
			err = errors.Wrapf(errs.ErrCompilation, "runtime: webgpu rejected %s: %v", src.Func.Name, r)
		}
	}()
	m := &webgpuModule{dev: d, pipelines: make(map[*codegen.Kernel]*wgpu.ComputePipeline, len(src.Kernels))}
	for _, k := range src.Kernels {
		shader := d.device.CreateShaderModuleWGSL(k.Code)
		if shader == nil {
			m.Release()
			return nil, errors.Wrapf(errs.ErrCompilation, "runtime: webgpu rejected kernel %s", k.Name)
		}
		m.shaders = append(m.shaders, shader)
		pipeline := d.device.CreateComputePipelineSimple(nil, shader, k.Name)
		if pipeline == nil {
			m.Release()
			return nil, errors.Wrapf(errs.ErrCompilation, "runtime: webgpu pipeline for kernel %s", k.Name)
		}
		m.pipelines[k] = pipeline
	}
	return m, nil
}

// Synchronize maps a small buffer written by the last submission; the queue is in
// order so every earlier launch has finished once the map completes.
func (d *webgpuDevice) Synchronize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fence := d.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: wgpu.BufferUsageCopySrc, Size: 4})
	defer fence.Release()
	_, err := d.readLocked(fence, 4)
	return err
}

// readLocked copies size bytes of src into a staging buffer and maps it.
func (d *webgpuDevice) readLocked(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrap(err, "runtime: webgpu map staging buffer")
	}
	//nolint:gosec // mapped range is valid until Unmap
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	out := make([]byte, size)
	copy(out, mapped)
	staging.Unmap()
	return out, nil
}

func (d *webgpuDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pool.clear()
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

type webgpuMemory struct {
	dev  *webgpuDevice
	buf  *wgpu.Buffer
	size uint64
}

func (m *webgpuMemory) Write(src *tensor.Buffer) error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	staging := m.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             m.size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	//nolint:gosec // mapped range is valid until Unmap
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, m.size)), m.size)
	copy(mapped, src.Data())
	staging.Unmap()

	encoder := m.dev.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, m.buf, 0, m.size)
	m.dev.queue.Submit(encoder.Finish(nil))
	return nil
}

func (m *webgpuMemory) Read(dst *tensor.Buffer) error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	data, err := m.dev.readLocked(m.buf, m.size)
	if err != nil {
		return err
	}
	copy(dst.Data(), data)
	return nil
}

func (m *webgpuMemory) Free() error {
	m.dev.pool.release(m.buf, m.size, storageUsage)
	m.buf = nil
	return nil
}

type webgpuModule struct {
	dev       *webgpuDevice
	shaders   []*wgpu.ShaderModule
	pipelines map[*codegen.Kernel]*wgpu.ComputePipeline
}

func (m *webgpuModule) Launch(k *codegen.Kernel, args []Memory) error {
	pipeline, ok := m.pipelines[k]
	if !ok {
		return errors.Errorf("runtime: kernel %s is not part of this module", k.Name)
	}
	entries := make([]wgpu.BindGroupEntry, len(args))
	for i, a := range args {
		wm, ok := a.(*webgpuMemory)
		if !ok || wm.buf == nil {
			return errors.Errorf("runtime: kernel %s argument %d is not live webgpu memory", k.Name, i)
		}
		//nolint:gosec // binding count is small
		entries[i] = wgpu.BufferBindingEntry(uint32(i), wm.buf, 0, wm.size)
	}

	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	bindGroup := m.dev.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := m.dev.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // grid extents are positive
	pass.DispatchWorkgroups(uint32(k.Grid[0]), uint32(k.Grid[1]), uint32(k.Grid[2]))
	pass.End()
	m.dev.queue.Submit(encoder.Finish(nil))
	klog.V(2).Infof("runtime: webgpu launch %s grid%v block%v", k.Name, k.Grid, k.Block)
	return nil
}

func (m *webgpuModule) Release() {
	for _, p := range m.pipelines {
		p.Release()
	}
	for _, s := range m.shaders {
		s.Release()
	}
	m.pipelines = nil
	m.shaders = nil
}
