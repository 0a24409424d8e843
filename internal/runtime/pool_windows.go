//go:build windows

package runtime

import (
	"math/bits"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// maxPooled bounds the free buffers kept per size class.
const maxPooled = 32

type pooledBuffer struct {
	buf   *wgpu.Buffer
	usage wgpu.BufferUsage
}

// bufferPool reuses storage buffers across allocations. Buffers are grouped by
// power-of-two size class and handed out only to requests of the same usage.
type bufferPool struct {
	device *wgpu.Device

	mu   sync.Mutex
	free map[int][]pooledBuffer

	hits, misses uint64
}

func newBufferPool(device *wgpu.Device) *bufferPool {
	return &bufferPool{device: device, free: make(map[int][]pooledBuffer)}
}

// sizeClass returns the exponent of the smallest power of two holding size bytes.
func sizeClass(size uint64) int {
	if size <= 4 {
		return 2
	}
	return bits.Len64(size - 1)
}

// acquire returns a buffer of at least size bytes.
func (p *bufferPool) acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	class := sizeClass(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.free[class]
	for i, pb := range list {
		if pb.usage&usage == usage {
			p.free[class] = append(list[:i], list[i+1:]...)
			p.hits++
			return pb.buf
		}
	}
	p.misses++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usage, Size: uint64(1) << class})
}

// release returns buf to its class or frees it when the class is full.
func (p *bufferPool) release(buf *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	class := sizeClass(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[class]) >= maxPooled {
		buf.Release()
		return
	}
	p.free[class] = append(p.free[class], pooledBuffer{buf: buf, usage: usage})
}

func (p *bufferPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for class, list := range p.free {
		for _, pb := range list {
			pb.buf.Release()
		}
		delete(p.free, class)
	}
}
