package runtime

import (
	"sync"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
)

// Buffer is a device array owned by one context.
type Buffer struct {
	ctx   *Context
	shape tensor.Shape
	dtype tensor.DataType

	mu  sync.Mutex
	mem Memory
}

// Shape returns the buffer shape.
func (b *Buffer) Shape() tensor.Shape { return b.shape }

// DType returns the element type.
func (b *Buffer) DType() tensor.DataType { return b.dtype }

// Context returns the owning context.
func (b *Buffer) Context() *Context { return b.ctx }

func (b *Buffer) memory() (Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil, errors.Errorf("runtime: %s%v buffer on %s was released", b.dtype, b.shape, b.ctx)
	}
	return b.mem, nil
}

func (b *Buffer) check(h *tensor.Buffer) error {
	if !h.Shape().Equal(b.shape) {
		return errors.Wrapf(errs.ErrShapeMismatch, "runtime: device buffer is %v, host buffer is %v", b.shape, h.Shape())
	}
	if h.DType() != b.dtype {
		return errors.Wrapf(errs.ErrDTypeMismatch, "runtime: device buffer is %s, host buffer is %s", b.dtype, h.DType())
	}
	return nil
}

// FromHost copies src into the buffer.
func (b *Buffer) FromHost(src *tensor.Buffer) error {
	if err := b.check(src); err != nil {
		return err
	}
	mem, err := b.memory()
	if err != nil {
		return err
	}
	return errors.WithMessagef(mem.Write(src), "runtime: copy to %s", b.ctx)
}

// ToHost copies the buffer into dst after every earlier launch has finished.
func (b *Buffer) ToHost(dst *tensor.Buffer) error {
	if err := b.check(dst); err != nil {
		return err
	}
	mem, err := b.memory()
	if err != nil {
		return err
	}
	return errors.WithMessagef(mem.Read(dst), "runtime: copy from %s", b.ctx)
}

// Host returns a new host copy of the buffer.
func (b *Buffer) Host() (*tensor.Buffer, error) {
	h, err := tensor.NewBuffer(b.shape, b.dtype)
	if err != nil {
		return nil, err
	}
	if err := b.ToHost(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Release frees the device memory. Releasing twice is a no-op.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	err := b.mem.Free()
	b.mem = nil
	return err
}
