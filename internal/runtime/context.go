package runtime

import (
	"fmt"
	"sync"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type contextKey struct {
	target codegen.Target
	index  int
}

var registry = struct {
	sync.Mutex
	drivers  map[codegen.Target]Driver
	contexts map[contextKey]*Context
}{
	drivers:  make(map[codegen.Target]Driver),
	contexts: make(map[contextKey]*Context),
}

// RegisterDriver installs the driver of target, replacing any previous one. Contexts
// opened on the previous driver stay usable but are no longer returned by
// GetContext.
func RegisterDriver(target codegen.Target, d Driver) {
	registry.Lock()
	defer registry.Unlock()
	registry.drivers[target] = d
	for key := range registry.contexts {
		if key.target == target {
			delete(registry.contexts, key)
		}
	}
	klog.V(1).Infof("runtime: registered %s driver", target)
}

// IsAvailable reports whether target has a driver with at least one device.
func IsAvailable(target codegen.Target) bool {
	registry.Lock()
	d := registry.drivers[target]
	registry.Unlock()
	return d != nil && d.NumDevices() > 0
}

// GetContext returns the context of device index of target, opening it on first use.
// Nothing is allocated on a target that is unavailable.
func GetContext(target codegen.Target, index int) (*Context, error) {
	registry.Lock()
	defer registry.Unlock()
	key := contextKey{target, index}
	if c, ok := registry.contexts[key]; ok {
		return c, nil
	}
	d := registry.drivers[target]
	if d == nil {
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "runtime: no %s driver", target)
	}
	if n := d.NumDevices(); index < 0 || index >= n {
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "runtime: %s has %d device(s), no device %d", target, n, index)
	}
	dev, err := d.Open(index)
	if err != nil {
		return nil, errors.WithMessagef(err, "runtime: opening %s(%d)", target, index)
	}
	c := &Context{ID: uuid.New(), Target: target, Index: index, dev: dev}
	registry.contexts[key] = c
	klog.V(1).Infof("runtime: opened %s on %s [%s]", c, dev.Name(), c.ID)
	return c, nil
}

// Context is one opened device.
type Context struct {
	ID     uuid.UUID
	Target codegen.Target
	Index  int

	dev Device
}

func (c *Context) String() string {
	return fmt.Sprintf("%s(%d)", c.Target, c.Index)
}

// DeviceName returns the name the driver reports.
func (c *Context) DeviceName() string {
	return c.dev.Name()
}

// Exist reports whether the device is present.
func (c *Context) Exist() bool {
	return c.dev.Attr(AttrExist) != 0
}

// Attr queries a device attribute.
func (c *Context) Attr(a DeviceAttr) int {
	return c.dev.Attr(a)
}

// Synchronize waits for every launch on the context and returns the first error.
func (c *Context) Synchronize() error {
	return errors.WithMessagef(c.dev.Synchronize(), "runtime: %s", c)
}

// Allocate creates an uninitialized device buffer.
func (c *Context) Allocate(shape tensor.Shape, dtype tensor.DataType) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(errs.ErrShapeMismatch, "runtime: allocate %v: %v", shape, err)
	}
	mem, err := c.dev.Alloc(shape, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "runtime: allocate %s%v on %s", dtype, shape, c)
	}
	return &Buffer{ctx: c, shape: shape.Clone(), dtype: dtype, mem: mem}, nil
}

// Upload allocates a buffer shaped like src and copies src into it.
func (c *Context) Upload(src *tensor.Buffer) (*Buffer, error) {
	b, err := c.Allocate(src.Shape(), src.DType())
	if err != nil {
		return nil, err
	}
	if err := b.FromHost(src); err != nil {
		_ = b.Release()
		return nil, err
	}
	return b, nil
}

// Load compiles src for the context's device.
func (c *Context) Load(src *codegen.Source) (*Function, error) {
	if src.Target != c.Target {
		return nil, errors.Wrapf(errs.ErrCompilation, "runtime: %s source cannot run on %s", src.Target, c)
	}
	mod, err := c.dev.Compile(src)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("runtime: loaded %s on %s", src.Func.Name, c)
	return &Function{ctx: c, src: src, mod: mod}, nil
}
