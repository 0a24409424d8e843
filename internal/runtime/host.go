package runtime

import (
	"context"
	"sync"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/parallel"
	"github.com/born-ml/kernelgen/internal/simt"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	RegisterDriver(codegen.Host, NewHostDriver(parallel.DefaultConfig()))
}

// hostAttrs mirror a CUDA-class device.
var hostAttrs = map[DeviceAttr]int{
	AttrExist:                   1,
	AttrMaxThreadsPerBlock:      1024,
	AttrWarpSize:                1,
	AttrMaxSharedMemoryPerBlock: 1 << 20,
}

// HostDriver runs kernels on the CPU with the lock-step executor. Blocks of one
// launch run in parallel according to its parallel.Config.
type HostDriver struct {
	cfg parallel.Config
}

// NewHostDriver returns a host driver with one device.
func NewHostDriver(cfg parallel.Config) *HostDriver {
	return &HostDriver{cfg: cfg}
}

// NumDevices implements Driver.
func (d *HostDriver) NumDevices() int { return 1 }

// Open implements Driver.
func (d *HostDriver) Open(index int) (Device, error) {
	if index != 0 {
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "runtime: host has no device %d", index)
	}
	return &hostDevice{cfg: d.cfg, stream: newHostStream()}, nil
}

type hostDevice struct {
	cfg    parallel.Config
	stream *hostStream
}

func (d *hostDevice) Name() string { return "host" }

func (d *hostDevice) Attr(a DeviceAttr) int { return hostAttrs[a] }

func (d *hostDevice) Alloc(shape tensor.Shape, _ tensor.DataType) (Memory, error) {
	return &hostMemory{stream: d.stream, data: make([]float64, shape.NumElements())}, nil
}

func (d *hostDevice) Compile(src *codegen.Source) (Module, error) {
	if src.Target != codegen.Host {
		return nil, errors.Wrapf(errs.ErrCompilation, "runtime: host cannot load %s source", src.Target)
	}
	progs := make(map[*codegen.Kernel]*simt.Program, len(src.Kernels))
	for _, k := range src.Kernels {
		p, err := simt.Compile(k.Kernel)
		if err != nil {
			return nil, errors.Wrapf(errs.ErrCompilation, "runtime: kernel %s: %v", k.Name, err)
		}
		progs[k] = p
	}
	return &hostModule{dev: d, progs: progs}, nil
}

func (d *hostDevice) Synchronize() error { return d.stream.wait() }

func (d *hostDevice) Close() error { return d.stream.wait() }

// hostMemory holds elements widened to float64; stores round to the element type.
type hostMemory struct {
	stream *hostStream
	data   []float64
}

func (m *hostMemory) Write(src *tensor.Buffer) error {
	if err := m.stream.wait(); err != nil {
		return err
	}
	copy(m.data, src.Float64s())
	return nil
}

func (m *hostMemory) Read(dst *tensor.Buffer) error {
	if err := m.stream.wait(); err != nil {
		return err
	}
	return dst.SetFloat64s(m.data)
}

func (m *hostMemory) Free() error {
	m.data = nil
	return nil
}

type hostModule struct {
	dev   *hostDevice
	progs map[*codegen.Kernel]*simt.Program
}

func (m *hostModule) Launch(k *codegen.Kernel, args []Memory) error {
	p, ok := m.progs[k]
	if !ok {
		return errors.Errorf("runtime: kernel %s is not part of this module", k.Name)
	}
	globals := make([][]float64, len(args))
	for i, a := range args {
		hm, ok := a.(*hostMemory)
		if !ok || hm.data == nil {
			return errors.Errorf("runtime: kernel %s argument %d is not live host memory", k.Name, i)
		}
		globals[i] = hm.data
	}
	cfg := m.dev.cfg
	m.dev.stream.enqueue(func() error {
		klog.V(2).Infof("runtime: host launch %s grid%v block%v", k.Name, k.Grid, k.Block)
		return p.Run(context.Background(), globals, cfg)
	})
	return nil
}

func (m *hostModule) Release() {}

// hostStream runs launches one after another in the background. After a failure the
// remaining tasks are skipped and the next wait returns the error.
type hostStream struct {
	mu   sync.Mutex
	tail chan struct{}
	err  error
}

func newHostStream() *hostStream {
	done := make(chan struct{})
	close(done)
	return &hostStream{tail: done}
}

func (s *hostStream) enqueue(task func() error) {
	s.mu.Lock()
	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		<-prev
		s.mu.Lock()
		failed := s.err != nil
		s.mu.Unlock()
		if failed {
			return
		}
		if err := task(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}()
}

// wait blocks until every enqueued task has finished and returns, then clears, the
// first error.
func (s *hostStream) wait() error {
	s.mu.Lock()
	tail := s.tail
	s.mu.Unlock()
	<-tail
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}
