package codegen

import (
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options tune emission.
type Options struct {
	// MaxAutoUnrollStep marks constant loops with at most this many iterations for
	// unrolling. Zero disables unroll pragmas.
	MaxAutoUnrollStep int

	// MaxThreadsPerBlock rejects kernels with larger blocks. Zero uses the target's
	// default limit.
	MaxThreadsPerBlock int
}

// Kernel is the source of one launch.
type Kernel struct {
	*lower.Kernel

	// Code is the translation unit holding the entry point named Kernel.Name. For
	// WebGPU it is one shader module per kernel; for the C-like targets every kernel
	// shares Source.Code.
	Code string
}

// Source is the emitted program of a lowered function.
type Source struct {
	Target  Target
	Code    string
	Func    *lower.Func
	Kernels []*Kernel
}

// Emit prints fn for target.
func Emit(fn *lower.Func, target Target, opts Options) (*Source, error) {
	if fn == nil || len(fn.Kernels) == 0 {
		return nil, errors.Wrap(errs.ErrCompilation, "codegen: function has no kernels")
	}
	if !target.valid() {
		return nil, errors.Wrapf(errs.ErrBackendUnavailable, "codegen: unknown target %d", int(target))
	}
	limit := opts.MaxThreadsPerBlock
	if limit <= 0 {
		limit = target.MaxThreadsPerBlock()
	}
	for _, k := range fn.Kernels {
		if k.Threads() > limit {
			return nil, errors.Wrapf(errs.ErrCompilation, "codegen: kernel %s uses %d threads per block, %s allows %d",
				k.Name, k.Threads(), target, limit)
		}
	}

	var (
		src *Source
		err error
	)
	switch target {
	case CUDA, OpenCL, Metal:
		src, err = emitC(fn, target, opts)
	case WebGPU:
		src, err = emitWGSL(fn)
	case Host:
		src = emitHost(fn)
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("codegen: %s %s, %d kernel(s), %d bytes", target, fn.Name, len(src.Kernels), len(src.Code))
	return src, nil
}

// written returns the buffers k stores to.
func written(k *lower.Kernel) map[*lower.Buffer]bool {
	out := make(map[*lower.Buffer]bool)
	lower.Walk(k.Body, func(s lower.Stmt) {
		if st, ok := s.(*lower.Store); ok {
			out[st.Buffer] = true
		}
	})
	return out
}
