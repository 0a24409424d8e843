package runtime

import (
	"sync"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Function is a compiled computation loaded on a context.
type Function struct {
	ctx *Context
	src *codegen.Source
	mod Module

	mu        sync.Mutex
	workspace map[*lower.Buffer]*Buffer
	released  bool
}

// Name returns the function name.
func (f *Function) Name() string { return f.src.Func.Name }

// Source returns the emitted code the function was loaded from.
func (f *Function) Source() *codegen.Source { return f.src }

// Context returns the context the function is loaded on.
func (f *Function) Context() *Context { return f.ctx }

// Call launches every kernel in order with args bound to the function arguments.
// Launches are asynchronous; ToHost or Synchronize waits for them.
func (f *Function) Call(args ...*Buffer) error {
	fn := f.src.Func
	if len(args) != len(fn.Args) {
		return errors.Wrapf(errs.ErrArityMismatch, "runtime: %s takes %d arguments, got %d", fn.Name, len(fn.Args), len(args))
	}
	bound := make(map[*lower.Buffer]Memory, len(fn.Args)+len(fn.Workspace))
	for i, param := range fn.Args {
		arg := args[i]
		if arg == nil {
			return errors.Wrapf(errs.ErrArityMismatch, "runtime: %s argument %s is nil", fn.Name, param.Name)
		}
		if arg.ctx != f.ctx {
			return errors.Errorf("runtime: %s is loaded on %s, argument %s lives on %s", fn.Name, f.ctx, param.Name, arg.ctx)
		}
		if !arg.shape.Equal(tensor.Shape(param.Shape)) {
			return errors.Wrapf(errs.ErrShapeMismatch, "runtime: %s argument %s is %v, got %v", fn.Name, param.Name, param.Shape, arg.shape)
		}
		if arg.dtype != param.DType {
			return errors.Wrapf(errs.ErrDTypeMismatch, "runtime: %s argument %s is %s, got %s", fn.Name, param.Name, param.DType, arg.dtype)
		}
		mem, err := arg.memory()
		if err != nil {
			return err
		}
		bound[param] = mem
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return errors.Errorf("runtime: %s was released", fn.Name)
	}
	if err := f.allocWorkspace(); err != nil {
		return err
	}
	for b, ws := range f.workspace {
		bound[b] = ws.mem
	}
	for _, k := range f.src.Kernels {
		mems := lo.Map(k.Params, func(b *lower.Buffer, _ int) Memory { return bound[b] })
		if err := f.mod.Launch(k, mems); err != nil {
			return errors.WithMessagef(err, "runtime: launching %s", k.Name)
		}
	}
	return nil
}

func (f *Function) allocWorkspace() error {
	if f.workspace != nil {
		return nil
	}
	ws := make(map[*lower.Buffer]*Buffer, len(f.src.Func.Workspace))
	for _, b := range f.src.Func.Workspace {
		buf, err := f.ctx.Allocate(tensor.Shape(b.Shape), b.DType)
		if err != nil {
			for _, done := range ws {
				_ = done.Release()
			}
			return errors.WithMessagef(err, "runtime: workspace %s", b.Name)
		}
		ws[b] = buf
	}
	f.workspace = ws
	return nil
}

// Released reports whether Release was called.
func (f *Function) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Release frees the compiled module and the workspace.
func (f *Function) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	for _, ws := range f.workspace {
		_ = ws.Release()
	}
	f.workspace = nil
	f.mod.Release()
}
