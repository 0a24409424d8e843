package simt

import (
	"context"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/parallel"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/pkg/errors"
)

// state is the memory of one block while it runs.
type state struct {
	p       *Program
	vars    []int
	ints    [][]int
	floats  [][]float64
	mask    []bool
	masks   [][]bool
	globals [][]float64
	shared  [][]float64
	locals  [][]float64
	err     error
}

func (p *Program) newState(globals [][]float64, block [3]int) *state {
	t := p.threads
	st := &state{
		p:       p,
		vars:    make([]int, p.nVars),
		ints:    make([][]int, p.nInts),
		floats:  make([][]float64, p.nFloats),
		mask:    make([]bool, t),
		masks:   make([][]bool, p.nMasks),
		globals: globals,
		shared:  make([][]float64, len(p.sharedSizes)),
		locals:  make([][]float64, len(p.localSizes)),
	}
	ints := make([]int, p.nInts*t)
	for i := range st.ints {
		st.ints[i] = ints[i*t : (i+1)*t : (i+1)*t]
	}
	floats := make([]float64, p.nFloats*t)
	for i := range st.floats {
		st.floats[i] = floats[i*t : (i+1)*t : (i+1)*t]
	}
	for i := range st.masks {
		st.masks[i] = make([]bool, t)
	}
	for i := range st.mask {
		st.mask[i] = true
	}
	for i, n := range p.sharedSizes {
		st.shared[i] = make([]float64, n)
	}
	for i, n := range p.localSizes {
		st.locals[i] = make([]float64, n*t)
	}
	for _, k := range p.intConsts {
		fill(st.ints[k.slot], k.value)
	}
	for _, k := range p.floatConsts {
		fill(st.floats[k.slot], k.value)
	}
	for _, b := range p.blockIndices {
		fill(st.ints[b.slot], block[b.component])
	}
	return st
}

func fill[T int | float64](s []T, v T) {
	for i := range s {
		s[i] = v
	}
}

func (st *state) memory(ref bufRef) []float64 {
	switch ref.scope {
	case schedule.Shared:
		return st.shared[ref.slot]
	case schedule.Local:
		return st.locals[ref.slot]
	}
	return st.globals[ref.slot]
}

// address returns where lane t finds element i of ref. Local buffers hold one copy per
// lane.
func (st *state) address(ref bufRef, t, i int) (int, bool) {
	if i < 0 || i >= ref.size {
		if st.err == nil {
			st.err = errors.Errorf("simt: kernel %s: thread %d accesses %s[%d], outside [0, %d)",
				st.p.kernel.Name, t, ref.name, i, ref.size)
		}
		return 0, false
	}
	if ref.scope == schedule.Local {
		return t*ref.size + i, true
	}
	return i, true
}

// Run executes the kernel over its whole grid. globals are the kernel parameters in
// order, each holding Size() elements.
func (p *Program) Run(ctx context.Context, globals [][]float64, cfg parallel.Config) error {
	params := p.kernel.Params
	if len(globals) != len(params) {
		return errors.Wrapf(errs.ErrArityMismatch, "simt: kernel %s takes %d buffers, got %d",
			p.kernel.Name, len(params), len(globals))
	}
	for i, b := range params {
		if len(globals[i]) != b.Size() {
			return errors.Wrapf(errs.ErrShapeMismatch, "simt: kernel %s: %s holds %d elements, got %d",
				p.kernel.Name, b.Name, b.Size(), len(globals[i]))
		}
	}
	return parallel.ForGrid(ctx, p.kernel.Grid, func(_ context.Context, x, y, z int) error {
		st := p.newState(globals, [3]int{x, y, z})
		run(st, p.body)
		return st.err
	}, cfg)
}
