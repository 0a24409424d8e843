// Package simt runs lowered kernels on the host.
//
// The threads of a block advance in lock-step, one statement at a time: a statement
// finishes for every thread before the next one starts, so barriers need no work and
// shared buffers behave as on a device for race-free kernels. Loop variables are
// uniform across a block; only thread indices, local buffers and guard masks vary per
// thread, so expressions are evaluated as vectors with one lane per thread. Blocks
// run concurrently.
//
// Every buffer is held as []float64. Stores round to the buffer's element type.
package simt

import (
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
)

type (
	stmtFn  func(st *state)
	intFn   func(st *state) []int
	floatFn func(st *state) []float64
)

// bufRef locates a buffer in a block's state.
type bufRef struct {
	name  string
	scope schedule.Scope
	slot  int
	size  int
	dtype tensor.DataType
}

type intConst struct {
	slot  int
	value int
}

type floatConst struct {
	slot  int
	value float64
}

type blockIndex struct {
	slot      int
	component int
}

// Program is a kernel compiled for the host.
type Program struct {
	kernel  *lower.Kernel
	threads int
	body    []stmtFn

	// tid holds threadIdx.{x,y,z} of every lane.
	tid [3][]int

	nInts, nFloats, nVars, nMasks int
	intConsts                     []intConst
	floatConsts                   []floatConst
	blockIndices                  []blockIndex
	sharedSizes, localSizes       []int
}

type compiler struct {
	p    *Program
	vars map[*lower.Var]int
	bufs map[*lower.Buffer]bufRef
}

// Compile prepares k for Run.
func Compile(k *lower.Kernel) (*Program, error) {
	p := &Program{kernel: k, threads: k.Threads()}
	if p.threads <= 0 || k.Blocks() <= 0 {
		return nil, errors.Errorf("simt: kernel %s has an empty launch grid=%v block=%v", k.Name, k.Grid, k.Block)
	}
	for c := range p.tid {
		p.tid[c] = make([]int, p.threads)
	}
	for t := 0; t < p.threads; t++ {
		p.tid[0][t] = t % k.Block[0]
		p.tid[1][t] = (t / k.Block[0]) % k.Block[1]
		p.tid[2][t] = t / (k.Block[0] * k.Block[1])
	}

	c := &compiler{p: p, vars: make(map[*lower.Var]int), bufs: make(map[*lower.Buffer]bufRef)}
	for i, b := range k.Params {
		c.bufs[b] = bufRef{name: b.Name, scope: schedule.Global, slot: i, size: b.Size(), dtype: b.DType}
	}
	for _, b := range k.Allocs {
		ref := bufRef{name: b.Name, scope: b.Scope, size: b.Size(), dtype: b.DType}
		switch b.Scope {
		case schedule.Shared:
			ref.slot = len(p.sharedSizes)
			p.sharedSizes = append(p.sharedSizes, b.Size())
		case schedule.Local:
			ref.slot = len(p.localSizes)
			p.localSizes = append(p.localSizes, b.Size())
		default:
			return nil, errors.Errorf("simt: kernel %s allocates %s in %s memory", k.Name, b.Name, b.Scope)
		}
		c.bufs[b] = ref
	}
	body, err := c.stmts(k.Body)
	if err != nil {
		return nil, errors.WithMessagef(err, "simt: kernel %s", k.Name)
	}
	p.body = body
	return p, nil
}

// Kernel returns the compiled kernel.
func (p *Program) Kernel() *lower.Kernel {
	return p.kernel
}

func (c *compiler) buffer(b *lower.Buffer) (bufRef, error) {
	ref, ok := c.bufs[b]
	if !ok {
		return bufRef{}, errors.Errorf("buffer %s is neither a parameter nor an allocation", b.Name)
	}
	return ref, nil
}

func (c *compiler) intSlot() int {
	c.p.nInts++
	return c.p.nInts - 1
}

func (c *compiler) floatSlot() int {
	c.p.nFloats++
	return c.p.nFloats - 1
}

func (c *compiler) stmts(body []lower.Stmt) ([]stmtFn, error) {
	out := make([]stmtFn, 0, len(body))
	for _, s := range body {
		fn, err := c.stmt(s)
		if err != nil {
			return nil, err
		}
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out, nil
}

func run(st *state, body []stmtFn) {
	for _, s := range body {
		s(st)
		if st.err != nil {
			return
		}
	}
}

func (c *compiler) stmt(s lower.Stmt) (stmtFn, error) {
	switch n := s.(type) {
	case *lower.Barrier:
		return nil, nil

	case *lower.For:
		slot, ok := c.vars[n.Var]
		if !ok {
			slot = c.p.nVars
			c.p.nVars++
			c.vars[n.Var] = slot
		}
		body, err := c.stmts(n.Body)
		if err != nil {
			return nil, err
		}
		extent := n.Extent
		return func(st *state) {
			for i := 0; i < extent; i++ {
				st.vars[slot] = i
				run(st, body)
				if st.err != nil {
					return
				}
			}
		}, nil

	case *lower.If:
		cond, err := c.intExpr(n.Cond)
		if err != nil {
			return nil, err
		}
		body, err := c.stmts(n.Body)
		if err != nil {
			return nil, err
		}
		slot := c.p.nMasks
		c.p.nMasks++
		return func(st *state) {
			prev, m := st.mask, st.masks[slot]
			cv := cond(st)
			live := false
			for t := range m {
				m[t] = prev[t] && cv[t] != 0
				live = live || m[t]
			}
			if !live {
				return
			}
			st.mask = m
			run(st, body)
			st.mask = prev
		}, nil

	case *lower.Store:
		ref, err := c.buffer(n.Buffer)
		if err != nil {
			return nil, err
		}
		index, err := c.intExpr(n.Index)
		if err != nil {
			return nil, err
		}
		value, err := c.floatExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return func(st *state) {
			ix, v := index(st), value(st)
			mem := st.memory(ref)
			for t, active := range st.mask {
				if !active {
					continue
				}
				addr, ok := st.address(ref, t, ix[t])
				if !ok {
					return
				}
				mem[addr] = ref.dtype.Round(v[t])
			}
		}, nil
	}
	return nil, errors.Errorf("unsupported statement %T", s)
}
