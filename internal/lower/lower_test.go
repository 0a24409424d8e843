package lower

import (
	"testing"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/gemm"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lowerGEMM(t *testing.T, n int) *Func {
	t.Helper()
	g, err := gemm.NewGraph(n, tensor.Float32)
	require.NoError(t, err)
	s, _, err := gemm.Schedule(g, gemm.DefaultParams(n))
	require.NoError(t, err)
	fn, err := Lower(s, g.Args(), WithName("gemm"))
	require.NoError(t, err)
	return fn
}

func count(body []Stmt, match func(Stmt) bool) int {
	n := 0
	Walk(body, func(s Stmt) {
		if match(s) {
			n++
		}
	})
	return n
}

func allocShapes(k *Kernel) map[string][]int {
	out := make(map[string][]int)
	for _, b := range k.Allocs {
		out[b.Name] = b.Shape
	}
	return out
}

func TestLowerGEMMLaunchAndBuffers(t *testing.T) {
	fn := lowerGEMM(t, 1024)
	require.Len(t, fn.Kernels, 1)
	assert.Empty(t, fn.Workspace)
	k := fn.Kernels[0]

	assert.Equal(t, "gemm_kernel0", k.Name)
	assert.Equal(t, [3]int{16, 16, 1}, k.Grid)
	assert.Equal(t, [3]int{8, 8, 1}, k.Block)
	assert.Equal(t, []string{"A", "B", "C"}, []string{k.Params[0].Name, k.Params[1].Name, k.Params[2].Name})

	shapes := allocShapes(k)
	assert.Equal(t, []int{64, 1}, shapes["A_shared"])
	assert.Equal(t, []int{64, 1}, shapes["B_shared"])
	assert.Equal(t, []int{8, 8}, shapes["C_local"])
	for _, b := range k.Allocs {
		if b.Name == "C_local" {
			assert.Equal(t, schedule.Local, b.Scope)
		} else {
			assert.Equal(t, schedule.Shared, b.Scope)
		}
	}
}

func TestLowerGEMMNest(t *testing.T) {
	fn := lowerGEMM(t, 1024)
	k := fn.Kernels[0]

	barriers := count(k.Body, func(s Stmt) bool { _, ok := s.(*Barrier); return ok })
	assert.Equal(t, 3, barriers, "barrier before the first shared copy, after each copy")
	guards := count(k.Body, func(s Stmt) bool { _, ok := s.(*If); return ok })
	assert.Zero(t, guards, "divisible tiling needs no guards")

	// Top level: C_local init nest, the reduction loop, then the copy-out loops.
	require.Len(t, k.Body, 3)
	reduce, ok := k.Body[1].(*For)
	require.True(t, ok)
	assert.Equal(t, "k", reduce.Var.Name)
	assert.Equal(t, 1024, reduce.Extent)
	_, ok = reduce.Body[0].(*Barrier)
	assert.True(t, ok)

	init, ok := k.Body[0].(*For)
	require.True(t, ok)
	store := init.Body[0].(*For).Body[0].(*Store)
	assert.Equal(t, "C_local", store.Buffer.Name)
	assert.Equal(t, "0.0", store.Value.String())

	copyOut := k.Body[2].(*For).Body[0].(*For).Body[0].(*Store)
	assert.Equal(t, "C", copyOut.Buffer.Name)
	assert.Equal(t,
		"C_local[((ii_inner_inner * 8) + jj_inner_inner)]", copyOut.Value.String())
	assert.Equal(t,
		"((((((blockIdx.x * 64) + (blockIdx.y * 65536)) + (threadIdx.x * 8)) + (threadIdx.y * 8192)) + (ii_inner_inner * 1024)) + jj_inner_inner)",
		copyOut.Index.String())
}

func TestLowerNonDivisibleAddsGuards(t *testing.T) {
	fn := lowerGEMM(t, 100)
	k := fn.Kernels[0]
	assert.Equal(t, [3]int{2, 2, 1}, k.Grid)
	guards := count(k.Body, func(s Stmt) bool { _, ok := s.(*If); return ok })
	assert.Positive(t, guards)
}

func TestLowerSplitOverhangGuard(t *testing.T) {
	a := expr.Placeholder("A", tensor.Float32, expr.Const(10))
	b := must.M1(expr.Compute("B", expr.Consts(10), func(i []*expr.IterVar) expr.Expr {
		return expr.Mul(a.At(i[0]), expr.Float(2, tensor.Float32))
	}))
	s := must.M1(schedule.New([]*expr.Tensor{b}))
	id := must.M1(s.Stage(b))
	outer, _, err := s.Split(id, s.Axes(id)[0], schedule.Factor(3))
	require.NoError(t, err)
	require.NoError(t, s.Bind(id, outer, schedule.ThreadX))

	fn, err := Lower(s, []*expr.Tensor{a, b})
	require.NoError(t, err)
	k := fn.Kernels[0]
	assert.Equal(t, [3]int{4, 1, 1}, k.Block)
	require.Len(t, k.Body, 1)
	loop := k.Body[0].(*For)
	guard, ok := loop.Body[0].(*If)
	require.True(t, ok)
	assert.Equal(t, "(((threadIdx.x * 3) + i0_inner) < 10)", guard.Cond.String())
}

func TestLowerFusedAxes(t *testing.T) {
	a := expr.Placeholder("A", tensor.Float32, expr.Const(4), expr.Const(6))
	b := must.M1(expr.Compute("B", expr.Consts(4, 6), func(i []*expr.IterVar) expr.Expr {
		return expr.Add(a.At(i[0], i[1]), expr.Float(1, tensor.Float32))
	}))
	s := must.M1(schedule.New([]*expr.Tensor{b}))
	id := must.M1(s.Stage(b))
	axes := s.Axes(id)
	fused, err := s.Fuse(id, axes[0], axes[1])
	require.NoError(t, err)
	require.NoError(t, s.Bind(id, fused, schedule.ThreadX))

	fn, err := Lower(s, []*expr.Tensor{a, b})
	require.NoError(t, err)
	k := fn.Kernels[0]
	assert.Equal(t, [3]int{24, 1, 1}, k.Block)
	store := k.Body[0].(*Store)
	assert.Equal(t, "(((threadIdx.x / 6) * 6) + (threadIdx.x % 6))", store.Index.String())
}

func TestLowerFusedUnevenSplit(t *testing.T) {
	a := expr.Placeholder("A", tensor.Float32, expr.Const(10))
	b := must.M1(expr.Compute("B", expr.Consts(10), func(i []*expr.IterVar) expr.Expr {
		return expr.Add(a.At(i[0]), expr.Float(1, tensor.Float32))
	}))
	s := must.M1(schedule.New([]*expr.Tensor{b}))
	id := must.M1(s.Stage(b))
	outer, inner := must.M2(s.Split(id, s.Axes(id)[0], schedule.Factor(3)))
	fused, err := s.Fuse(id, outer, inner)
	require.NoError(t, err)
	require.NoError(t, s.Bind(id, fused, schedule.ThreadX))

	fn, err := Lower(s, []*expr.Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, [3]int{10, 1, 1}, fn.Kernels[0].Block)
}

func TestLowerRejectsMissingArguments(t *testing.T) {
	g, err := gemm.NewGraph(64, tensor.Float32)
	require.NoError(t, err)
	s, _, err := gemm.Schedule(g, gemm.DefaultParams(64))
	require.NoError(t, err)

	_, err = Lower(s, []*expr.Tensor{g.A, g.C})
	assert.ErrorIs(t, err, errs.ErrArityMismatch)
	_, err = Lower(s, []*expr.Tensor{g.A, g.B})
	assert.ErrorIs(t, err, errs.ErrArityMismatch)
	_, err = Lower(s, []*expr.Tensor{g.A, g.B, g.C, g.A})
	assert.ErrorIs(t, err, errs.ErrArityMismatch)
}

func chain(t *testing.T) (a, b, c, d *expr.Tensor) {
	t.Helper()
	a = expr.Placeholder("A", tensor.Float32, expr.Const(16))
	b = must.M1(expr.Compute("B", expr.Consts(16), func(i []*expr.IterVar) expr.Expr {
		return expr.Add(a.At(i[0]), expr.Float(1, tensor.Float32))
	}))
	c = must.M1(expr.Compute("C", expr.Consts(16), func(i []*expr.IterVar) expr.Expr {
		return expr.Mul(b.At(i[0]), expr.Float(2, tensor.Float32))
	}))
	d = must.M1(expr.Compute("D", expr.Consts(16), func(i []*expr.IterVar) expr.Expr {
		return expr.Add(b.At(i[0]), c.At(i[0]))
	}))
	return a, b, c, d
}

func TestLowerAttachedStageWithForeignConsumer(t *testing.T) {
	a, b, c, d := chain(t)
	s := must.M1(schedule.New([]*expr.Tensor{d}))
	bid, cid := must.M1(s.Stage(b)), must.M1(s.Stage(c))
	require.NoError(t, s.ComputeAt(bid, cid, s.Axes(cid)[0]))

	// D reads B as well, so B has no single nest to live in.
	_, err := Lower(s, []*expr.Tensor{a, d})
	assert.ErrorIs(t, err, errs.ErrUnscheduledStage)
}

func TestLowerWorkspaceKernels(t *testing.T) {
	a, _, _, d := chain(t)
	s := must.M1(schedule.New([]*expr.Tensor{d}))

	fn, err := Lower(s, []*expr.Tensor{a, d})
	require.NoError(t, err)
	require.Len(t, fn.Kernels, 3)
	require.Len(t, fn.Workspace, 2)
	assert.Equal(t, "B", fn.Workspace[0].Name)
	assert.Equal(t, "C", fn.Workspace[1].Name)
	assert.Equal(t, []*Buffer{fn.Args[0], fn.Workspace[0]}, fn.Kernels[0].Params)
	assert.Equal(t, [3]int{1, 1, 1}, fn.Kernels[2].Block)
}

func TestLowerNonAffineIndex(t *testing.T) {
	a := expr.Placeholder("A", tensor.Float32, expr.Const(16))
	b := must.M1(expr.Compute("B", expr.Consts(16), func(i []*expr.IterVar) expr.Expr {
		return expr.Add(a.At(i[0]), expr.Float(1, tensor.Float32))
	}))
	c := must.M1(expr.Compute("C", expr.Consts(16), func(i []*expr.IterVar) expr.Expr {
		return b.At(expr.Mod(expr.Mul(i[0], i[0]), expr.Int(16)))
	}))
	s := must.M1(schedule.New([]*expr.Tensor{c}))
	bid, cid := must.M1(s.Stage(b)), must.M1(s.Stage(c))
	require.NoError(t, s.ComputeAt(bid, cid, s.Axes(cid)[0]))

	_, err := Lower(s, []*expr.Tensor{a, c})
	assert.ErrorIs(t, err, errs.ErrBoundsUnresolvable)
}

func TestLowerReportsScheduleErrors(t *testing.T) {
	a, b, c, d := chain(t)
	s := must.M1(schedule.New([]*expr.Tensor{d}))
	bid, cid := must.M1(s.Stage(b)), must.M1(s.Stage(c))
	require.ErrorIs(t, s.ComputeAt(cid, bid, s.Axes(bid)[0]), errs.ErrAttachCycle)

	_, err := Lower(s, []*expr.Tensor{a, d})
	assert.ErrorIs(t, err, errs.ErrAttachCycle)
}
