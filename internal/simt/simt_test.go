package simt

import (
	"context"
	"math/rand"
	"testing"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/gemm"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/parallel"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGEMM(t *testing.T, n int, cfg parallel.Config) {
	t.Helper()
	g := must.M1(gemm.NewGraph(n, tensor.Float32))
	s, _, err := gemm.Schedule(g, gemm.DefaultParams(n))
	require.NoError(t, err)
	fn, err := lower.Lower(s, g.Args())
	require.NoError(t, err)
	require.Len(t, fn.Kernels, 1)
	prog, err := Compile(fn.Kernels[0])
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(int64(n)))
	shape := tensor.Shape{n, n}
	a := must.M1(tensor.Rand(shape, tensor.Float32, rng))
	b := must.M1(tensor.Rand(shape, tensor.Float32, rng))
	c := make([]float64, n*n)
	require.NoError(t, prog.Run(context.Background(), [][]float64{a.Float64s(), b.Float64s(), c}, cfg))

	got := must.M1(tensor.NewBuffer(shape, tensor.Float32))
	require.NoError(t, got.SetFloat64s(c))
	want := must.M1(gemm.Reference(a, b))
	assert.NoError(t, gemm.Check(got, want, 1e-5))
}

func TestRunGEMM(t *testing.T) {
	runGEMM(t, 64, parallel.DefaultConfig())
}

func TestRunGEMMWithGuards(t *testing.T) {
	runGEMM(t, 100, parallel.Config{Enabled: true, NumWorkers: 2, MinChunkSize: 1})
}

func TestRunGEMMSequential(t *testing.T) {
	runGEMM(t, 72, parallel.Config{Enabled: false})
}

func globalBuffer(name string, n int) *lower.Buffer {
	return &lower.Buffer{Name: name, DType: tensor.Float32, Scope: schedule.Global, Shape: []int{n}}
}

func tx() lower.Expr { return &lower.HWIndex{Dim: schedule.ThreadX} }

func TestSharedMemoryReverse(t *testing.T) {
	x, y := globalBuffer("X", 4), globalBuffer("Y", 4)
	s := &lower.Buffer{Name: "S", DType: tensor.Float32, Scope: schedule.Shared, Shape: []int{4}}
	k := &lower.Kernel{
		Name:   "reverse",
		Params: []*lower.Buffer{x, y},
		Allocs: []*lower.Buffer{s},
		Grid:   [3]int{1, 1, 1},
		Block:  [3]int{4, 1, 1},
		Body: []lower.Stmt{
			&lower.Store{Buffer: s, Index: tx(), Value: &lower.Load{Buffer: x, Index: tx()}},
			&lower.Barrier{},
			&lower.Store{Buffer: y, Index: tx(), Value: &lower.Load{Buffer: s, Index: &lower.BinOp{
				Op: lower.Sub, A: &lower.IntImm{Value: 3}, B: tx(),
			}}},
		},
	}
	prog := must.M1(Compile(k))
	out := make([]float64, 4)
	require.NoError(t, prog.Run(context.Background(), [][]float64{{1, 2, 3, 4}, out}, parallel.DefaultConfig()))
	assert.Equal(t, []float64{4, 3, 2, 1}, out)
}

func TestLocalBuffersArePerThread(t *testing.T) {
	y := globalBuffer("Y", 3)
	l := &lower.Buffer{Name: "L", DType: tensor.Float32, Scope: schedule.Local, Shape: []int{1}}
	zero := &lower.IntImm{Value: 0}
	k := &lower.Kernel{
		Name:   "local",
		Params: []*lower.Buffer{y},
		Allocs: []*lower.Buffer{l},
		Grid:   [3]int{1, 1, 1},
		Block:  [3]int{3, 1, 1},
		Body: []lower.Stmt{
			&lower.Store{Buffer: l, Index: zero, Value: &lower.BinOp{Op: lower.Mul, A: tx(), B: &lower.IntImm{Value: 10}}},
			&lower.Store{Buffer: y, Index: tx(), Value: &lower.Load{Buffer: l, Index: zero}},
		},
	}
	out := make([]float64, 3)
	require.NoError(t, must.M1(Compile(k)).Run(context.Background(), [][]float64{out}, parallel.DefaultConfig()))
	assert.Equal(t, []float64{0, 10, 20}, out)
}

func TestOutOfRangeStore(t *testing.T) {
	x := globalBuffer("X", 4)
	index := &lower.BinOp{Op: lower.Add, A: tx(), B: &lower.IntImm{Value: 3}}
	store := &lower.Store{Buffer: x, Index: index, Value: &lower.FloatImm{Value: 1, DType: tensor.Float32}}
	k := &lower.Kernel{
		Name:   "oob",
		Params: []*lower.Buffer{x},
		Grid:   [3]int{1, 1, 1},
		Block:  [3]int{2, 1, 1},
		Body:   []lower.Stmt{store},
	}
	mem := make([]float64, 4)
	err := must.M1(Compile(k)).Run(context.Background(), [][]float64{mem}, parallel.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "X[4]")

	// The same store behind a guard only runs for thread 0.
	k.Body = []lower.Stmt{&lower.If{
		Cond: &lower.BinOp{Op: lower.LT, A: index, B: &lower.IntImm{Value: 4}},
		Body: []lower.Stmt{store},
	}}
	mem = make([]float64, 4)
	require.NoError(t, must.M1(Compile(k)).Run(context.Background(), [][]float64{mem}, parallel.DefaultConfig()))
	assert.Equal(t, []float64{0, 0, 0, 1}, mem)
}

func TestIntegerSemantics(t *testing.T) {
	a := expr.Placeholder("A", tensor.Int32, expr.Const(3))
	b := must.M1(expr.Compute("B", expr.Consts(3), func(i []*expr.IterVar) expr.Expr {
		return expr.Div(a.At(i[0]), expr.Int(2))
	}))
	s := must.M1(schedule.New([]*expr.Tensor{b}))
	fn := must.M1(lower.Lower(s, []*expr.Tensor{a, b}))
	out := make([]float64, 3)
	prog := must.M1(Compile(fn.Kernels[0]))
	require.NoError(t, prog.Run(context.Background(), [][]float64{{5, -3, 7}, out}, parallel.DefaultConfig()))
	assert.Equal(t, []float64{2, -1, 3}, out)
}

func TestStoresRoundToElementType(t *testing.T) {
	a := expr.Placeholder("A", tensor.Float32, expr.Const(1))
	b := must.M1(expr.Compute("B", expr.Consts(1), func(i []*expr.IterVar) expr.Expr {
		return expr.Div(a.At(i[0]), expr.Float(3, tensor.Float32))
	}))
	s := must.M1(schedule.New([]*expr.Tensor{b}))
	fn := must.M1(lower.Lower(s, []*expr.Tensor{a, b}))
	out := make([]float64, 1)
	require.NoError(t, must.M1(Compile(fn.Kernels[0])).Run(context.Background(), [][]float64{{1}, out}, parallel.DefaultConfig()))
	assert.Equal(t, float64(float32(1.0/3.0)), out[0])
}

func TestRunChecksArguments(t *testing.T) {
	x := globalBuffer("X", 4)
	k := &lower.Kernel{
		Name:   "noop",
		Params: []*lower.Buffer{x},
		Grid:   [3]int{1, 1, 1},
		Block:  [3]int{1, 1, 1},
	}
	prog := must.M1(Compile(k))
	err := prog.Run(context.Background(), nil, parallel.DefaultConfig())
	assert.ErrorIs(t, err, errs.ErrArityMismatch)
	err = prog.Run(context.Background(), [][]float64{make([]float64, 3)}, parallel.DefaultConfig())
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)

	k.Block = [3]int{0, 1, 1}
	_, err = Compile(k)
	assert.Error(t, err)
}
