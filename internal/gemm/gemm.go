// Package gemm builds the tiled GEMM C = A·Bᵀ: its expression graph, the shared/local
// memory schedule used on GPUs, and a gonum reference to check results against.
package gemm

import (
	"math"

	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Params are the problem size and tiling of the schedule.
type Params struct {
	N     int
	DType tensor.DataType

	// BlockFactor is the tile of C computed by one block, per dimension.
	BlockFactor int

	// NumThread is the number of threads per block, per dimension. Each thread
	// computes a BlockFactor/NumThread square of the tile.
	NumThread int
}

// DefaultParams returns the 64x64 block tile with 8x8 threads.
func DefaultParams(n int) Params {
	const scale, numThread = 8, 8
	return Params{
		N:           n,
		DType:       tensor.Float32,
		BlockFactor: scale * numThread,
		NumThread:   numThread,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.N <= 0 || p.BlockFactor <= 0 || p.NumThread <= 0 {
		return errors.Errorf("gemm: invalid params %+v", p)
	}
	if !p.DType.IsFloat() {
		return errors.Errorf("gemm: %s is not a floating point type", p.DType)
	}
	return nil
}

// Graph is the expression graph of C[i, j] = sum_k A[i, k] * B[j, k].
type Graph struct {
	A, B, C *expr.Tensor
	K       *expr.IterVar
}

// NewGraph builds the graph for n x n operands.
func NewGraph(n int, dtype tensor.DataType) (*Graph, error) {
	a := expr.Placeholder("A", dtype, expr.Const(n), expr.Const(n))
	b := expr.Placeholder("B", dtype, expr.Const(n), expr.Const(n))
	k := expr.ReduceAxis(expr.Const(n), "k")
	c, err := expr.Compute("C", expr.Consts(n, n), func(i []*expr.IterVar) expr.Expr {
		return expr.Sum(expr.Mul(a.At(i[0], k), b.At(i[1], k)), k)
	}, "ii", "jj")
	if err != nil {
		return nil, err
	}
	return &Graph{A: a, B: b, C: c, K: k}, nil
}

// Args returns the call arguments: A, B and C.
func (g *Graph) Args() []*expr.Tensor {
	return []*expr.Tensor{g.A, g.B, g.C}
}

// Stages are the stages the GPU schedule creates.
type Stages struct {
	C, CC, AA, BB schedule.StageID
}

// Schedule applies the tiled schedule to g and normalizes it. Each block computes a
// BlockFactor square of C; each thread accumulates its sub-tile in local memory
// while the block stages one column of A and B per reduction step in shared memory.
func Schedule(g *Graph, p Params) (*schedule.Schedule, Stages, error) {
	if err := p.Validate(); err != nil {
		return nil, Stages{}, err
	}
	s, err := schedule.New([]*expr.Tensor{g.C})
	if err != nil {
		return nil, Stages{}, err
	}
	var st Stages
	if st.C, err = s.Stage(g.C); err != nil {
		return nil, st, err
	}
	if st.CC, err = s.CacheWrite(g.C, schedule.Local); err != nil {
		return nil, st, err
	}
	if st.AA, err = s.CacheRead(g.A, schedule.Shared, st.CC); err != nil {
		return nil, st, err
	}
	if st.BB, err = s.CacheRead(g.B, schedule.Shared, st.CC); err != nil {
		return nil, st, err
	}

	axes := s.Axes(st.C)
	by, yi, _ := s.Split(st.C, axes[0], schedule.Factor(p.BlockFactor))
	bx, xi, _ := s.Split(st.C, axes[1], schedule.Factor(p.BlockFactor))
	_ = s.Reorder(st.C, by, bx, yi, xi)
	_ = s.Bind(st.C, by, schedule.BlockY)
	_ = s.Bind(st.C, bx, schedule.BlockX)
	ty, yi, _ := s.Split(st.C, yi, schedule.NParts(p.NumThread))
	tx, xi, _ := s.Split(st.C, xi, schedule.NParts(p.NumThread))
	_ = s.Reorder(st.C, ty, tx, yi, xi)
	_ = s.Bind(st.C, ty, schedule.ThreadY)
	_ = s.Bind(st.C, tx, schedule.ThreadX)

	k, _ := s.AxisOf(st.CC, g.K)
	cc := s.Axes(st.CC)
	_ = s.Reorder(st.CC, k, cc[0], cc[1])

	_ = s.ComputeAt(st.CC, st.C, tx)
	_ = s.ComputeAt(st.AA, st.CC, k)
	_ = s.ComputeAt(st.BB, st.CC, k)

	for _, id := range []schedule.StageID{st.AA, st.BB} {
		ty, xi, _ := s.Split(id, s.Axes(id)[0], schedule.NParts(p.NumThread))
		tx, _, _ := s.Split(id, xi, schedule.NParts(p.NumThread))
		_ = s.Bind(id, ty, schedule.ThreadY)
		_ = s.Bind(id, tx, schedule.ThreadX)
	}
	// Directive errors are sticky, so checking once covers the whole sequence.
	if err := s.Err(); err != nil {
		return nil, st, err
	}
	if _, err := s.Normalize(); err != nil {
		return nil, st, err
	}
	return s, st, nil
}

// Reference computes A·Bᵀ in float64 with gonum.
func Reference(a, b *tensor.Buffer) (*tensor.Buffer, error) {
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != 2 || len(sb) != 2 || sa[1] != sb[1] {
		return nil, errors.Errorf("gemm: reference of %v and %v", sa, sb)
	}
	ma := mat.NewDense(sa[0], sa[1], a.Float64s())
	mb := mat.NewDense(sb[0], sb[1], b.Float64s())
	var mc mat.Dense
	mc.Mul(ma, mb.T())
	out, err := tensor.NewBuffer(tensor.Shape{sa[0], sb[0]}, tensor.Float64)
	if err != nil {
		return nil, err
	}
	if err := out.SetFloat64s(mc.RawMatrix().Data); err != nil {
		return nil, err
	}
	return out, nil
}

// Tolerance is the relative tolerance for a float32 product with reduction length k
// checked against Reference: 1e-5, widened to k·2⁻²⁴ once sequential float32
// accumulation can drift past it.
func Tolerance(k int) float64 {
	return math.Max(1e-5, float64(k)*0x1p-24)
}

// Check returns an error unless every element satisfies
// |got - want| <= rtol * |want|.
func Check(got, want *tensor.Buffer, rtol float64) error {
	if !got.Shape().Equal(want.Shape()) {
		return errors.Errorf("gemm: shape %s, want %s", got.Shape(), want.Shape())
	}
	g, w := got.Float64s(), want.Float64s()
	bad, worst, at := 0, 0.0, -1
	for i := range g {
		diff := math.Abs(g[i] - w[i])
		if diff > rtol*math.Abs(w[i]) || math.IsNaN(g[i]) {
			bad++
			if rel := diff / math.Max(math.Abs(w[i]), math.SmallestNonzeroFloat64); at < 0 || rel > worst {
				worst, at = rel, i
			}
		}
	}
	if bad > 0 {
		return errors.Errorf("gemm: %d/%d elements beyond rtol %g; worst at %d: got %g, want %g (rel %g)",
			bad, len(g), rtol, at, g[at], w[at], worst)
	}
	return nil
}
