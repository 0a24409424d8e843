package schedule

import (
	"testing"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gemmGraph struct {
	a, b, c *expr.Tensor
	k       *expr.IterVar
}

func newGEMM(t *testing.T, n int) gemmGraph {
	t.Helper()
	a := expr.Placeholder("A", tensor.Float32, expr.Const(n), expr.Const(n))
	b := expr.Placeholder("B", tensor.Float32, expr.Const(n), expr.Const(n))
	k := expr.ReduceAxis(expr.Const(n), "k")
	c, err := expr.Compute("C", expr.Consts(n, n), func(i []*expr.IterVar) expr.Expr {
		return expr.Sum(expr.Mul(a.At(i[0], k), b.At(i[1], k)), k)
	}, "ii", "jj")
	require.NoError(t, err)
	return gemmGraph{a: a, b: b, c: c, k: k}
}

func newSchedule(t *testing.T, g gemmGraph) (*Schedule, StageID) {
	t.Helper()
	s, err := New([]*expr.Tensor{g.c})
	require.NoError(t, err)
	c, err := s.Stage(g.c)
	require.NoError(t, err)
	return s, c
}

func extents(s *Schedule, axes []AxisID) []int {
	out := make([]int, len(axes))
	for i, a := range axes {
		out[i] = s.AxisExtent(a)
	}
	return out
}

func TestNewDefaultSchedule(t *testing.T) {
	g := newGEMM(t, 16)
	s, c := newSchedule(t, g)

	require.Len(t, s.Order(), 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{s.Name(0), s.Name(1), s.Name(2)})
	assert.Equal(t, []StageID{c}, s.Outputs())
	assert.Equal(t, []int{16, 16}, extents(s, s.Axes(c)))
	assert.Equal(t, []int{16}, extents(s, s.ReduceAxes(c)))
	assert.Equal(t, []int{16, 16, 16}, extents(s, s.LeafAxes(c)))
	assert.Equal(t, Global, s.Scope(c))

	k, err := s.AxisOf(c, g.k)
	require.NoError(t, err)
	assert.Equal(t, expr.Reduce, s.AxisKind(k))
	assert.Equal(t, "k", s.AxisName(k))
}

func TestNewResolvesSymbolicExtents(t *testing.T) {
	n := expr.Sym("n")
	a := expr.Placeholder("A", tensor.Float32, n)
	b, err := expr.Compute("B", []expr.Extent{n}, func(i []*expr.IterVar) expr.Expr {
		return expr.Add(a.At(i[0]), expr.Float(1, tensor.Float32))
	})
	require.NoError(t, err)

	s, err := New([]*expr.Tensor{b}, WithExtent("n", 100))
	require.NoError(t, err)
	id, _ := s.Stage(b)
	assert.Equal(t, []int{100}, extents(s, s.Axes(id)))

	_, err = New([]*expr.Tensor{b})
	assert.ErrorIs(t, err, errs.ErrBoundsUnresolvable)
}

func TestSplitExtents(t *testing.T) {
	g := newGEMM(t, 1024)
	s, c := newSchedule(t, g)
	axes := s.Axes(c)

	outer, inner, err := s.Split(c, axes[0], Factor(64))
	require.NoError(t, err)
	assert.Equal(t, 16, s.AxisExtent(outer))
	assert.Equal(t, 64, s.AxisExtent(inner))
	assert.Equal(t, "ii.outer", s.AxisName(outer))

	ty, yi, err := s.Split(c, inner, NParts(8))
	require.NoError(t, err)
	assert.Equal(t, 8, s.AxisExtent(ty))
	assert.Equal(t, 8, s.AxisExtent(yi))

	assert.Equal(t, []AxisID{outer, ty, yi, axes[1], s.ReduceAxes(c)[0]}, s.LeafAxes(c))
}

func TestSplitNonDivisible(t *testing.T) {
	g := newGEMM(t, 10)
	s, c := newSchedule(t, g)

	outer, inner, err := s.Split(c, s.Axes(c)[0], Factor(3))
	require.NoError(t, err)
	assert.Equal(t, 4, s.AxisExtent(outer))
	assert.Equal(t, 3, s.AxisExtent(inner))

	outer, inner, err = s.Split(c, s.Axes(c)[1], NParts(4))
	require.NoError(t, err)
	assert.Equal(t, 4, s.AxisExtent(outer))
	assert.Equal(t, 3, s.AxisExtent(inner))
}

func TestSplitRejectsConsumedAxis(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	i := s.Axes(c)[0]

	_, _, err := s.Split(c, i, Factor(8))
	require.NoError(t, err)
	_, _, err = s.Split(c, i, Factor(2))
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestSplitRejectsBoundAxis(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	i := s.Axes(c)[0]

	require.NoError(t, s.Bind(c, i, BlockX))
	_, _, err := s.Split(c, i, Factor(8))
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestSplitRejectsZeroFactor(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	_, _, err := s.Split(c, s.Axes(c)[0], Factor(0))
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestFuseRecoversSplit(t *testing.T) {
	for _, tc := range []struct {
		name   string
		extent int
		by     SplitArg
	}{
		{"factor", 64, Factor(8)},
		{"nparts", 48, NParts(6)},
		{"unit", 7, Factor(1)},
		{"uneven factor", 10, Factor(3)},
		{"uneven nparts", 10, NParts(4)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newGEMM(t, tc.extent)
			s, c := newSchedule(t, g)
			i := s.Axes(c)[0]
			outer, inner, err := s.Split(c, i, tc.by)
			require.NoError(t, err)
			fused, err := s.Fuse(c, outer, inner)
			require.NoError(t, err)

			assert.Equal(t, tc.extent, s.AxisExtent(fused))
			assert.Equal(t, expr.Spatial, s.AxisKind(fused))
			assert.Equal(t, fused, s.LeafAxes(c)[0])
			assert.Len(t, s.LeafAxes(c), 3)
		})
	}
}

func TestFuseRequiresAdjacentLeaves(t *testing.T) {
	g := newGEMM(t, 16)
	s, c := newSchedule(t, g)
	axes := s.Axes(c)

	_, err := s.Fuse(c, axes[1], axes[0])
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)

	s, c = newSchedule(t, g)
	_, err = s.Fuse(c, s.Axes(c)[1], s.ReduceAxes(c)[0])
	assert.ErrorIs(t, err, errs.ErrInvalidTransform, "spatial and reduce axes do not fuse")
}

func TestReorderFullAndSubset(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	i, j := s.Axes(c)[0], s.Axes(c)[1]
	k := s.ReduceAxes(c)[0]

	require.NoError(t, s.Reorder(c, k, i, j))
	assert.Equal(t, []AxisID{k, i, j}, s.LeafAxes(c))

	// A subset is permuted within the positions it occupies.
	io, ii, err := s.Split(c, i, Factor(8))
	require.NoError(t, err)
	require.NoError(t, s.Reorder(c, j, io))
	assert.Equal(t, []AxisID{k, j, ii, io}, s.LeafAxes(c))
}

func TestReorderRejectsNonLeaves(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	i, j := s.Axes(c)[0], s.Axes(c)[1]

	_, _, err := s.Split(c, i, Factor(8))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Reorder(c, i, j), errs.ErrAxisSetMismatch)

	s, c = newSchedule(t, g)
	j = s.Axes(c)[1]
	assert.ErrorIs(t, s.Reorder(c, j, j), errs.ErrAxisSetMismatch)
}

func TestBindDuplicateNeverOverwrites(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	i, j := s.Axes(c)[0], s.Axes(c)[1]

	require.NoError(t, s.Bind(c, i, BlockY))
	err := s.Bind(c, j, BlockY)
	require.ErrorIs(t, err, errs.ErrDuplicateBinding)

	d, ok := s.Binding(c, i)
	assert.True(t, ok)
	assert.Equal(t, BlockY, d)
	_, ok = s.Binding(c, j)
	assert.False(t, ok)
}

func TestBindRejectsReductionAxis(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	err := s.Bind(c, s.ReduceAxes(c)[0], ThreadX)
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestBindRejectsBoundAxis(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	i := s.Axes(c)[0]
	require.NoError(t, s.Bind(c, i, BlockX))
	assert.ErrorIs(t, s.Bind(c, i, BlockY), errs.ErrInvalidTransform)
}

func TestErrorsAreSticky(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)

	_, _, err := s.Split(c, s.Axes(c)[0], Factor(-1))
	require.ErrorIs(t, err, errs.ErrInvalidTransform)
	require.ErrorIs(t, s.Err(), errs.ErrInvalidTransform)

	err = s.Reorder(c, s.Axes(c)[1], s.Axes(c)[0])
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
	_, err = s.Normalize()
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestCacheReadInsertsAfterProducer(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)

	aa, err := s.CacheRead(g.a, Shared, c)
	require.NoError(t, err)
	assert.Equal(t, "A.shared", s.Name(aa))
	assert.Equal(t, CacheReadStage, s.Kind(aa))
	assert.Equal(t, Shared, s.Scope(aa))

	order := s.Order()
	assert.Equal(t, []string{"A", "A.shared", "B", "C"}, names(s, order))
	assert.Contains(t, s.Reads(c), aa)
	a, _ := s.Stage(g.a)
	assert.NotContains(t, s.Reads(c), a)
	assert.Equal(t, []StageID{a}, s.Reads(aa))
}

func TestCacheReadRejectsNonConsumer(t *testing.T) {
	g := newGEMM(t, 64)
	s, _ := newSchedule(t, g)
	b, _ := s.Stage(g.b)
	_, err := s.CacheRead(g.a, Shared, b)
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestIndependentCacheReadsCommute(t *testing.T) {
	g := newGEMM(t, 64)

	s1, c1 := newSchedule(t, g)
	_, err := s1.CacheRead(g.a, Shared, c1)
	require.NoError(t, err)
	_, err = s1.CacheRead(g.b, Shared, c1)
	require.NoError(t, err)

	s2, c2 := newSchedule(t, g)
	_, err = s2.CacheRead(g.b, Shared, c2)
	require.NoError(t, err)
	_, err = s2.CacheRead(g.a, Shared, c2)
	require.NoError(t, err)

	assert.Equal(t, names(s1, s1.Order()), names(s2, s2.Order()))
	assert.Equal(t, s1.Fingerprint(), s2.Fingerprint())
}

func TestCacheWriteMovesReduction(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)

	cc, err := s.CacheWrite(g.c, Local)
	require.NoError(t, err)
	assert.Equal(t, "C.local", s.Name(cc))
	assert.Equal(t, []string{"A", "B", "C.local", "C"}, names(s, s.Order()))

	assert.Len(t, s.ReduceAxes(cc), 1)
	assert.Empty(t, s.ReduceAxes(c))
	assert.Len(t, s.LeafAxes(c), 2)

	k, err := s.AxisOf(cc, g.k)
	require.NoError(t, err)
	assert.Equal(t, s.ReduceAxes(cc)[0], k)
	_, err = s.AxisOf(c, g.k)
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)

	assert.Equal(t, []StageID{cc}, s.Reads(c))
	assert.Equal(t, "C.local[ii, jj]", s.stages[c].body.String())
}

func TestCacheWriteAfterSplitFails(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	_, _, err := s.Split(c, s.Axes(c)[0], Factor(8))
	require.NoError(t, err)
	_, err = s.CacheWrite(g.c, Local)
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
}

func TestComputeAtCycles(t *testing.T) {
	g := newGEMM(t, 64)

	s, c := newSchedule(t, g)
	aa, err := s.CacheRead(g.a, Shared, c)
	require.NoError(t, err)
	err = s.ComputeAt(c, aa, s.LeafAxes(aa)[0])
	assert.ErrorIs(t, err, errs.ErrAttachCycle, "producer reading its consumer")

	s, c = newSchedule(t, g)
	cc, err := s.CacheWrite(g.c, Local)
	require.NoError(t, err)
	aa, err = s.CacheRead(g.a, Shared, cc)
	require.NoError(t, err)
	require.NoError(t, s.ComputeAt(aa, cc, s.ReduceAxes(cc)[0]))
	err = s.ComputeAt(cc, aa, s.LeafAxes(aa)[0])
	assert.ErrorIs(t, err, errs.ErrAttachCycle)

	s, c = newSchedule(t, g)
	assert.ErrorIs(t, s.ComputeAt(c, c, s.Axes(c)[0]), errs.ErrAttachCycle)
}

func TestComputeAtRequiresDirectReader(t *testing.T) {
	g := newGEMM(t, 16)

	// A.local is read by C.local, not by C.
	s, c := newSchedule(t, g)
	cc, err := s.CacheWrite(g.c, Local)
	require.NoError(t, err)
	aa, err := s.CacheRead(g.a, Local, cc)
	require.NoError(t, err)
	jj := s.Axes(c)[1]
	require.NoError(t, s.ComputeAt(cc, c, jj))
	err = s.ComputeAt(aa, c, jj)
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
	assert.ErrorIs(t, s.Err(), errs.ErrInvalidTransform)

	// A cache write after the attachment moves the reads into C.local.
	s, c = newSchedule(t, g)
	aa, err = s.CacheRead(g.a, Local, c)
	require.NoError(t, err)
	require.NoError(t, s.ComputeAt(aa, c, s.Axes(c)[1]))
	_, err = s.CacheWrite(g.c, Local)
	require.NoError(t, err)
	_, err = s.Normalize()
	assert.ErrorIs(t, err, errs.ErrUnscheduledStage)
}

func TestNormalizeIdempotentAndFreezes(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)

	first, err := s.Normalize()
	require.NoError(t, err)
	second, err := s.Normalize()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, s.Frozen())

	_, _, err = s.Split(c, s.Axes(c)[0], Factor(8))
	assert.ErrorIs(t, err, errs.ErrInvalidTransform)
	third, err := s.Normalize()
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestNormalizeRejectsUnscheduledStages(t *testing.T) {
	g := newGEMM(t, 64)

	t.Run("local left top-level", func(t *testing.T) {
		s, _ := newSchedule(t, g)
		_, err := s.CacheWrite(g.c, Local)
		require.NoError(t, err)
		_, err = s.Normalize()
		assert.ErrorIs(t, err, errs.ErrUnscheduledStage)
	})

	t.Run("shared without threads", func(t *testing.T) {
		s, c := newSchedule(t, g)
		aa, err := s.CacheRead(g.a, Shared, c)
		require.NoError(t, err)
		require.NoError(t, s.ComputeAt(aa, c, s.ReduceAxes(c)[0]))
		_, err = s.Normalize()
		assert.ErrorIs(t, err, errs.ErrUnscheduledStage)
	})

	t.Run("attach axis split afterwards", func(t *testing.T) {
		s, c := newSchedule(t, g)
		aa, err := s.CacheRead(g.a, Global, c)
		require.NoError(t, err)
		k := s.ReduceAxes(c)[0]
		require.NoError(t, s.ComputeAt(aa, c, k))
		_, _, err = s.Split(c, k, Factor(4))
		require.NoError(t, err)
		_, err = s.Normalize()
		assert.ErrorIs(t, err, errs.ErrUnscheduledStage)
	})

	t.Run("block binding on attached stage", func(t *testing.T) {
		s, c := newSchedule(t, g)
		aa, err := s.CacheRead(g.a, Global, c)
		require.NoError(t, err)
		require.NoError(t, s.ComputeAt(aa, c, s.ReduceAxes(c)[0]))
		require.NoError(t, s.Bind(aa, s.Axes(aa)[0], BlockX))
		_, err = s.Normalize()
		assert.ErrorIs(t, err, errs.ErrUnscheduledStage)
	})
}

func TestPlanAttachedGlobalBecomesLocal(t *testing.T) {
	g := newGEMM(t, 64)
	s, c := newSchedule(t, g)
	aa, err := s.CacheRead(g.a, Global, c)
	require.NoError(t, err)
	require.NoError(t, s.ComputeAt(aa, c, s.ReduceAxes(c)[0]))

	p, err := s.Plan()
	require.NoError(t, err)
	st := p.Stage(aa)
	assert.Equal(t, Local, st.Scope)
	assert.Equal(t, Global, st.DeclaredScope)
	assert.True(t, st.Attached)
	assert.Equal(t, c, st.AttachStage)
	assert.Equal(t, p.StageOf(g.c), p.Stage(c))
}

func TestGEMMScheduleNormalizes(t *testing.T) {
	const blockFactor, numThread = 64, 8
	g := newGEMM(t, 1024)
	s, c := newSchedule(t, g)

	cc, err := s.CacheWrite(g.c, Local)
	require.NoError(t, err)
	aa, err := s.CacheRead(g.a, Shared, cc)
	require.NoError(t, err)
	bb, err := s.CacheRead(g.b, Shared, cc)
	require.NoError(t, err)

	axes := s.Axes(c)
	by, yi, err := s.Split(c, axes[0], Factor(blockFactor))
	require.NoError(t, err)
	bx, xi, err := s.Split(c, axes[1], Factor(blockFactor))
	require.NoError(t, err)
	require.NoError(t, s.Reorder(c, by, bx, yi, xi))
	require.NoError(t, s.Bind(c, by, BlockY))
	require.NoError(t, s.Bind(c, bx, BlockX))
	ty, yi, err := s.Split(c, yi, NParts(numThread))
	require.NoError(t, err)
	tx, xi, err := s.Split(c, xi, NParts(numThread))
	require.NoError(t, err)
	require.NoError(t, s.Reorder(c, ty, tx, yi, xi))
	require.NoError(t, s.Bind(c, ty, ThreadY))
	require.NoError(t, s.Bind(c, tx, ThreadX))

	k, err := s.AxisOf(cc, g.k)
	require.NoError(t, err)
	ccAxes := s.Axes(cc)
	require.NoError(t, s.Reorder(cc, k, ccAxes[0], ccAxes[1]))

	require.NoError(t, s.ComputeAt(cc, c, tx))
	require.NoError(t, s.ComputeAt(aa, cc, k))
	require.NoError(t, s.ComputeAt(bb, cc, k))

	for _, st := range []StageID{aa, bb} {
		ty, xi, err := s.Split(st, s.Axes(st)[0], NParts(numThread))
		require.NoError(t, err)
		tx, _, err := s.Split(st, xi, NParts(numThread))
		require.NoError(t, err)
		require.NoError(t, s.Bind(st, ty, ThreadY))
		require.NoError(t, s.Bind(st, tx, ThreadX))
	}

	order, err := s.Normalize()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A.shared", "B", "B.shared", "C.local", "C"}, names(s, order))
	assert.Equal(t, []int{16, 16, 8, 8, 8, 8}, extents(s, s.LeafAxes(c)))

	p, err := s.Plan()
	require.NoError(t, err)
	assert.Equal(t, Local, p.Stage(cc).Scope)
	assert.Equal(t, Shared, p.Stage(aa).Scope)
	assert.Equal(t, cc, p.Stage(aa).AttachStage)
	assert.Equal(t, k, p.Stage(aa).AttachAxis)
	assert.Equal(t, tx, p.Stage(cc).AttachAxis)
	assert.Contains(t, p.String(), "A.shared (shared) at C.local.k")
}

func names(s *Schedule, ids []StageID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = s.Name(id)
	}
	return out
}
