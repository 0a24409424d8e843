package schedule

import (
	"strconv"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// CacheRead inserts a stage in scope that copies t, and redirects the reads of t in
// every listed consumer to the copy. The new stage is placed right after t's producer.
func (s *Schedule) CacheRead(t *expr.Tensor, scope Scope, consumers ...StageID) (StageID, error) {
	if err := s.mutable("cache_read"); err != nil {
		return 0, err
	}
	producer, err := s.Stage(t)
	if err != nil {
		return 0, s.fail(errors.WithMessage(err, "cache_read"))
	}
	if len(consumers) == 0 {
		return 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "cache_read: no consumers given for %s", t.Name))
	}
	for _, c := range consumers {
		if _, err := s.stage(c); err != nil {
			return 0, s.fail(errors.WithMessage(err, "cache_read"))
		}
		if !lo.Contains(s.Reads(c), producer) {
			return 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "cache_read: %s does not read %s", s.Name(c), t.Name))
		}
	}

	pst := s.stages[producer]
	cache, err := expr.Compute(s.uniqueName(t.Name+"."+scope.String()), expr.Consts(pst.shape...),
		func(axes []*expr.IterVar) expr.Expr {
			idx := make([]expr.Expr, len(axes))
			for i, a := range axes {
				idx[i] = a
			}
			return t.At(idx...)
		}, axisNames(t.Rank(), "ax")...)
	if err != nil {
		return 0, s.fail(err)
	}
	id, err := s.addStage(cache, CacheReadStage, scope)
	if err != nil {
		return 0, s.fail(err)
	}
	s.order = lo.Splice(s.order, lo.IndexOf(s.order, producer)+1, id)

	redirect := map[*expr.Tensor]*expr.Tensor{t: cache}
	for _, c := range consumers {
		s.stages[c].body = expr.ReplaceTensors(s.stages[c].body, redirect)
	}
	klog.V(2).Infof("schedule: cache_read %s -> %s for %d consumer(s)", t.Name, cache.Name, len(consumers))
	return id, nil
}

// CacheWrite moves the computation of t, reduction included, into a new stage in
// scope, inserted right before t's stage. The original stage becomes a copy out of
// the cache. The cache stage is returned; the reduction IterVars of t resolve on it
// with AxisOf.
func (s *Schedule) CacheWrite(t *expr.Tensor, scope Scope) (StageID, error) {
	if err := s.mutable("cache_write"); err != nil {
		return 0, err
	}
	id, err := s.Stage(t)
	if err != nil {
		return 0, s.fail(errors.WithMessage(err, "cache_write"))
	}
	st := s.stages[id]
	if st.kind == PlaceholderStage {
		return 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "cache_write: %s is a placeholder", t.Name))
	}
	if len(st.relations) > 0 || len(st.bindings) > 0 || st.attach != nil {
		return 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "cache_write: %s was already scheduled", t.Name))
	}

	// Fresh axes for the cache definition.
	spatial := make([]*expr.IterVar, len(st.spatial))
	reduce := make([]*expr.IterVar, len(st.reduce))
	rename := make(map[*expr.IterVar]expr.Expr, len(spatial)+len(reduce))
	for i, iv := range st.spatial {
		spatial[i] = &expr.IterVar{Name: iv.Name, Extent: iv.Extent, Kind: iv.Kind}
		rename[iv] = spatial[i]
	}
	for i, iv := range st.reduce {
		reduce[i] = &expr.IterVar{Name: iv.Name, Extent: iv.Extent, Kind: iv.Kind}
		rename[iv] = reduce[i]
	}
	body := expr.ReplaceAxes(st.body, rename)
	cache := &expr.Tensor{
		Name:  s.uniqueName(t.Name + "." + scope.String()),
		Shape: expr.Consts(st.shape...),
		DType: t.DType,
		Op:    &expr.Operation{Kind: expr.ComputeOp, Axes: spatial, ReduceAxes: reduce, Body: body},
	}
	cid, err := s.addStage(cache, CacheWriteStage, scope)
	if err != nil {
		return 0, s.fail(err)
	}
	cst := s.stages[cid]
	for i, iv := range st.reduce {
		cst.ivAxis[iv] = cst.roots[len(spatial)+i]
	}
	s.order = lo.Splice(s.order, lo.IndexOf(s.order, id), cid)

	// The original stage keeps its spatial axes and copies the cache out.
	idx := make([]expr.Expr, len(st.spatial))
	for i, iv := range st.spatial {
		idx[i] = iv
	}
	for _, a := range st.roots[len(st.spatial):] {
		s.axes[a].consumed = true
		delete(st.ivAxis, s.ivOf(st, a))
	}
	st.body = cache.At(idx...)
	st.reduce = nil
	st.roots = st.roots[:len(st.spatial)]
	st.leaves = append([]AxisID(nil), st.roots...)
	klog.V(2).Infof("schedule: cache_write %s -> %s", t.Name, cache.Name)
	return cid, nil
}

// ivOf returns the IterVar iterated by root axis a of st.
func (s *Schedule) ivOf(st *stage, a AxisID) *expr.IterVar {
	for iv, id := range st.ivAxis {
		if id == a {
			return iv
		}
	}
	return nil
}

func axisNames(n int, prefix string) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = prefix + strconv.Itoa(i)
	}
	return names
}
