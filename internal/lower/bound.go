package lower

import (
	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// inferRegion computes the part of st's tensor that one iteration of its attach loop
// in parent needs. Loops of parent nested inside the attach axis range over their
// extent; the ones outside are fixed. Thread indices are relaxed for shared storage,
// since every thread of the block consumes the buffer, and fixed for local storage.
func (l *lowerer) inferRegion(st *schedule.PlanStage, parent *env) ([]interval, error) {
	consumers := l.plan.Consumers(st.ID)
	if len(consumers) != 1 || consumers[0].ID != parent.st.ID {
		names := lo.Map(consumers, func(c *schedule.PlanStage, _ int) string { return c.Name })
		return nil, errors.Errorf("lower: %s is attached to %s but read by %v", st.Name, parent.st.Name, names)
	}
	pos := lo.IndexOf(parent.st.Leaves, st.AttachAxis)
	inner := make(map[*Var]bool)
	for _, a := range parent.st.Leaves[pos+1:] {
		if v, ok := parent.vars[a]; ok {
			inner[v] = true
		}
	}
	relax := func(s symbol) (bool, int) {
		if s.isHW() {
			if s.hw.IsThread() && st.Scope == schedule.Shared {
				return true, parent.hwExt[s.hw]
			}
			return false, 0
		}
		if inner[s.v] {
			return true, l.varExt[s.v]
		}
		return false, 0
	}

	var region []interval
	for _, ld := range expr.Loads(parent.st.Body) {
		if ld.Tensor != st.Tensor {
			continue
		}
		access := make([]interval, len(ld.Indices))
		for i, idx := range ld.Indices {
			c, err := l.value(parent, idx)
			if err != nil {
				return nil, err
			}
			iv, ok := evalInterval(c, relax)
			if !ok {
				return nil, errors.Wrapf(errs.ErrBoundsUnresolvable,
					"lower: index %s of %s in %s is not affine", c, st.Name, parent.st.Name)
			}
			access[i] = iv
		}
		if region == nil {
			region = access
			continue
		}
		for i := range region {
			u, ok := union(region[i], access[i])
			if !ok {
				return nil, errors.Wrapf(errs.ErrBoundsUnresolvable,
					"lower: reads of %s in %s start at unrelated offsets", st.Name, parent.st.Name)
			}
			region[i] = u
		}
	}
	if region == nil {
		return nil, errors.Wrapf(errs.ErrBoundsUnresolvable, "lower: %s does not read %s", parent.st.Name, st.Name)
	}
	for i := range region {
		region[i] = clampInterval(region[i], st.Shape[i])
	}
	return region, nil
}

// clampInterval trims r to [0, n) where its minimum is constant, and caps its extent
// at n otherwise.
func clampInterval(r interval, n int) interval {
	if r.min.isConst() {
		start := max(r.min.c, 0)
		end := min(r.min.c+r.ext, n)
		return interval{min: affConst(start), ext: max(end-start, 1)}
	}
	r.ext = min(r.ext, n)
	return r
}
