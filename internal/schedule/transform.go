package schedule

import (
	"slices"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// computeStage returns the stage for a directive that reshapes loops.
func (s *Schedule) computeStage(directive string, id StageID) (*stage, error) {
	if err := s.mutable(directive); err != nil {
		return nil, err
	}
	st, err := s.stage(id)
	if err != nil {
		return nil, s.fail(errors.WithMessage(err, directive))
	}
	if st.kind == PlaceholderStage {
		return nil, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "%s: %s is a placeholder", directive, st.tensor.Name))
	}
	return st, nil
}

// liveLeaf returns the position of a in the stage's loop order, failing if a is not a
// live leaf of it.
func (s *Schedule) liveLeaf(directive string, st *stage, a AxisID) (int, error) {
	if a < 0 || int(a) >= len(s.axes) {
		return 0, errors.Wrapf(errs.ErrInvalidTransform, "%s: no axis %d", directive, a)
	}
	node := s.axes[a]
	if node.stage != st.id {
		return 0, errors.Wrapf(errs.ErrInvalidTransform, "%s: axis %s belongs to %s, not %s",
			directive, node.name, s.stages[node.stage].tensor.Name, st.tensor.Name)
	}
	if node.consumed {
		return 0, errors.Wrapf(errs.ErrInvalidTransform, "%s: axis %s of %s was already split or fused",
			directive, node.name, st.tensor.Name)
	}
	pos := lo.IndexOf(st.leaves, a)
	if pos < 0 {
		return 0, errors.Wrapf(errs.ErrInvalidTransform, "%s: axis %s is not a leaf of %s", directive, node.name, st.tensor.Name)
	}
	return pos, nil
}

func (s *Schedule) checkUnbound(directive string, st *stage, a AxisID) error {
	if d, ok := st.bindings[a]; ok {
		return errors.Wrapf(errs.ErrInvalidTransform, "%s: axis %s of %s is bound to %s",
			directive, s.axes[a].name, st.tensor.Name, d)
	}
	return nil
}

// Split divides axis a of stage id into an outer and an inner axis, which replace a
// in the loop order. Non-divisible splits are allowed; lowering guards the overhang.
func (s *Schedule) Split(id StageID, a AxisID, by SplitArg) (outer, inner AxisID, err error) {
	st, err := s.computeStage("split", id)
	if err != nil {
		return 0, 0, err
	}
	pos, err := s.liveLeaf("split", st, a)
	if err != nil {
		return 0, 0, s.fail(err)
	}
	if err := s.checkUnbound("split", st, a); err != nil {
		return 0, 0, s.fail(err)
	}
	mode, value := by.splitParams()
	if value < 1 {
		return 0, 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "split: %s of %s by %d", s.axes[a].name, st.tensor.Name, value))
	}
	parent := s.axes[a]
	outerExt, innerExt := SplitExtents(parent.extent, mode, value)
	outer = s.newAxis(id, parent.name+".outer", parent.kind, outerExt)
	inner = s.newAxis(id, parent.name+".inner", parent.kind, innerExt)
	s.axes[a].consumed = true
	st.leaves = append(st.leaves[:pos], append([]AxisID{outer, inner}, st.leaves[pos+1:]...)...)
	st.relations = append(st.relations, Relation{
		Kind: SplitRelation, Parent: a, Outer: outer, Inner: inner, Mode: mode, Value: value,
	})
	klog.V(3).Infof("schedule: split %s.%s [%d] -> [%d] x [%d]", st.tensor.Name, parent.name, parent.extent, outerExt, innerExt)
	return outer, inner, nil
}

// Fuse merges two adjacent leaves of the same kind, outer directly before inner, into
// one axis whose extent is the product of theirs, or the extent of the axis they were
// split from.
func (s *Schedule) Fuse(id StageID, outer, inner AxisID) (AxisID, error) {
	st, err := s.computeStage("fuse", id)
	if err != nil {
		return 0, err
	}
	po, err := s.liveLeaf("fuse", st, outer)
	if err != nil {
		return 0, s.fail(err)
	}
	pi, err := s.liveLeaf("fuse", st, inner)
	if err != nil {
		return 0, s.fail(err)
	}
	if pi != po+1 {
		return 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "fuse: %s and %s of %s are not adjacent",
			s.axes[outer].name, s.axes[inner].name, st.tensor.Name))
	}
	if s.axes[outer].kind != s.axes[inner].kind {
		return 0, s.fail(errors.Wrapf(errs.ErrInvalidTransform, "fuse: %s and %s of %s mix spatial and reduction axes",
			s.axes[outer].name, s.axes[inner].name, st.tensor.Name))
	}
	for _, a := range []AxisID{outer, inner} {
		if err := s.checkUnbound("fuse", st, a); err != nil {
			return 0, s.fail(err)
		}
	}
	o, i := s.axes[outer], s.axes[inner]
	extent := o.extent * i.extent
	if split, ok := SplitOf(st.relations, outer, inner); ok {
		extent = s.axes[split.Parent].extent
	}
	fused := s.newAxis(id, o.name+"."+i.name+".fused", o.kind, extent)
	s.axes[outer].consumed = true
	s.axes[inner].consumed = true
	st.leaves = append(st.leaves[:po], append([]AxisID{fused}, st.leaves[pi+1:]...)...)
	st.relations = append(st.relations, Relation{Kind: FuseRelation, Parent: fused, Outer: outer, Inner: inner})
	return fused, nil
}

// Reorder permutes leaves of stage id. The axes must be distinct live leaves. They are
// placed, in the given order, into the loop positions they occupied; unlisted leaves
// keep their positions.
func (s *Schedule) Reorder(id StageID, axes ...AxisID) error {
	st, err := s.computeStage("reorder", id)
	if err != nil {
		return err
	}
	if len(axes) == 0 {
		return s.fail(errors.Wrapf(errs.ErrAxisSetMismatch, "reorder: no axes given for %s", st.tensor.Name))
	}
	if len(lo.Uniq(axes)) != len(axes) {
		return s.fail(errors.Wrapf(errs.ErrAxisSetMismatch, "reorder: repeated axis for %s", st.tensor.Name))
	}
	positions := make([]int, 0, len(axes))
	for _, a := range axes {
		pos, err := s.liveLeaf("reorder", st, a)
		if err != nil {
			return s.fail(errors.Wrap(errs.ErrAxisSetMismatch, err.Error()))
		}
		positions = append(positions, pos)
	}
	slices.Sort(positions)
	for i, a := range axes {
		st.leaves[positions[i]] = a
	}
	return nil
}

// Bind maps leaf a of stage id onto hardware dimension dim. Each dimension can carry
// at most one axis per stage; reduction axes are never bound.
func (s *Schedule) Bind(id StageID, a AxisID, dim HWDim) error {
	st, err := s.computeStage("bind", id)
	if err != nil {
		return err
	}
	if dim < 0 || dim >= NumHWDims {
		return s.fail(errors.Wrapf(errs.ErrInvalidTransform, "bind: unknown hardware dimension %d", dim))
	}
	if prev, ok := st.bound[dim]; ok {
		return s.fail(errors.Wrapf(errs.ErrDuplicateBinding, "bind: %s of %s is already bound to %s",
			dim, st.tensor.Name, s.axes[prev].name))
	}
	if _, err := s.liveLeaf("bind", st, a); err != nil {
		return s.fail(err)
	}
	if err := s.checkUnbound("bind", st, a); err != nil {
		return s.fail(err)
	}
	if s.axes[a].kind == expr.Reduce {
		return s.fail(errors.Wrapf(errs.ErrInvalidTransform, "bind: %s of %s is a reduction axis",
			s.axes[a].name, st.tensor.Name))
	}
	st.bindings[a] = dim
	st.bound[dim] = a
	return nil
}
