package schedule

import (
	"fmt"
	"strings"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Normalize checks that every stage's scope agrees with its bindings and attachment,
// computes the canonical stage order and freezes the schedule. Further directives
// fail with ErrInvalidTransform. Calling Normalize again returns the same order.
func (s *Schedule) Normalize() ([]StageID, error) {
	if s.frozen {
		return append([]StageID(nil), s.canonical...), nil
	}
	if s.err != nil {
		return nil, s.err
	}
	for _, id := range s.order {
		if err := s.checkStage(id); err != nil {
			return nil, s.fail(err)
		}
	}
	canonical, err := s.topoOrder()
	if err != nil {
		return nil, s.fail(err)
	}
	s.canonical = canonical
	s.frozen = true
	klog.V(1).Infof("schedule: normalized %d stages", len(canonical))
	if klog.V(2).Enabled() {
		names := lo.Map(canonical, func(id StageID, _ int) string { return s.Name(id) })
		klog.Infof("schedule: canonical order %s", strings.Join(names, ", "))
	}
	return append([]StageID(nil), canonical...), nil
}

// Frozen reports whether Normalize succeeded.
func (s *Schedule) Frozen() bool {
	return s.frozen
}

func (s *Schedule) checkStage(id StageID) error {
	st := s.stages[id]
	if st.kind == PlaceholderStage {
		return nil
	}
	name := st.tensor.Name
	if st.attach != nil {
		target := s.stages[st.attach.stage]
		if !lo.Contains(target.leaves, st.attach.axis) {
			return errors.Wrapf(errs.ErrUnscheduledStage, "%s is attached at %s.%s, which is no longer a loop",
				name, target.tensor.Name, s.axes[st.attach.axis].name)
		}
		// Cache directives issued after ComputeAt can move the reads elsewhere.
		if readers := s.Consumers(id); len(readers) != 1 || readers[0] != st.attach.stage {
			names := lo.Map(readers, func(r StageID, _ int) string { return s.Name(r) })
			return errors.Wrapf(errs.ErrUnscheduledStage, "%s is attached to %s but read by %v",
				name, target.tensor.Name, names)
		}
		for a, d := range st.bindings {
			if d.IsBlock() {
				return errors.Wrapf(errs.ErrUnscheduledStage, "%s is attached but binds %s to %s",
					name, s.axes[a].name, d)
			}
		}
	}
	switch st.scope {
	case Shared:
		if st.attach == nil {
			return errors.Wrapf(errs.ErrUnscheduledStage, "shared stage %s is not attached to any loop", name)
		}
		threads := lo.Filter(lo.Values(st.bindings), func(d HWDim, _ int) bool { return d.IsThread() })
		if len(threads) == 0 {
			return errors.Wrapf(errs.ErrUnscheduledStage, "shared stage %s binds no thread axis", name)
		}
	case Local:
		if st.attach == nil {
			return errors.Wrapf(errs.ErrUnscheduledStage, "local stage %s is not attached to any loop", name)
		}
	}
	return nil
}

// topoOrder orders stages producers first, breaking ties by schedule order.
func (s *Schedule) topoOrder() ([]StageID, error) {
	indegree := make(map[StageID]int, len(s.order))
	for _, id := range s.order {
		indegree[id] = len(s.Reads(id))
	}
	var order []StageID
	done := make(map[StageID]bool, len(s.order))
	for len(order) < len(s.order) {
		progressed := false
		for _, id := range s.order {
			if done[id] || indegree[id] > 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			for _, c := range s.Consumers(id) {
				indegree[c]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, errors.Wrap(errs.ErrAttachCycle, "stage dependencies form a cycle")
		}
	}
	return order, nil
}

// AxisInfo describes one axis of a Plan.
type AxisInfo struct {
	ID     AxisID
	Name   string
	Kind   expr.AxisKind
	Extent int
}

// PlanStage is the frozen form of one stage.
type PlanStage struct {
	ID   StageID
	Name string
	Kind StageKind

	// Tensor is the tensor the stage writes.
	Tensor *expr.Tensor

	// Scope is the storage the stage writes into. Attached stages declared global are
	// stored per thread, i.e. Local.
	Scope         Scope
	DeclaredScope Scope

	Shape []int
	Body  expr.Expr

	// Spatial and Reduce are the IterVars of Body. Roots lists their axes in the same
	// order, spatial first.
	Spatial []*expr.IterVar
	Reduce  []*expr.IterVar
	Roots   []AxisID
	Leaves  []AxisID

	Relations []Relation
	Bindings  map[AxisID]HWDim

	Attached    bool
	AttachStage StageID
	AttachAxis  AxisID

	Output bool
	Reads  []StageID
}

// IsPlaceholder reports whether the stage is an input.
func (p *PlanStage) IsPlaceholder() bool {
	return p.Kind == PlaceholderStage
}

// Plan is the immutable snapshot of a normalized schedule.
type Plan struct {
	// Stages are in canonical order.
	Stages []*PlanStage
	Axes   map[AxisID]AxisInfo

	byID        map[StageID]*PlanStage
	fingerprint string
}

// Stage returns the plan stage with the given id.
func (p *Plan) Stage(id StageID) *PlanStage {
	return p.byID[id]
}

// StageOf returns the plan stage writing t, or nil.
func (p *Plan) StageOf(t *expr.Tensor) *PlanStage {
	for _, st := range p.Stages {
		if st.Tensor == t {
			return st
		}
	}
	return nil
}

// Consumers returns the stages reading id, in canonical order.
func (p *Plan) Consumers(id StageID) []*PlanStage {
	return lo.Filter(p.Stages, func(st *PlanStage, _ int) bool { return lo.Contains(st.Reads, id) })
}

// Fingerprint identifies the schedule the plan was taken from.
func (p *Plan) Fingerprint() string {
	return p.fingerprint
}

// Plan normalizes the schedule if needed and returns its frozen snapshot.
func (s *Schedule) Plan() (*Plan, error) {
	canonical, err := s.Normalize()
	if err != nil {
		return nil, err
	}
	p := &Plan{
		Axes:        make(map[AxisID]AxisInfo, len(s.axes)),
		byID:        make(map[StageID]*PlanStage, len(canonical)),
		fingerprint: s.Fingerprint(),
	}
	for i, a := range s.axes {
		p.Axes[AxisID(i)] = AxisInfo{ID: AxisID(i), Name: a.name, Kind: a.kind, Extent: a.extent}
	}
	for _, id := range canonical {
		st := s.stages[id]
		ps := &PlanStage{
			ID:            id,
			Name:          st.tensor.Name,
			Kind:          st.kind,
			Tensor:        st.tensor,
			Scope:         st.scope,
			DeclaredScope: st.scope,
			Shape:         append([]int(nil), st.shape...),
			Body:          st.body,
			Spatial:       append([]*expr.IterVar(nil), st.spatial...),
			Reduce:        append([]*expr.IterVar(nil), st.reduce...),
			Roots:         append([]AxisID(nil), st.roots...),
			Leaves:        append([]AxisID(nil), st.leaves...),
			Relations:     append([]Relation(nil), st.relations...),
			Bindings:      make(map[AxisID]HWDim, len(st.bindings)),
			Output:        st.output,
			Reads:         s.Reads(id),
		}
		for a, d := range st.bindings {
			ps.Bindings[a] = d
		}
		if st.attach != nil {
			ps.Attached = true
			ps.AttachStage = st.attach.stage
			ps.AttachAxis = st.attach.axis
			if ps.Scope == Global {
				ps.Scope = Local
			}
		}
		p.Stages = append(p.Stages, ps)
		p.byID[id] = ps
	}
	return p, nil
}

func (p *Plan) String() string {
	var sb strings.Builder
	for _, st := range p.Stages {
		if st.IsPlaceholder() {
			continue
		}
		fmt.Fprintf(&sb, "%s (%s)", st.Name, st.Scope)
		if st.Attached {
			fmt.Fprintf(&sb, " at %s.%s", p.byID[st.AttachStage].Name, p.Axes[st.AttachAxis].Name)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
