// Package schedule holds the mutable schedule tree of a tensor computation: one stage
// per tensor, the axis arena shared by every stage, and the directives that reshape
// the loop nests (split, fuse, reorder, bind, cache_read, cache_write, compute_at).
//
// A Schedule is built from the output tensors, mutated by directives and frozen by
// Normalize. The frozen form is exported as a Plan, which lowering consumes.
// Schedules are not safe for concurrent use.
package schedule

import (
	"fmt"
	"strings"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// StageID indexes the stage arena of a Schedule.
type StageID int

// AxisID indexes the axis arena of a Schedule.
type AxisID int

// StageKind records how a stage came to exist.
type StageKind int

const (
	PlaceholderStage StageKind = iota
	ComputeStage
	CacheReadStage
	CacheWriteStage
)

func (k StageKind) String() string {
	switch k {
	case PlaceholderStage:
		return "placeholder"
	case ComputeStage:
		return "compute"
	case CacheReadStage:
		return "cache_read"
	case CacheWriteStage:
		return "cache_write"
	}
	return "unknown"
}

type axisNode struct {
	name     string
	kind     expr.AxisKind
	extent   int
	stage    StageID
	consumed bool
}

type attachment struct {
	stage StageID
	axis  AxisID
}

type stage struct {
	id     StageID
	tensor *expr.Tensor
	kind   StageKind
	scope  Scope
	shape  []int
	body   expr.Expr

	// spatial and reduce are the IterVars of body; roots holds their axes in the
	// same order, spatial first.
	spatial []*expr.IterVar
	reduce  []*expr.IterVar
	roots   []AxisID
	ivAxis  map[*expr.IterVar]AxisID

	leaves    []AxisID
	relations []Relation
	bindings  map[AxisID]HWDim
	bound     map[HWDim]AxisID
	attach    *attachment
	output    bool
}

// Schedule is the aggregate owning every stage and axis of a computation.
type Schedule struct {
	stages   []*stage
	order    []StageID
	axes     []axisNode
	byTensor map[*expr.Tensor]StageID
	names    map[string]int
	outputs  []StageID
	vars     map[string]int

	err       error
	frozen    bool
	canonical []StageID
}

// Option configures New.
type Option func(*Schedule)

// WithExtent binds the symbolic extent name to value.
func WithExtent(name string, value int) Option {
	return func(s *Schedule) {
		s.vars[name] = value
	}
}

// New creates the default schedule of outputs: one stage per reachable tensor, loops in
// definition order, everything in global memory and nothing bound.
func New(outputs []*expr.Tensor, opts ...Option) (*Schedule, error) {
	if len(outputs) == 0 {
		return nil, errors.Wrap(errs.ErrInvalidTransform, "schedule needs at least one output")
	}
	s := &Schedule{
		byTensor: make(map[*expr.Tensor]StageID),
		names:    make(map[string]int),
		vars:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range expr.PostOrder(outputs...) {
		if _, dup := s.names[t.Name]; dup {
			return nil, errors.Wrapf(errs.ErrInvalidTransform, "two tensors named %q", t.Name)
		}
		id, err := s.addStage(t, stageKindOf(t), Global)
		if err != nil {
			return nil, err
		}
		s.order = append(s.order, id)
	}
	for _, out := range outputs {
		id := s.byTensor[out]
		if !s.stages[id].output {
			s.stages[id].output = true
			s.outputs = append(s.outputs, id)
		}
	}
	return s, nil
}

func stageKindOf(t *expr.Tensor) StageKind {
	if t.IsPlaceholder() {
		return PlaceholderStage
	}
	return ComputeStage
}

// addStage registers t in the arenas. It does not place the stage in the order.
func (s *Schedule) addStage(t *expr.Tensor, kind StageKind, scope Scope) (StageID, error) {
	shape := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		v, ok := d.Resolve(s.vars)
		if !ok {
			return 0, errors.Wrapf(errs.ErrBoundsUnresolvable, "%s: dimension %d has unbound extent %q", t.Name, i, d.Name())
		}
		if v <= 0 {
			return 0, errors.Wrapf(errs.ErrInvalidTransform, "%s: dimension %d has extent %d", t.Name, i, v)
		}
		shape[i] = v
	}
	st := &stage{
		id:       StageID(len(s.stages)),
		tensor:   t,
		kind:     kind,
		scope:    scope,
		shape:    shape,
		ivAxis:   make(map[*expr.IterVar]AxisID),
		bindings: make(map[AxisID]HWDim),
		bound:    make(map[HWDim]AxisID),
	}
	if !t.IsPlaceholder() {
		st.body = t.Op.Body
		st.spatial = t.Op.Axes
		st.reduce = t.Op.ReduceAxes
		if err := s.addRootAxes(st); err != nil {
			return 0, err
		}
	}
	s.stages = append(s.stages, st)
	s.byTensor[t] = st.id
	s.names[t.Name] = int(st.id)
	return st.id, nil
}

func (s *Schedule) addRootAxes(st *stage) error {
	st.roots = st.roots[:0]
	for _, iv := range append(append([]*expr.IterVar(nil), st.spatial...), st.reduce...) {
		ext, ok := iv.Extent.Resolve(s.vars)
		if !ok {
			return errors.Wrapf(errs.ErrBoundsUnresolvable, "%s: axis %s has unbound extent %q",
				st.tensor.Name, iv.Name, iv.Extent.Name())
		}
		if ext <= 0 {
			return errors.Wrapf(errs.ErrInvalidTransform, "%s: axis %s has extent %d", st.tensor.Name, iv.Name, ext)
		}
		a := s.newAxis(st.id, iv.Name, iv.Kind, ext)
		st.roots = append(st.roots, a)
		st.ivAxis[iv] = a
	}
	st.leaves = append([]AxisID(nil), st.roots...)
	return nil
}

func (s *Schedule) newAxis(owner StageID, name string, kind expr.AxisKind, extent int) AxisID {
	s.axes = append(s.axes, axisNode{name: name, kind: kind, extent: extent, stage: owner})
	return AxisID(len(s.axes) - 1)
}

// uniqueName returns base, or base with a numeric suffix if base is taken.
func (s *Schedule) uniqueName(base string) string {
	name := base
	for i := 1; ; i++ {
		if _, taken := s.names[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s.%d", base, i)
	}
}

// Err returns the first error raised by a directive, if any. Once set, every
// further directive returns it.
func (s *Schedule) Err() error {
	return s.err
}

// fail records err as the sticky error of the schedule and returns it.
func (s *Schedule) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	return err
}

// mutable returns the error a directive must report before touching the schedule.
func (s *Schedule) mutable(directive string) error {
	if s.err != nil {
		return s.err
	}
	if s.frozen {
		return errors.Wrapf(errs.ErrInvalidTransform, "%s: schedule is normalized", directive)
	}
	return nil
}

func (s *Schedule) stage(id StageID) (*stage, error) {
	if id < 0 || int(id) >= len(s.stages) {
		return nil, errors.Wrapf(errs.ErrInvalidTransform, "no stage %d", id)
	}
	return s.stages[id], nil
}

// Stage returns the stage computing t.
func (s *Schedule) Stage(t *expr.Tensor) (StageID, error) {
	id, ok := s.byTensor[t]
	if !ok {
		return 0, errors.Wrapf(errs.ErrInvalidTransform, "tensor %s is not part of the schedule", t.Name)
	}
	return id, nil
}

// Tensor returns the tensor a stage computes.
func (s *Schedule) Tensor(id StageID) *expr.Tensor {
	return s.stages[id].tensor
}

// Name returns the stage's name, which is its tensor's name.
func (s *Schedule) Name(id StageID) string {
	return s.stages[id].tensor.Name
}

// Kind returns how the stage was created.
func (s *Schedule) Kind(id StageID) StageKind {
	return s.stages[id].kind
}

// Scope returns the declared memory scope of the stage.
func (s *Schedule) Scope(id StageID) Scope {
	return s.stages[id].scope
}

// Axes returns the spatial root axes of the stage.
func (s *Schedule) Axes(id StageID) []AxisID {
	st := s.stages[id]
	return append([]AxisID(nil), st.roots[:len(st.spatial)]...)
}

// ReduceAxes returns the reduction root axes of the stage.
func (s *Schedule) ReduceAxes(id StageID) []AxisID {
	st := s.stages[id]
	return append([]AxisID(nil), st.roots[len(st.spatial):]...)
}

// LeafAxes returns the current loop order of the stage, outermost first.
func (s *Schedule) LeafAxes(id StageID) []AxisID {
	return append([]AxisID(nil), s.stages[id].leaves...)
}

// AxisOf returns the root axis of stage id that iterates iv. After CacheWrite, the
// reduction IterVars of the original tensor resolve on the cache stage.
func (s *Schedule) AxisOf(id StageID, iv *expr.IterVar) (AxisID, error) {
	st, err := s.stage(id)
	if err != nil {
		return 0, err
	}
	a, ok := st.ivAxis[iv]
	if !ok {
		return 0, errors.Wrapf(errs.ErrInvalidTransform, "%s has no axis %s", st.tensor.Name, iv.Name)
	}
	return a, nil
}

// AxisName returns the axis name, e.g. "i.outer".
func (s *Schedule) AxisName(a AxisID) string { return s.axes[a].name }

// AxisExtent returns the iteration count of the axis.
func (s *Schedule) AxisExtent(a AxisID) int { return s.axes[a].extent }

// AxisKind returns whether the axis is spatial or a reduction.
func (s *Schedule) AxisKind(a AxisID) expr.AxisKind { return s.axes[a].kind }

// Binding returns the hardware dimension axis a is bound to.
func (s *Schedule) Binding(id StageID, a AxisID) (HWDim, bool) {
	d, ok := s.stages[id].bindings[a]
	return d, ok
}

// AttachPoint returns the stage and axis id is attached at.
func (s *Schedule) AttachPoint(id StageID) (StageID, AxisID, bool) {
	at := s.stages[id].attach
	if at == nil {
		return 0, 0, false
	}
	return at.stage, at.axis, true
}

// Order returns the stages in schedule order. Producers always precede consumers.
func (s *Schedule) Order() []StageID {
	return append([]StageID(nil), s.order...)
}

// Outputs returns the output stages.
func (s *Schedule) Outputs() []StageID {
	return append([]StageID(nil), s.outputs...)
}

// Reads returns the stages whose outputs stage id reads, in order of first use.
func (s *Schedule) Reads(id StageID) []StageID {
	st := s.stages[id]
	if st.body == nil {
		return nil
	}
	var reads []StageID
	for _, l := range expr.Loads(st.body) {
		if p, ok := s.byTensor[l.Tensor]; ok && !lo.Contains(reads, p) {
			reads = append(reads, p)
		}
	}
	return reads
}

// Consumers returns the stages reading stage id.
func (s *Schedule) Consumers(id StageID) []StageID {
	return lo.Filter(s.order, func(c StageID, _ int) bool {
		return lo.Contains(s.Reads(c), id)
	})
}

// dependsOn reports whether from reads to, directly or transitively.
func (s *Schedule) dependsOn(from, to StageID) bool {
	seen := make(map[StageID]bool)
	stack := []StageID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range s.Reads(cur) {
			if p == to {
				return true
			}
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

// String prints every stage with its scope, loop order, bindings and attachment. Two
// schedules print identically if and only if they lower identically.
func (s *Schedule) String() string {
	var sb strings.Builder
	for _, id := range s.order {
		st := s.stages[id]
		if st.kind == PlaceholderStage {
			fmt.Fprintf(&sb, "%s: placeholder%v\n", st.tensor.Name, st.shape)
			continue
		}
		fmt.Fprintf(&sb, "%s: %s %s%v", st.tensor.Name, st.kind, st.scope, st.shape)
		if st.attach != nil {
			fmt.Fprintf(&sb, " @%s.%s", s.stages[st.attach.stage].tensor.Name, s.axes[st.attach.axis].name)
		}
		sb.WriteString("\n  body: ")
		sb.WriteString(st.body.String())
		sb.WriteString("\n  loops:")
		for _, a := range st.leaves {
			fmt.Fprintf(&sb, " %s[%d]", s.axes[a].name, s.axes[a].extent)
			if d, ok := st.bindings[a]; ok {
				fmt.Fprintf(&sb, "=%s", d)
			}
		}
		for _, r := range st.relations {
			sb.WriteString("\n  ")
			sb.WriteString(s.relationString(r))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Fingerprint identifies the schedule's lowering-relevant state.
func (s *Schedule) Fingerprint() string {
	return s.String()
}
