package lower

import (
	"strconv"
	"strings"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// DefaultName is the function name used when none is given.
const DefaultName = "default_function"

// Option configures Lower.
type Option func(*lowerer)

// WithName sets the function name. Kernel names derive from it. An empty name keeps
// DefaultName.
func WithName(name string) Option {
	return func(l *lowerer) {
		if name != "" {
			l.name = name
		}
	}
}

type lowerer struct {
	name    string
	plan    *schedule.Plan
	fn      *Func
	globals map[schedule.StageID]*Buffer
	varExt  map[*Var]int
	nextVar int

	// children lists, per stage and leaf axis, the stages attached there.
	children map[schedule.StageID]map[schedule.AxisID][]*schedule.PlanStage

	// per kernel
	names  map[string]bool
	allocs []*Buffer
	launch [schedule.NumHWDims]int
}

// env is one stage instance inside a kernel.
type env struct {
	st     *schedule.PlanStage
	parent *env

	// ext holds the lowered extents of every axis of the stage.
	ext map[schedule.AxisID]int

	// val holds the value of every leaf: a *Var or a *HWIndex.
	val  map[schedule.AxisID]Expr
	vars map[schedule.AxisID]*Var

	// hwExt is the extent of each hardware dimension bound by this stage or an
	// enclosing one.
	hwExt map[schedule.HWDim]int

	// region is the part of the tensor the stage's buffer holds, per dimension.
	region []interval
	buf    *Buffer

	// coords are the tensor coordinates of the spatial roots followed by the
	// reduction roots.
	coords []Expr

	children    map[schedule.StageID]*env
	firstReduce int
}

// Lower lowers the normalized schedule s to kernels. args are the tensors passed at
// call time, inputs and outputs, in call order. The schedule is normalized first if
// it was not.
func Lower(s *schedule.Schedule, args []*expr.Tensor, opts ...Option) (*Func, error) {
	plan, err := s.Plan()
	if err != nil {
		return nil, err
	}
	l := &lowerer{
		name:     DefaultName,
		plan:     plan,
		globals:  make(map[schedule.StageID]*Buffer),
		varExt:   make(map[*Var]int),
		children: make(map[schedule.StageID]map[schedule.AxisID][]*schedule.PlanStage),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.fn = &Func{Name: sanitize(l.name)}
	if err := l.bindArgs(args); err != nil {
		return nil, err
	}
	for _, st := range plan.Stages {
		if st.Attached {
			m := l.children[st.AttachStage]
			if m == nil {
				m = make(map[schedule.AxisID][]*schedule.PlanStage)
				l.children[st.AttachStage] = m
			}
			m[st.AttachAxis] = append(m[st.AttachAxis], st)
		}
	}
	for _, st := range plan.Stages {
		if st.IsPlaceholder() || st.Attached {
			continue
		}
		k, err := l.kernel(st)
		if err != nil {
			return nil, err
		}
		l.fn.Kernels = append(l.fn.Kernels, k)
	}
	klog.V(1).Infof("lower: %s -> %d kernel(s), %d workspace buffer(s)", l.fn.Name, len(l.fn.Kernels), len(l.fn.Workspace))
	return l.fn, nil
}

// bindArgs creates the global buffers: one per argument, plus workspace for
// top-level intermediates.
func (l *lowerer) bindArgs(args []*expr.Tensor) error {
	if len(args) == 0 {
		return errors.Wrap(errs.ErrArityMismatch, "lower: no arguments")
	}
	for _, t := range args {
		st := l.plan.StageOf(t)
		if st == nil {
			return errors.Wrapf(errs.ErrArityMismatch, "lower: argument %s is not part of the schedule", t.Name)
		}
		if st.Attached {
			return errors.Wrapf(errs.ErrArityMismatch, "lower: argument %s is computed inside another stage", t.Name)
		}
		if _, dup := l.globals[st.ID]; dup {
			return errors.Wrapf(errs.ErrArityMismatch, "lower: argument %s given twice", t.Name)
		}
		b := l.globalBuffer(st)
		l.globals[st.ID] = b
		l.fn.Args = append(l.fn.Args, b)
	}
	for _, st := range l.plan.Stages {
		_, bound := l.globals[st.ID]
		switch {
		case bound || st.Attached:
		case st.IsPlaceholder():
			return errors.Wrapf(errs.ErrArityMismatch, "lower: placeholder %s is not among the arguments", st.Name)
		case st.Output:
			return errors.Wrapf(errs.ErrArityMismatch, "lower: output %s is not among the arguments", st.Name)
		default:
			b := l.globalBuffer(st)
			l.globals[st.ID] = b
			l.fn.Workspace = append(l.fn.Workspace, b)
		}
	}
	return nil
}

func (l *lowerer) globalBuffer(st *schedule.PlanStage) *Buffer {
	return &Buffer{
		Name:   sanitize(st.Name),
		DType:  st.Tensor.DType,
		Scope:  schedule.Global,
		Shape:  append([]int(nil), st.Shape...),
		Tensor: st.Name,
	}
}

func (l *lowerer) kernel(st *schedule.PlanStage) (*Kernel, error) {
	l.names = make(map[string]bool)
	for _, b := range l.fn.Globals() {
		l.names[b.Name] = true
	}
	l.allocs = nil
	for d := range l.launch {
		l.launch[d] = 1
	}
	root, err := l.buildEnv(st, nil)
	if err != nil {
		return nil, err
	}
	body, err := l.emit(root, 0, false)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		Name:   l.fn.Name + "_kernel" + strconv.Itoa(len(l.fn.Kernels)),
		Allocs: l.allocs,
		Body:   body,
	}
	for d := schedule.HWDim(0); d < schedule.NumHWDims; d++ {
		if d.IsBlock() {
			k.Grid[d.Component()] = l.launch[d]
		} else {
			k.Block[d.Component()] = l.launch[d]
		}
	}
	k.Params = l.params(body)
	klog.V(2).Infof("lower: kernel %s for %s grid=%v block=%v", k.Name, st.Name, k.Grid, k.Block)
	return k, nil
}

// params returns the global buffers body touches, in Func order.
func (l *lowerer) params(body []Stmt) []*Buffer {
	used := make(map[*Buffer]bool)
	Walk(body, func(s Stmt) {
		if st, ok := s.(*Store); ok {
			used[st.Buffer] = true
		}
		for _, e := range StmtExprs(s) {
			WalkExpr(e, func(e Expr) {
				if ld, ok := e.(*Load); ok {
					used[ld.Buffer] = true
				}
			})
		}
	})
	return lo.Filter(l.fn.Globals(), func(b *Buffer, _ int) bool { return used[b] })
}

// buildEnv lowers the axes of st, infers its region when attached, and recurses into
// the stages attached to it.
func (l *lowerer) buildEnv(st *schedule.PlanStage, parent *env) (*env, error) {
	e := &env{
		st:          st,
		parent:      parent,
		ext:         make(map[schedule.AxisID]int),
		val:         make(map[schedule.AxisID]Expr),
		vars:        make(map[schedule.AxisID]*Var),
		hwExt:       make(map[schedule.HWDim]int),
		children:    make(map[schedule.StageID]*env),
		firstReduce: -1,
	}
	if parent != nil {
		for d, x := range parent.hwExt {
			e.hwExt[d] = x
		}
		region, err := l.inferRegion(st, parent)
		if err != nil {
			return nil, err
		}
		e.region = region
		e.buf = &Buffer{
			Name:   l.uniqueName(sanitize(st.Name)),
			DType:  st.Tensor.DType,
			Scope:  st.Scope,
			Shape:  lo.Map(region, func(r interval, _ int) int { return r.ext }),
			Tensor: st.Name,
		}
		l.allocs = append(l.allocs, e.buf)
		klog.V(2).Infof("lower: %s (%s) region %v", st.Name, st.Scope, e.buf.Shape)
	} else {
		e.region = lo.Map(st.Shape, func(n int, _ int) interval { return interval{min: affConst(0), ext: n} })
		e.buf = l.globals[st.ID]
	}

	for i, r := range st.Roots {
		if i < len(st.Spatial) {
			e.ext[r] = e.region[i].ext
		} else {
			e.ext[r] = l.plan.Axes[r].Extent
		}
	}
	for _, rel := range st.Relations {
		switch rel.Kind {
		case schedule.SplitRelation:
			e.ext[rel.Outer], e.ext[rel.Inner] = schedule.SplitExtents(e.ext[rel.Parent], rel.Mode, rel.Value)
		case schedule.FuseRelation:
			if split, ok := schedule.SplitOf(st.Relations, rel.Outer, rel.Inner); ok {
				e.ext[rel.Parent] = e.ext[split.Parent]
			} else {
				e.ext[rel.Parent] = e.ext[rel.Outer] * e.ext[rel.Inner]
			}
		}
	}

	for pos, a := range st.Leaves {
		if d, ok := st.Bindings[a]; ok {
			e.val[a] = &HWIndex{Dim: d}
			e.hwExt[d] = e.ext[a]
			l.launch[d] = max(l.launch[d], e.ext[a])
			continue
		}
		v := l.newVar(l.plan.Axes[a].Name, e.ext[a])
		e.val[a] = v
		e.vars[a] = v
		if e.firstReduce < 0 && l.plan.Axes[a].Kind == expr.Reduce {
			e.firstReduce = pos
		}
	}

	values := l.rootValues(e, e.val)
	e.coords = make([]Expr, len(st.Roots))
	for i, r := range st.Roots {
		if i < len(st.Spatial) {
			e.coords[i] = simplify(&BinOp{Op: Add, A: e.region[i].min.expr(), B: values[r]})
		} else {
			e.coords[i] = simplify(values[r])
		}
	}

	for _, a := range st.Leaves {
		for _, child := range l.children[st.ID][a] {
			ce, err := l.buildEnv(child, e)
			if err != nil {
				return nil, err
			}
			e.children[child.ID] = ce
		}
	}
	return e, nil
}

// rootValues derives the value of every axis reachable from the given leaf values,
// walking the relations backwards.
func (l *lowerer) rootValues(e *env, leaves map[schedule.AxisID]Expr) map[schedule.AxisID]Expr {
	v := make(map[schedule.AxisID]Expr, len(e.ext))
	for a, x := range leaves {
		v[a] = x
	}
	rels := e.st.Relations
	for i := len(rels) - 1; i >= 0; i-- {
		r := rels[i]
		switch r.Kind {
		case schedule.SplitRelation:
			o, okO := v[r.Outer]
			in, okI := v[r.Inner]
			if okO && okI {
				v[r.Parent] = &BinOp{Op: Add, A: &BinOp{Op: Mul, A: o, B: &IntImm{Value: e.ext[r.Inner]}}, B: in}
			}
		case schedule.FuseRelation:
			if f, ok := v[r.Parent]; ok {
				inner := &IntImm{Value: e.ext[r.Inner]}
				v[r.Outer] = &BinOp{Op: Div, A: f, B: inner}
				v[r.Inner] = &BinOp{Op: Mod, A: f, B: inner}
			}
		}
	}
	return v
}

func (l *lowerer) newVar(axisName string, extent int) *Var {
	v := &Var{Name: l.uniqueName(sanitize(axisName)), ID: l.nextVar}
	l.nextVar++
	l.varExt[v] = extent
	return v
}

// uniqueName reserves name in the current kernel, suffixing it if taken.
func (l *lowerer) uniqueName(name string) string {
	candidate := name
	for i := 1; l.names[candidate]; i++ {
		candidate = name + "_" + strconv.Itoa(i)
	}
	l.names[candidate] = true
	return candidate
}

// emit builds the statements of e from leaf position pos inwards. serial reports
// whether an enclosing serial loop exists.
func (l *lowerer) emit(e *env, pos int, serial bool) ([]Stmt, error) {
	if pos == len(e.st.Leaves) {
		return l.core(e)
	}
	leaf := e.st.Leaves[pos]
	v, isLoop := e.vars[leaf]
	innerSerial := serial || isLoop

	var body []Stmt
	for _, child := range l.children[e.st.ID][leaf] {
		nest, err := l.emit(e.children[child.ID], 0, innerSerial)
		if err != nil {
			return nil, err
		}
		if child.Scope == schedule.Shared {
			if innerSerial {
				body = appendBarrier(body)
			}
			body = append(body, nest...)
			body = appendBarrier(body)
			continue
		}
		body = append(body, nest...)
	}
	inner, err := l.emit(e, pos+1, serial || isLoop)
	if err != nil {
		return nil, err
	}
	body = append(body, inner...)

	var stmts []Stmt
	if pos == e.firstReduce {
		init, err := l.initNest(e)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, init...)
	}
	if isLoop {
		return append(stmts, &For{Var: v, Extent: e.ext[leaf], Body: body}), nil
	}
	return append(stmts, body...), nil
}

func appendBarrier(body []Stmt) []Stmt {
	if len(body) > 0 {
		if _, ok := body[len(body)-1].(*Barrier); ok {
			return body
		}
	}
	return append(body, &Barrier{})
}

// core is the innermost statement of a stage: its store, or accumulation for
// reductions.
func (l *lowerer) core(e *env) ([]Stmt, error) {
	idx := e.st.Spatial
	index := l.flatIndex(e.buf, e.coords[:len(idx)], e.region)
	var value Expr
	if red, ok := e.st.Body.(*expr.Reduction); ok {
		src, err := l.value(e, red.Source)
		if err != nil {
			return nil, err
		}
		value = &BinOp{Op: Add, A: &Load{Buffer: e.buf, Index: index}, B: src}
	} else {
		v, err := l.value(e, e.st.Body)
		if err != nil {
			return nil, err
		}
		value = v
	}
	store := &Store{Buffer: e.buf, Index: index, Value: value}
	return l.guarded(e, e.val, true, store), nil
}

// initNest writes the reduction identity over the spatial leaves nested inside the
// first reduction leaf.
func (l *lowerer) initNest(e *env) ([]Stmt, error) {
	red, ok := e.st.Body.(*expr.Reduction)
	if !ok {
		return nil, errors.Wrapf(errs.ErrBoundsUnresolvable, "lower: %s has reduction axes but no reduction", e.st.Name)
	}
	vals := make(map[schedule.AxisID]Expr, len(e.val))
	var loops []*For
	for pos, a := range e.st.Leaves {
		if l.plan.Axes[a].Kind == expr.Reduce {
			continue
		}
		if _, isLoop := e.vars[a]; isLoop && pos > e.firstReduce {
			v := l.newVar(l.plan.Axes[a].Name+"_init", e.ext[a])
			vals[a] = v
			loops = append(loops, &For{Var: v, Extent: e.ext[a]})
			continue
		}
		vals[a] = e.val[a]
	}
	values := l.rootValues(e, vals)
	coords := make([]Expr, len(e.st.Spatial))
	for i := range coords {
		coords[i] = simplify(&BinOp{Op: Add, A: e.region[i].min.expr(), B: values[e.st.Roots[i]]})
	}
	store := &Store{
		Buffer: e.buf,
		Index:  l.flatIndex(e.buf, coords, e.region),
		Value:  &FloatImm{Value: red.Identity(), DType: e.st.Tensor.DType},
	}
	body := l.guarded(e, vals, false, store)
	for i := len(loops) - 1; i >= 0; i-- {
		loops[i].Body = body
		body = []Stmt{loops[i]}
	}
	return body, nil
}

// guarded wraps store in the conditions that keep it inside the stage's domain:
// hardware indices beyond the stage's bound extent, split overhang, and region
// coordinates past the tensor's edge.
func (l *lowerer) guarded(e *env, vals map[schedule.AxisID]Expr, withReduce bool, store *Store) []Stmt {
	var conds []Expr
	for _, a := range e.st.Leaves {
		if d, ok := e.st.Bindings[a]; ok && e.ext[a] < l.launch[d] {
			conds = append(conds, &BinOp{Op: LT, A: &HWIndex{Dim: d}, B: &IntImm{Value: e.ext[a]}})
		}
	}
	values := l.rootValues(e, vals)
	ownExt := func(s symbol) int {
		if s.isHW() {
			return e.hwExt[s.hw]
		}
		return l.varExt[s.v]
	}
	launchExt := func(s symbol) int {
		if s.isHW() {
			return l.launch[s.hw]
		}
		return l.varExt[s.v]
	}
	for i, r := range e.st.Roots {
		if i >= len(e.st.Spatial) && !withReduce {
			break
		}
		rv, ok := values[r]
		if !ok {
			continue
		}
		iv, ok := evalInterval(rv, func(s symbol) (bool, int) { return true, ownExt(s) })
		if !ok || iv.min.maxValue(ownExt)+iv.ext > e.ext[r] {
			conds = append(conds, &BinOp{Op: LT, A: simplify(rv), B: &IntImm{Value: e.ext[r]}})
		}
		if e.parent != nil && i < len(e.st.Spatial) {
			shape := e.st.Shape[i]
			if e.region[i].min.maxValue(launchExt)+e.region[i].ext > shape {
				coord := simplify(&BinOp{Op: Add, A: e.region[i].min.expr(), B: rv})
				conds = append(conds, &BinOp{Op: LT, A: coord, B: &IntImm{Value: shape}})
			}
		}
	}
	if len(conds) == 0 {
		return []Stmt{store}
	}
	cond := conds[0]
	for _, c := range conds[1:] {
		cond = &BinOp{Op: And, A: cond, B: c}
	}
	return []Stmt{&If{Cond: cond, Body: []Stmt{store}}}
}

// flatIndex returns the row-major element index of coords in buf, relative to the
// region the buffer holds.
func (l *lowerer) flatIndex(buf *Buffer, coords []Expr, region []interval) Expr {
	var index Expr = &IntImm{Value: 0}
	for d, c := range coords {
		local := c
		if buf.Scope != schedule.Global {
			local = &BinOp{Op: Sub, A: c, B: region[d].min.expr()}
		}
		index = &BinOp{Op: Add, A: &BinOp{Op: Mul, A: index, B: &IntImm{Value: buf.Shape[d]}}, B: local}
	}
	return simplify(index)
}

// value lowers a compute body expression evaluated at the stage's coordinates.
func (l *lowerer) value(e *env, x expr.Expr) (Expr, error) {
	switch n := x.(type) {
	case *expr.IterVar:
		for i, iv := range e.st.Spatial {
			if iv == n {
				return e.coords[i], nil
			}
		}
		for i, iv := range e.st.Reduce {
			if iv == n {
				return e.coords[len(e.st.Spatial)+i], nil
			}
		}
		return nil, errors.Wrapf(errs.ErrBoundsUnresolvable, "lower: %s uses axis %s it does not own", e.st.Name, n.Name)
	case *expr.IntImm:
		return &IntImm{Value: n.Value}, nil
	case *expr.FloatImm:
		return &FloatImm{Value: n.Value, DType: n.Type}, nil
	case *expr.Binary:
		a, err := l.value(e, n.A)
		if err != nil {
			return nil, err
		}
		b, err := l.value(e, n.B)
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: binaryOps[n.Op], A: a, B: b}, nil
	case *expr.Load:
		buf, region, err := l.source(e, n.Tensor)
		if err != nil {
			return nil, err
		}
		coords := make([]Expr, len(n.Indices))
		for i, idx := range n.Indices {
			c, err := l.value(e, idx)
			if err != nil {
				return nil, err
			}
			coords[i] = c
		}
		return &Load{Buffer: buf, Index: l.flatIndex(buf, coords, region)}, nil
	case *expr.Reduction:
		return nil, errors.Wrapf(errs.ErrBoundsUnresolvable, "lower: nested reduction in %s", e.st.Name)
	}
	return nil, errors.Errorf("lower: unsupported expression %T", x)
}

var binaryOps = map[expr.BinaryOp]Op{
	expr.OpAdd: Add, expr.OpSub: Sub, expr.OpMul: Mul, expr.OpDiv: Div,
	expr.OpMod: Mod, expr.OpMax: Max, expr.OpMin: Min,
}

// source returns the buffer holding t as seen from stage e.
func (l *lowerer) source(e *env, t *expr.Tensor) (*Buffer, []interval, error) {
	st := l.plan.StageOf(t)
	if st == nil {
		return nil, nil, errors.Wrapf(errs.ErrBoundsUnresolvable, "lower: %s reads unknown tensor %s", e.st.Name, t.Name)
	}
	if b, ok := l.globals[st.ID]; ok {
		return b, nil, nil
	}
	if ce, ok := e.children[st.ID]; ok {
		return ce.buf, ce.region, nil
	}
	return nil, nil, errors.Wrapf(errs.ErrBoundsUnresolvable, "lower: %s reads %s outside of the loop it is attached to",
		e.st.Name, t.Name)
}

// sanitize turns a tensor or axis name into an identifier.
func sanitize(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}
