package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/kernelgen/internal/errs"
	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
)

// syntax is what differs between the source languages at statement and expression
// level.
type syntax struct {
	target Target

	// scalars maps the supported element types to type names.
	scalars map[tensor.DataType]string

	hw       func(d schedule.HWDim) string
	literal  func(v float64, dt tensor.DataType) string
	cast     func(ty, x string) string
	minMax   func(op lower.Op, dt tensor.DataType) string
	fmod     func(dt tensor.DataType) string
	loop     func(v string, extent int) string
	barrier  string
	unroll   string
	reserved map[string]bool
}

func (s *syntax) scalar(dt tensor.DataType) (string, error) {
	name, ok := s.scalars[dt]
	if !ok {
		return "", errors.Wrapf(errs.ErrCompilation, "codegen: %s has no %s type", s.target, dt)
	}
	return name, nil
}

func (s *syntax) ident(name string) string {
	if s.reserved[name] {
		return name + "_"
	}
	return name
}

// checkTypes fails when a buffer of fn uses a type the target cannot express.
func (s *syntax) checkTypes(fn *lower.Func) error {
	check := func(b *lower.Buffer) error {
		_, err := s.scalar(b.DType)
		return errors.WithMessagef(err, "buffer %s", b.Name)
	}
	for _, b := range fn.Globals() {
		if err := check(b); err != nil {
			return err
		}
	}
	for _, k := range fn.Kernels {
		for _, b := range k.Allocs {
			if err := check(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *syntax) expr(e lower.Expr) string {
	switch n := e.(type) {
	case *lower.IntImm:
		return strconv.Itoa(n.Value)
	case *lower.FloatImm:
		return s.literal(n.Value, n.DType)
	case *lower.Var:
		return s.ident(n.Name)
	case *lower.HWIndex:
		return s.hw(n.Dim)
	case *lower.Load:
		return s.ident(n.Buffer.Name) + "[" + s.expr(n.Index) + "]"
	case *lower.BinOp:
		if n.Op == lower.And {
			return "(" + s.expr(n.A) + " && " + s.expr(n.B) + ")"
		}
		t := lower.Promote(lower.TypeOf(n.A), lower.TypeOf(n.B))
		a, b := s.operand(n.A, t), s.operand(n.B, t)
		switch n.Op {
		case lower.Min, lower.Max:
			return fmt.Sprintf("%s(%s, %s)", s.minMax(n.Op, t), a, b)
		case lower.Mod:
			if f := s.fmod(t); t.IsFloat() && f != "" {
				return fmt.Sprintf("%s(%s, %s)", f, a, b)
			}
		}
		return "(" + a + " " + n.Op.String() + " " + b + ")"
	}
	panic(fmt.Sprintf("codegen: unexpected expression %T", e))
}

// operand prints e converted to dt.
func (s *syntax) operand(e lower.Expr, dt tensor.DataType) string {
	if lower.TypeOf(e) == dt {
		return s.expr(e)
	}
	if imm, ok := e.(*lower.IntImm); ok && dt.IsFloat() {
		return s.literal(float64(imm.Value), dt)
	}
	return s.cast(s.scalars[dt], s.expr(e))
}

// floatText formats v with a decimal point or exponent.
func floatText(v float64) string {
	out := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(out, ".eEn") {
		out += ".0"
	}
	return out
}

// printer writes statements of one kernel body.
type printer struct {
	syn  *syntax
	opts Options
	sb   strings.Builder
	ind  int
}

func (p *printer) line(format string, args ...any) {
	p.sb.WriteString(strings.Repeat("  ", p.ind))
	fmt.Fprintf(&p.sb, format, args...)
	p.sb.WriteByte('\n')
}

func (p *printer) stmts(body []lower.Stmt) {
	for _, s := range body {
		p.stmt(s)
	}
}

func (p *printer) stmt(s lower.Stmt) {
	switch n := s.(type) {
	case *lower.For:
		if p.syn.unroll != "" && n.Extent <= p.opts.MaxAutoUnrollStep {
			p.line("%s", p.syn.unroll)
		}
		p.line("%s {", p.syn.loop(p.syn.ident(n.Var.Name), n.Extent))
		p.block(n.Body)
	case *lower.If:
		p.line("if (%s) {", p.syn.expr(n.Cond))
		p.block(n.Body)
	case *lower.Barrier:
		p.line("%s", p.syn.barrier)
	case *lower.Store:
		p.line("%s[%s] = %s;", p.syn.ident(n.Buffer.Name), p.syn.expr(n.Index), p.syn.operand(n.Value, n.Buffer.DType))
	default:
		panic(fmt.Sprintf("codegen: unexpected statement %T", s))
	}
}

func (p *printer) block(body []lower.Stmt) {
	p.ind++
	p.stmts(body)
	p.ind--
	p.line("}")
}
