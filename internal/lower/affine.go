package lower

import (
	"sort"

	"github.com/born-ml/kernelgen/internal/schedule"
)

// symbol is an index variable an affine form can depend on: a loop Var or a
// hardware index.
type symbol struct {
	v  *Var
	hw schedule.HWDim
}

func varSym(v *Var) symbol         { return symbol{v: v} }
func hwSym(d schedule.HWDim) symbol { return symbol{hw: d} }
func (s symbol) isHW() bool         { return s.v == nil }

func (s symbol) expr() Expr {
	if s.isHW() {
		return &HWIndex{Dim: s.hw}
	}
	return s.v
}

// less orders hardware indices before loop variables, each by creation.
func (s symbol) less(o symbol) bool {
	if s.isHW() != o.isHW() {
		return s.isHW()
	}
	if s.isHW() {
		return s.hw < o.hw
	}
	return s.v.ID < o.v.ID
}

// affine is c + sum(coef * symbol).
type affine struct {
	c     int
	terms map[symbol]int
}

func affConst(c int) affine { return affine{c: c} }

func affSym(s symbol) affine { return affine{terms: map[symbol]int{s: 1}} }

func (a affine) isConst() bool { return len(a.terms) == 0 }

func (a affine) add(b affine) affine {
	out := affine{c: a.c + b.c, terms: make(map[symbol]int, len(a.terms)+len(b.terms))}
	for s, k := range a.terms {
		out.terms[s] = k
	}
	for s, k := range b.terms {
		out.terms[s] += k
		if out.terms[s] == 0 {
			delete(out.terms, s)
		}
	}
	return out
}

func (a affine) scale(k int) affine {
	if k == 0 {
		return affConst(0)
	}
	out := affine{c: a.c * k, terms: make(map[symbol]int, len(a.terms))}
	for s, v := range a.terms {
		out.terms[s] = v * k
	}
	return out
}

func (a affine) sub(b affine) affine { return a.add(b.scale(-1)) }

func (a affine) equal(b affine) bool {
	d := a.sub(b)
	return d.isConst() && d.c == 0
}

// divisible reports whether every coefficient is a multiple of k.
func (a affine) divisible(k int) bool {
	for _, v := range a.terms {
		if v%k != 0 {
			return false
		}
	}
	return true
}

// divTerms returns the symbolic part of a divided by k, for a divisible by k.
func (a affine) divTerms(k int) affine {
	out := affine{terms: make(map[symbol]int, len(a.terms))}
	for s, v := range a.terms {
		out.terms[s] = v / k
	}
	return out
}

func (a affine) sorted() []symbol {
	syms := make([]symbol, 0, len(a.terms))
	for s := range a.terms {
		syms = append(syms, s)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].less(syms[j]) })
	return syms
}

// maxValue returns the largest value of a when each symbol ranges over [0, ext(s)).
func (a affine) maxValue(ext func(symbol) int) int {
	m := a.c
	for s, k := range a.terms {
		if k > 0 {
			m += k * (ext(s) - 1)
		}
	}
	return m
}

// expr builds the canonical expression of a.
func (a affine) expr() Expr {
	var out Expr
	for _, s := range a.sorted() {
		k := a.terms[s]
		if out != nil && k < 0 {
			out = &BinOp{Op: Sub, A: out, B: scaled(s.expr(), -k)}
			continue
		}
		term := scaled(s.expr(), k)
		if out == nil {
			out = term
		} else {
			out = &BinOp{Op: Add, A: out, B: term}
		}
	}
	switch {
	case out == nil:
		return &IntImm{Value: a.c}
	case a.c > 0:
		return &BinOp{Op: Add, A: out, B: &IntImm{Value: a.c}}
	case a.c < 0:
		return &BinOp{Op: Sub, A: out, B: &IntImm{Value: -a.c}}
	}
	return out
}

func scaled(e Expr, k int) Expr {
	if k == 1 {
		return e
	}
	return &BinOp{Op: Mul, A: e, B: &IntImm{Value: k}}
}

// toAffine converts e if it is affine in loop variables and hardware indices.
func toAffine(e Expr) (affine, bool) {
	switch n := e.(type) {
	case *IntImm:
		return affConst(n.Value), true
	case *Var:
		return affSym(varSym(n)), true
	case *HWIndex:
		return affSym(hwSym(n.Dim)), true
	case *BinOp:
		a, okA := toAffine(n.A)
		b, okB := toAffine(n.B)
		if !okA || !okB {
			return affine{}, false
		}
		switch n.Op {
		case Add:
			return a.add(b), true
		case Sub:
			return a.sub(b), true
		case Mul:
			if b.isConst() {
				return a.scale(b.c), true
			}
			if a.isConst() {
				return b.scale(a.c), true
			}
		case Div:
			if a.isConst() && b.isConst() && b.c != 0 {
				return affConst(a.c / b.c), true
			}
			if b.isConst() && b.c > 0 && a.divisible(b.c) && a.c%b.c == 0 {
				return a.divTerms(b.c).add(affConst(a.c / b.c)), true
			}
		case Mod:
			if a.isConst() && b.isConst() && b.c != 0 {
				return affConst(a.c % b.c), true
			}
			if b.isConst() && b.c > 0 && a.divisible(b.c) && a.c%b.c == 0 {
				return affConst(0), true
			}
		}
	}
	return affine{}, false
}

// simplify folds constants and rewrites affine sub-expressions canonically.
func simplify(e Expr) Expr {
	if a, ok := toAffine(e); ok {
		return a.expr()
	}
	switch n := e.(type) {
	case *BinOp:
		a, b := simplify(n.A), simplify(n.B)
		if ai, ok := a.(*IntImm); ok {
			if bi, ok := b.(*IntImm); ok {
				if v, ok := foldInt(n.Op, ai.Value, bi.Value); ok {
					return &IntImm{Value: v}
				}
			}
		}
		if r, ok := identity(n.Op, a, b); ok {
			return r
		}
		return &BinOp{Op: n.Op, A: a, B: b}
	case *Load:
		return &Load{Buffer: n.Buffer, Index: simplify(n.Index)}
	}
	return e
}

// identity drops additions of zero and multiplications or divisions by one.
func identity(op Op, a, b Expr) (Expr, bool) {
	isInt := func(e Expr, v int) bool {
		i, ok := e.(*IntImm)
		return ok && i.Value == v
	}
	switch op {
	case Add:
		if isInt(a, 0) {
			return b, true
		}
		if isInt(b, 0) {
			return a, true
		}
	case Sub:
		if isInt(b, 0) {
			return a, true
		}
	case Mul:
		if isInt(a, 1) {
			return b, true
		}
		if isInt(b, 1) {
			return a, true
		}
	case Div:
		if isInt(b, 1) {
			return a, true
		}
	}
	return nil, false
}

func foldInt(op Op, a, b int) (int, bool) {
	switch op {
	case Add:
		return a + b, true
	case Sub:
		return a - b, true
	case Mul:
		return a * b, true
	case Div:
		if b != 0 {
			return a / b, true
		}
	case Mod:
		if b != 0 {
			return a % b, true
		}
	case Min:
		return min(a, b), true
	case Max:
		return max(a, b), true
	case LT:
		if a < b {
			return 1, true
		}
		return 0, true
	case And:
		if a != 0 && b != 0 {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// interval is the set {min + i : 0 <= i < ext}.
type interval struct {
	min affine
	ext int
}

func point(a affine) interval { return interval{min: a, ext: 1} }

// relaxFunc tells whether a symbol ranges over [0, ext) or stays a point.
type relaxFunc func(symbol) (relaxed bool, ext int)

// evalInterval bounds the values of e. It fails on data-dependent or non-affine
// indices whose range cannot be written with an affine minimum.
func evalInterval(e Expr, relax relaxFunc) (interval, bool) {
	switch n := e.(type) {
	case *IntImm:
		return point(affConst(n.Value)), true
	case *Var:
		return symInterval(varSym(n), relax), true
	case *HWIndex:
		return symInterval(hwSym(n.Dim), relax), true
	case *BinOp:
		a, okA := evalInterval(n.A, relax)
		b, okB := evalInterval(n.B, relax)
		if !okA || !okB {
			return interval{}, false
		}
		return combine(n.Op, a, b)
	}
	return interval{}, false
}

func symInterval(s symbol, relax relaxFunc) interval {
	if relaxed, ext := relax(s); relaxed {
		return interval{min: affConst(0), ext: ext}
	}
	return point(affSym(s))
}

func combine(op Op, a, b interval) (interval, bool) {
	switch op {
	case Add:
		return interval{min: a.min.add(b.min), ext: a.ext + b.ext - 1}, true
	case Sub:
		return interval{min: a.min.sub(b.min).add(affConst(-(b.ext - 1))), ext: a.ext + b.ext - 1}, true
	case Mul:
		if b.ext == 1 && b.min.isConst() {
			return scaleInterval(a, b.min.c), true
		}
		if a.ext == 1 && a.min.isConst() {
			return scaleInterval(b, a.min.c), true
		}
	case Div:
		if b.ext != 1 || !b.min.isConst() || b.min.c <= 0 {
			return interval{}, false
		}
		k := b.min.c
		if !a.min.divisible(k) {
			return interval{}, false
		}
		r := a.min.c
		lo, hi := floorDiv(r, k), floorDiv(r+a.ext-1, k)
		return interval{min: a.min.divTerms(k).add(affConst(lo)), ext: hi - lo + 1}, true
	case Mod:
		if b.ext != 1 || !b.min.isConst() || b.min.c <= 0 {
			return interval{}, false
		}
		k := b.min.c
		if a.min.divisible(k) {
			r := ((a.min.c % k) + k) % k
			if r+a.ext <= k {
				return interval{min: affConst(r), ext: a.ext}, true
			}
		}
		return interval{min: affConst(0), ext: k}, true
	}
	return interval{}, false
}

func scaleInterval(a interval, k int) interval {
	switch {
	case k == 0:
		return point(affConst(0))
	case k > 0:
		return interval{min: a.min.scale(k), ext: (a.ext-1)*k + 1}
	default:
		return interval{min: a.min.add(affConst(a.ext - 1)).scale(k), ext: (a.ext-1)*(-k) + 1}
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// union returns the smallest interval covering a and b. It fails when their minima
// differ by a symbolic amount.
func union(a, b interval) (interval, bool) {
	d := b.min.sub(a.min)
	if !d.isConst() {
		return interval{}, false
	}
	lo := min(0, d.c)
	hi := max(a.ext, d.c+b.ext)
	return interval{min: a.min.add(affConst(lo)), ext: hi - lo}, true
}
