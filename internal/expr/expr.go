package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/kernelgen/internal/tensor"
)

// Expr is a node of a compute definition's scalar expression.
type Expr interface {
	// DType is the scalar type the expression evaluates to.
	DType() tensor.DataType
	String() string
}

// AxisKind distinguishes output (spatial) axes from reduction axes.
type AxisKind int

const (
	Spatial AxisKind = iota
	Reduce
)

func (k AxisKind) String() string {
	if k == Reduce {
		return "reduce"
	}
	return "spatial"
}

// IterVar is an iteration axis of a compute definition. It is also an Expr: the index
// value of the axis. IterVars compare by identity.
type IterVar struct {
	Name   string
	Extent Extent
	Kind   AxisKind
}

// ReduceAxis creates a reduction axis over [0, extent).
func ReduceAxis(extent Extent, name string) *IterVar {
	return &IterVar{Name: name, Extent: extent, Kind: Reduce}
}

func (v *IterVar) DType() tensor.DataType { return tensor.Int32 }
func (v *IterVar) String() string         { return v.Name }

// IntImm is an integer constant.
type IntImm struct {
	Value int
}

// Int returns an integer constant expression.
func Int(v int) *IntImm { return &IntImm{Value: v} }

func (i *IntImm) DType() tensor.DataType { return tensor.Int32 }
func (i *IntImm) String() string         { return strconv.Itoa(i.Value) }

// FloatImm is a floating point constant of a given type.
type FloatImm struct {
	Value float64
	Type  tensor.DataType
}

// Float returns a floating point constant expression.
func Float(v float64, dtype tensor.DataType) *FloatImm {
	return &FloatImm{Value: v, Type: dtype}
}

func (f *FloatImm) DType() tensor.DataType { return f.Type }
func (f *FloatImm) String() string {
	return strconv.FormatFloat(f.Value, 'g', -1, 64)
}

// Load reads one element of a tensor.
type Load struct {
	Tensor  *Tensor
	Indices []Expr
}

func (l *Load) DType() tensor.DataType { return l.Tensor.DType }
func (l *Load) String() string {
	parts := make([]string, len(l.Indices))
	for i, idx := range l.Indices {
		parts[i] = idx.String()
	}
	return fmt.Sprintf("%s[%s]", l.Tensor.Name, strings.Join(parts, ", "))
}

// BinaryOp enumerates the binary operators.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpMax
	OpMin
)

var binaryOpNames = [...]string{"+", "-", "*", "/", "%", "max", "min"}

func (op BinaryOp) String() string { return binaryOpNames[op] }

// Binary applies a binary operator.
type Binary struct {
	Op   BinaryOp
	A, B Expr
}

func (b *Binary) DType() tensor.DataType {
	if b.A.DType().IsFloat() || !b.B.DType().IsFloat() {
		return b.A.DType()
	}
	return b.B.DType()
}

func (b *Binary) String() string {
	if b.Op == OpMax || b.Op == OpMin {
		return fmt.Sprintf("%s(%s, %s)", b.Op, b.A, b.B)
	}
	return fmt.Sprintf("(%s %s %s)", b.A, b.Op, b.B)
}

// Add returns a + b.
func Add(a, b Expr) Expr { return &Binary{Op: OpAdd, A: a, B: b} }

// Sub returns a - b.
func Sub(a, b Expr) Expr { return &Binary{Op: OpSub, A: a, B: b} }

// Mul returns a * b.
func Mul(a, b Expr) Expr { return &Binary{Op: OpMul, A: a, B: b} }

// Div returns a / b. Integer division floors.
func Div(a, b Expr) Expr { return &Binary{Op: OpDiv, A: a, B: b} }

// Mod returns a % b for integers.
func Mod(a, b Expr) Expr { return &Binary{Op: OpMod, A: a, B: b} }

// Max returns max(a, b).
func Max(a, b Expr) Expr { return &Binary{Op: OpMax, A: a, B: b} }

// Min returns min(a, b).
func Min(a, b Expr) Expr { return &Binary{Op: OpMin, A: a, B: b} }

// ReduceOp enumerates the supported reduction combiners.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
)

// Reduction combines Source over the reduction axes. It may only appear at the root of
// a compute body.
type Reduction struct {
	Op     ReduceOp
	Source Expr
	Axes   []*IterVar
}

// Sum reduces source by addition over axes.
func Sum(source Expr, axes ...*IterVar) *Reduction {
	return &Reduction{Op: ReduceSum, Source: source, Axes: axes}
}

func (r *Reduction) DType() tensor.DataType { return r.Source.DType() }
func (r *Reduction) String() string {
	names := make([]string, len(r.Axes))
	for i, a := range r.Axes {
		names[i] = a.Name
	}
	return fmt.Sprintf("sum(%s, axis=[%s])", r.Source, strings.Join(names, ", "))
}

// Identity returns the neutral element of the reduction.
func (r *Reduction) Identity() float64 {
	return 0
}
