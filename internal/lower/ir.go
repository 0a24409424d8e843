// Package lower turns a normalized schedule into a loop-nest IR: one kernel per
// top-level stage, explicit loops for serial axes, hardware indices for bound axes,
// buffers sized by bound inference, reduction init nests and barriers.
package lower

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/kernelgen/internal/schedule"
	"github.com/born-ml/kernelgen/internal/tensor"
)

// Expr is a scalar IR expression.
type Expr interface {
	String() string
	irExpr()
}

// Stmt is an IR statement.
type Stmt interface {
	irStmt()
}

// IntImm is an integer constant.
type IntImm struct {
	Value int
}

// FloatImm is a floating point constant.
type FloatImm struct {
	Value float64
	DType tensor.DataType
}

// Var is a serial loop variable. Vars compare by identity.
type Var struct {
	Name string
	ID   int
}

// HWIndex is the value of a hardware index (blockIdx.x, threadIdx.y, ...).
type HWIndex struct {
	Dim schedule.HWDim
}

// Op is a binary IR operator.
type Op int

const (
	Add Op = iota
	Sub
	Mul
	Div
	Mod
	Min
	Max
	LT
	And
)

var opSymbols = [...]string{"+", "-", "*", "/", "%", "min", "max", "<", "&&"}

func (op Op) String() string { return opSymbols[op] }

// BinOp applies a binary operator. Div and Mod truncate on integers.
type BinOp struct {
	Op   Op
	A, B Expr
}

// Load reads Buffer at a flat element index.
type Load struct {
	Buffer *Buffer
	Index  Expr
}

func (*IntImm) irExpr()   {}
func (*FloatImm) irExpr() {}
func (*Var) irExpr()      {}
func (*HWIndex) irExpr()  {}
func (*BinOp) irExpr()    {}
func (*Load) irExpr()     {}

func (e *IntImm) String() string { return strconv.Itoa(e.Value) }
func (e *FloatImm) String() string {
	s := strconv.FormatFloat(e.Value, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
func (e *Var) String() string     { return e.Name }
func (e *HWIndex) String() string { return e.Dim.String() }
func (e *BinOp) String() string {
	if e.Op == Min || e.Op == Max {
		return fmt.Sprintf("%s(%s, %s)", e.Op, e.A, e.B)
	}
	return fmt.Sprintf("(%s %s %s)", e.A, e.Op, e.B)
}
func (e *Load) String() string { return fmt.Sprintf("%s[%s]", e.Buffer.Name, e.Index) }

// TypeOf returns the element type of e. Index arithmetic and conditions are Int32.
func TypeOf(e Expr) tensor.DataType {
	switch n := e.(type) {
	case *FloatImm:
		return n.DType
	case *Load:
		return n.Buffer.DType
	case *BinOp:
		if n.Op == LT || n.Op == And {
			return tensor.Int32
		}
		return Promote(TypeOf(n.A), TypeOf(n.B))
	}
	return tensor.Int32
}

var typeRank = map[tensor.DataType]int{
	tensor.Int32: 0, tensor.Int64: 1, tensor.Float16: 2, tensor.Float32: 3, tensor.Float64: 4,
}

// Promote returns the type binary arithmetic on a and b is carried out in.
func Promote(a, b tensor.DataType) tensor.DataType {
	if typeRank[a] >= typeRank[b] {
		return a
	}
	return b
}

// For is a serial loop over [0, Extent).
type For struct {
	Var    *Var
	Extent int
	Body   []Stmt
}

// Store writes Value to Buffer at a flat element index.
type Store struct {
	Buffer *Buffer
	Index  Expr
	Value  Expr
}

// Barrier synchronizes the threads of a block.
type Barrier struct{}

// If runs Body when Cond is non-zero.
type If struct {
	Cond Expr
	Body []Stmt
}

func (*For) irStmt()     {}
func (*Store) irStmt()   {}
func (*Barrier) irStmt() {}
func (*If) irStmt()      {}

// Buffer is a dense row-major array in one memory scope.
type Buffer struct {
	Name  string
	DType tensor.DataType
	Scope schedule.Scope
	Shape []int

	// Tensor is the name of the tensor the buffer holds, or of the region of it.
	Tensor string
}

// Size returns the number of elements.
func (b *Buffer) Size() int {
	n := 1
	for _, d := range b.Shape {
		n *= d
	}
	return n
}

// Kernel is one device launch.
type Kernel struct {
	Name string

	// Params are the global buffers the kernel touches, in Func order.
	Params []*Buffer

	// Allocs are the shared and local buffers of the kernel.
	Allocs []*Buffer

	Grid  [3]int
	Block [3]int
	Body  []Stmt
}

// Threads returns the number of threads per block.
func (k *Kernel) Threads() int {
	return k.Block[0] * k.Block[1] * k.Block[2]
}

// Blocks returns the number of blocks in the grid.
func (k *Kernel) Blocks() int {
	return k.Grid[0] * k.Grid[1] * k.Grid[2]
}

// Func is a lowered computation: kernels launched in order over a set of global
// buffers.
type Func struct {
	Name string

	// Args are the call arguments, in call order.
	Args []*Buffer

	// Workspace holds global intermediates the launcher allocates.
	Workspace []*Buffer

	Kernels []*Kernel
}

// Globals returns Args followed by Workspace.
func (f *Func) Globals() []*Buffer {
	return append(append([]*Buffer(nil), f.Args...), f.Workspace...)
}

// Walk visits every statement of body in pre-order.
func Walk(body []Stmt, visit func(Stmt)) {
	for _, s := range body {
		visit(s)
		switch n := s.(type) {
		case *For:
			Walk(n.Body, visit)
		case *If:
			Walk(n.Body, visit)
		}
	}
}

// WalkExpr visits e and its sub-expressions in pre-order.
func WalkExpr(e Expr, visit func(Expr)) {
	visit(e)
	switch n := e.(type) {
	case *BinOp:
		WalkExpr(n.A, visit)
		WalkExpr(n.B, visit)
	case *Load:
		WalkExpr(n.Index, visit)
	}
}

// StmtExprs returns the expressions directly held by s.
func StmtExprs(s Stmt) []Expr {
	switch n := s.(type) {
	case *Store:
		return []Expr{n.Index, n.Value}
	case *If:
		return []Expr{n.Cond}
	}
	return nil
}
