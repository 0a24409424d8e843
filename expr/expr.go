// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package expr declares tensor computations: placeholders for inputs and computed
// tensors whose elements are expressions over their axes.
//
// Example:
//
//	n := expr.Const(1024)
//	a := expr.Placeholder("A", tensor.Float32, n, n)
//	b := expr.Placeholder("B", tensor.Float32, n, n)
//	k := expr.ReduceAxis(n, "k")
//	c, err := expr.Compute("C", []expr.Extent{n, n}, func(i []*expr.IterVar) expr.Expr {
//	    return expr.Sum(expr.Mul(a.At(i[0], k), b.At(i[1], k)), k)
//	})
package expr

import (
	"github.com/born-ml/kernelgen/internal/expr"
	"github.com/born-ml/kernelgen/tensor"
)

type (
	// Tensor is a node of the computation graph.
	Tensor = expr.Tensor
	// Expr is a scalar expression.
	Expr = expr.Expr
	// IterVar is a spatial or reduction axis.
	IterVar = expr.IterVar
	// Extent is a constant or symbolic dimension.
	Extent = expr.Extent
	// Reduction is a sum over reduction axes.
	Reduction = expr.Reduction
)

// Axis kinds.
const (
	Spatial = expr.Spatial
	Reduce  = expr.Reduce
)

// Const is a constant extent.
func Const(n int) Extent { return expr.Const(n) }

// Sym is a symbolic extent, resolved when the schedule is created.
func Sym(name string) Extent { return expr.Sym(name) }

// Consts returns constant extents.
func Consts(dims ...int) []Extent { return expr.Consts(dims...) }

// Placeholder declares an input tensor.
func Placeholder(name string, dtype tensor.DataType, shape ...Extent) *Tensor {
	return expr.Placeholder(name, dtype, shape...)
}

// Compute declares a tensor whose elements are given by fn over its spatial axes.
func Compute(name string, shape []Extent, fn func(axes []*IterVar) Expr, names ...string) (*Tensor, error) {
	return expr.Compute(name, shape, fn, names...)
}

// ReduceAxis declares a reduction axis.
func ReduceAxis(extent Extent, name string) *IterVar { return expr.ReduceAxis(extent, name) }

// Sum reduces source over axes.
func Sum(source Expr, axes ...*IterVar) *Reduction { return expr.Sum(source, axes...) }

// Int is an integer literal.
func Int(v int) Expr { return expr.Int(v) }

// Float is a floating point literal.
func Float(v float64, dtype tensor.DataType) Expr { return expr.Float(v, dtype) }

// Arithmetic.
func Add(a, b Expr) Expr { return expr.Add(a, b) }
func Sub(a, b Expr) Expr { return expr.Sub(a, b) }
func Mul(a, b Expr) Expr { return expr.Mul(a, b) }
func Div(a, b Expr) Expr { return expr.Div(a, b) }
func Mod(a, b Expr) Expr { return expr.Mod(a, b) }
func Max(a, b Expr) Expr { return expr.Max(a, b) }
func Min(a, b Expr) Expr { return expr.Min(a, b) }
