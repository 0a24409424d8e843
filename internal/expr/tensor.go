package expr

import (
	"fmt"
	"strings"

	"github.com/born-ml/kernelgen/internal/tensor"
	"github.com/pkg/errors"
)

// OpKind tells placeholders from computed tensors.
type OpKind int

const (
	PlaceholderOp OpKind = iota
	ComputeOp
)

// Operation produces a tensor. Placeholders have no axes and no body.
type Operation struct {
	Kind OpKind

	// Axes are the spatial axes, one per output dimension.
	Axes []*IterVar

	// ReduceAxes are the reduction axes of Body, if it is a Reduction.
	ReduceAxes []*IterVar

	// Body defines one output element in terms of Axes and ReduceAxes.
	Body Expr
}

// Tensor is a node of the expression DAG. Tensors are immutable once created.
type Tensor struct {
	Name  string
	Shape []Extent
	DType tensor.DataType
	Op    *Operation
}

// Placeholder creates an input tensor.
func Placeholder(name string, dtype tensor.DataType, shape ...Extent) *Tensor {
	return &Tensor{
		Name:  name,
		Shape: append([]Extent(nil), shape...),
		DType: dtype,
		Op:    &Operation{Kind: PlaceholderOp},
	}
}

// Compute creates a tensor whose element at the spatial axes is defined by fn. The
// spatial axes are named i0, i1, ... unless names are given.
func Compute(name string, shape []Extent, fn func(axes []*IterVar) Expr, names ...string) (*Tensor, error) {
	axes := make([]*IterVar, len(shape))
	for i, ext := range shape {
		axisName := fmt.Sprintf("i%d", i)
		if i < len(names) {
			axisName = names[i]
		}
		axes[i] = &IterVar{Name: axisName, Extent: ext, Kind: Spatial}
	}
	body := fn(axes)
	if body == nil {
		return nil, errors.Errorf("compute %q: nil body", name)
	}
	op := &Operation{Kind: ComputeOp, Axes: axes, Body: body}
	if red, ok := body.(*Reduction); ok {
		op.ReduceAxes = red.Axes
		if len(red.Axes) == 0 {
			return nil, errors.Errorf("compute %q: reduction without axes", name)
		}
		for _, a := range red.Axes {
			if a.Kind != Reduce {
				return nil, errors.Errorf("compute %q: axis %q reduced but not a reduction axis", name, a.Name)
			}
		}
	}
	if err := validateBody(name, op); err != nil {
		return nil, err
	}
	return &Tensor{
		Name:  name,
		Shape: append([]Extent(nil), shape...),
		DType: body.DType(),
		Op:    op,
	}, nil
}

// validateBody checks ranks of loads, reduction placement and axis scoping.
func validateBody(name string, op *Operation) error {
	inScope := make(map[*IterVar]bool)
	for _, a := range op.Axes {
		inScope[a] = true
	}
	for _, a := range op.ReduceAxes {
		inScope[a] = true
	}
	var err error
	Walk(op.Body, func(e Expr) bool {
		if err != nil {
			return false
		}
		switch n := e.(type) {
		case *Reduction:
			if n != op.Body {
				err = errors.Errorf("compute %q: reduction must be the root of the body", name)
			}
		case *Load:
			if len(n.Indices) != len(n.Tensor.Shape) {
				err = errors.Errorf("compute %q: %s has rank %d, indexed with %d indices",
					name, n.Tensor.Name, len(n.Tensor.Shape), len(n.Indices))
			}
		case *IterVar:
			if !inScope[n] {
				err = errors.Errorf("compute %q: axis %q is not an axis of this compute", name, n.Name)
			}
		}
		return true
	})
	return err
}

// At returns the expression reading t at indices.
func (t *Tensor) At(indices ...Expr) Expr {
	return &Load{Tensor: t, Indices: indices}
}

// IsPlaceholder reports whether t is an input.
func (t *Tensor) IsPlaceholder() bool {
	return t.Op.Kind == PlaceholderOp
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// String formats the definition, e.g. "C[i, j] = sum(A[i, k]*B[j, k], axis=[k])".
func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = d.String()
	}
	if t.IsPlaceholder() {
		return fmt.Sprintf("%s = placeholder(%s, (%s))", t.Name, t.DType, strings.Join(dims, ", "))
	}
	axes := make([]string, len(t.Op.Axes))
	for i, a := range t.Op.Axes {
		axes[i] = a.Name
	}
	return fmt.Sprintf("%s[%s] = %s", t.Name, strings.Join(axes, ", "), t.Op.Body)
}
