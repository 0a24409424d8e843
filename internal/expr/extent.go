// Package expr is the tensor expression model: placeholders, iteration axes and
// compute definitions forming an immutable DAG.
//
// Nothing in this package transforms loops; scheduling lives in package schedule.
package expr

import (
	"strconv"
)

// Extent is the size of a dimension or axis: either a constant or a named symbol
// resolved when a schedule is created.
type Extent struct {
	value int
	name  string
}

// Const returns a constant extent.
func Const(n int) Extent {
	return Extent{value: n}
}

// Sym returns a symbolic extent named name.
func Sym(name string) Extent {
	return Extent{name: name}
}

// Consts converts integer dimensions to constant extents.
func Consts(dims ...int) []Extent {
	out := make([]Extent, len(dims))
	for i, d := range dims {
		out[i] = Const(d)
	}
	return out
}

// IsConst reports whether the extent is a constant.
func (e Extent) IsConst() bool {
	return e.name == ""
}

// Value returns the constant value. It is 0 for symbolic extents.
func (e Extent) Value() int {
	return e.value
}

// Name returns the symbol name, or "" for constants.
func (e Extent) Name() string {
	return e.name
}

// Resolve returns the integer value of e, looking symbols up in vars.
func (e Extent) Resolve(vars map[string]int) (int, bool) {
	if e.IsConst() {
		return e.value, true
	}
	v, ok := vars[e.name]
	return v, ok
}

func (e Extent) String() string {
	if e.IsConst() {
		return strconv.Itoa(e.value)
	}
	return e.name
}
