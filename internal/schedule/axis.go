package schedule

import (
	"fmt"
)

// RelationKind tells split relations from fuse relations.
type RelationKind int

const (
	SplitRelation RelationKind = iota
	FuseRelation
)

// SplitMode is the parameterisation of a split.
type SplitMode int

const (
	// ByFactor fixes the inner extent.
	ByFactor SplitMode = iota
	// ByNParts fixes the outer extent.
	ByNParts
)

// Relation is one edge group of the axis DAG.
//
// For a split, Parent is divided into Outer and Inner with
// Parent = Outer*extent(Inner) + Inner. For a fuse, Outer and Inner are merged into
// Parent (the fused axis) with Outer = Parent / extent(Inner) and
// Inner = Parent % extent(Inner).
type Relation struct {
	Kind   RelationKind
	Parent AxisID
	Outer  AxisID
	Inner  AxisID
	Mode   SplitMode
	Value  int
}

// SplitOf returns the split in rels whose outer and inner axes are exactly outer and
// inner.
func SplitOf(rels []Relation, outer, inner AxisID) (Relation, bool) {
	for _, r := range rels {
		if r.Kind == SplitRelation && r.Outer == outer && r.Inner == inner {
			return r, true
		}
	}
	return Relation{}, false
}

// SplitArg parameterises Split: Factor(f) or NParts(n).
type SplitArg interface {
	splitParams() (SplitMode, int)
}

// Factor splits so that the inner axis has extent f.
type Factor int

// NParts splits so that the outer axis has extent n.
type NParts int

func (f Factor) splitParams() (SplitMode, int) { return ByFactor, int(f) }
func (n NParts) splitParams() (SplitMode, int) { return ByNParts, int(n) }

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// SplitExtents returns the outer and inner extents of splitting extent e.
func SplitExtents(e int, mode SplitMode, value int) (outer, inner int) {
	if mode == ByFactor {
		return ceilDiv(e, value), value
	}
	return value, ceilDiv(e, value)
}

func (s *Schedule) relationString(r Relation) string {
	name := func(a AxisID) string { return s.axes[a].name }
	if r.Kind == FuseRelation {
		return fmt.Sprintf("fuse(%s, %s) -> %s", name(r.Outer), name(r.Inner), name(r.Parent))
	}
	param := "factor"
	if r.Mode == ByNParts {
		param = "nparts"
	}
	return fmt.Sprintf("split(%s, %s=%d) -> %s, %s", name(r.Parent), param, r.Value, name(r.Outer), name(r.Inner))
}
