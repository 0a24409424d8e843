package simt

import (
	"math"

	"github.com/born-ml/kernelgen/internal/lower"
	"github.com/pkg/errors"
)

func intOp(op lower.Op) (func(a, b int) int, error) {
	switch op {
	case lower.Add:
		return func(a, b int) int { return a + b }, nil
	case lower.Sub:
		return func(a, b int) int { return a - b }, nil
	case lower.Mul:
		return func(a, b int) int { return a * b }, nil
	case lower.Div:
		return func(a, b int) int {
			if b == 0 {
				return 0
			}
			return a / b
		}, nil
	case lower.Mod:
		return func(a, b int) int {
			if b == 0 {
				return 0
			}
			return a % b
		}, nil
	case lower.Min:
		return func(a, b int) int { return min(a, b) }, nil
	case lower.Max:
		return func(a, b int) int { return max(a, b) }, nil
	case lower.LT:
		return func(a, b int) int {
			if a < b {
				return 1
			}
			return 0
		}, nil
	case lower.And:
		return func(a, b int) int {
			if a != 0 && b != 0 {
				return 1
			}
			return 0
		}, nil
	}
	return nil, errors.Errorf("unsupported integer operator %s", op)
}

func floatOp(op lower.Op) (func(a, b float64) float64, error) {
	switch op {
	case lower.Add:
		return func(a, b float64) float64 { return a + b }, nil
	case lower.Sub:
		return func(a, b float64) float64 { return a - b }, nil
	case lower.Mul:
		return func(a, b float64) float64 { return a * b }, nil
	case lower.Div:
		return func(a, b float64) float64 { return a / b }, nil
	case lower.Mod:
		return math.Mod, nil
	case lower.Min:
		return math.Min, nil
	case lower.Max:
		return math.Max, nil
	}
	return nil, errors.Errorf("unsupported floating point operator %s", op)
}

// intExpr compiles e as integer lanes: indices, conditions and integer values.
func (c *compiler) intExpr(e lower.Expr) (intFn, error) {
	switch n := e.(type) {
	case *lower.IntImm:
		slot := c.intSlot()
		c.p.intConsts = append(c.p.intConsts, intConst{slot: slot, value: n.Value})
		return func(st *state) []int { return st.ints[slot] }, nil

	case *lower.FloatImm:
		slot := c.intSlot()
		c.p.intConsts = append(c.p.intConsts, intConst{slot: slot, value: int(n.Value)})
		return func(st *state) []int { return st.ints[slot] }, nil

	case *lower.Var:
		v, ok := c.vars[n]
		if !ok {
			return nil, errors.Errorf("variable %s used outside its loop", n.Name)
		}
		slot := c.intSlot()
		return func(st *state) []int {
			out := st.ints[slot]
			x := st.vars[v]
			for t := range out {
				out[t] = x
			}
			return out
		}, nil

	case *lower.HWIndex:
		comp := n.Dim.Component()
		if n.Dim.IsThread() {
			tid := c.p.tid[comp]
			return func(*state) []int { return tid }, nil
		}
		slot := c.intSlot()
		c.p.blockIndices = append(c.p.blockIndices, blockIndex{slot: slot, component: comp})
		return func(st *state) []int { return st.ints[slot] }, nil

	case *lower.Load:
		load, err := c.floatExpr(n)
		if err != nil {
			return nil, err
		}
		slot := c.intSlot()
		return func(st *state) []int {
			out, v := st.ints[slot], load(st)
			for t := range out {
				out[t] = int(v[t])
			}
			return out
		}, nil

	case *lower.BinOp:
		a, err := c.intExpr(n.A)
		if err != nil {
			return nil, err
		}
		b, err := c.intExpr(n.B)
		if err != nil {
			return nil, err
		}
		op, err := intOp(n.Op)
		if err != nil {
			return nil, err
		}
		slot := c.intSlot()
		return func(st *state) []int {
			out, x, y := st.ints[slot], a(st), b(st)
			for t := range out {
				out[t] = op(x[t], y[t])
			}
			return out
		}, nil
	}
	return nil, errors.Errorf("unsupported expression %T", e)
}

// floatExpr compiles e as floating point lanes. Integer-typed sub-expressions keep
// integer semantics and are converted at the boundary.
func (c *compiler) floatExpr(e lower.Expr) (floatFn, error) {
	if !lower.TypeOf(e).IsFloat() {
		if _, isLoad := e.(*lower.Load); !isLoad {
			ints, err := c.intExpr(e)
			if err != nil {
				return nil, err
			}
			slot := c.floatSlot()
			return func(st *state) []float64 {
				out, x := st.floats[slot], ints(st)
				for t := range out {
					out[t] = float64(x[t])
				}
				return out
			}, nil
		}
	}

	switch n := e.(type) {
	case *lower.FloatImm:
		slot := c.floatSlot()
		c.p.floatConsts = append(c.p.floatConsts, floatConst{slot: slot, value: n.Value})
		return func(st *state) []float64 { return st.floats[slot] }, nil

	case *lower.Load:
		ref, err := c.buffer(n.Buffer)
		if err != nil {
			return nil, err
		}
		index, err := c.intExpr(n.Index)
		if err != nil {
			return nil, err
		}
		slot := c.floatSlot()
		return func(st *state) []float64 {
			out, ix := st.floats[slot], index(st)
			mem := st.memory(ref)
			for t, active := range st.mask {
				if !active {
					out[t] = 0
					continue
				}
				addr, ok := st.address(ref, t, ix[t])
				if !ok {
					out[t] = 0
					continue
				}
				out[t] = mem[addr]
			}
			return out
		}, nil

	case *lower.BinOp:
		a, err := c.floatExpr(n.A)
		if err != nil {
			return nil, err
		}
		b, err := c.floatExpr(n.B)
		if err != nil {
			return nil, err
		}
		op, err := floatOp(n.Op)
		if err != nil {
			return nil, err
		}
		slot := c.floatSlot()
		return func(st *state) []float64 {
			out, x, y := st.floats[slot], a(st), b(st)
			for t := range out {
				out[t] = op(x[t], y[t])
			}
			return out
		}, nil
	}
	return nil, errors.Errorf("unsupported expression %T", e)
}
