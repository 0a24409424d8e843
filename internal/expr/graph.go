package expr

// Walk visits e and its children in pre-order. Children are skipped when visit
// returns false.
func Walk(e Expr, visit func(Expr) bool) {
	if e == nil || !visit(e) {
		return
	}
	switch n := e.(type) {
	case *Load:
		for _, idx := range n.Indices {
			Walk(idx, visit)
		}
	case *Binary:
		Walk(n.A, visit)
		Walk(n.B, visit)
	case *Reduction:
		Walk(n.Source, visit)
	}
}

// Rewrite rebuilds e bottom-up, replacing each node by fn(node) after its children
// were rewritten. fn returns its argument to keep a node.
func Rewrite(e Expr, fn func(Expr) Expr) Expr {
	switch n := e.(type) {
	case *Load:
		indices := make([]Expr, len(n.Indices))
		for i, idx := range n.Indices {
			indices[i] = Rewrite(idx, fn)
		}
		return fn(&Load{Tensor: n.Tensor, Indices: indices})
	case *Binary:
		return fn(&Binary{Op: n.Op, A: Rewrite(n.A, fn), B: Rewrite(n.B, fn)})
	case *Reduction:
		return fn(&Reduction{Op: n.Op, Source: Rewrite(n.Source, fn), Axes: n.Axes})
	default:
		return fn(e)
	}
}

// ReplaceTensors returns e with loads of the keys of m redirected to the values.
func ReplaceTensors(e Expr, m map[*Tensor]*Tensor) Expr {
	return Rewrite(e, func(n Expr) Expr {
		if l, ok := n.(*Load); ok {
			if to, found := m[l.Tensor]; found {
				return &Load{Tensor: to, Indices: l.Indices}
			}
		}
		return n
	})
}

// ReplaceAxes returns e with axes substituted by m. Reduction axes listed in m are
// renamed when the replacement is an *IterVar.
func ReplaceAxes(e Expr, m map[*IterVar]Expr) Expr {
	return Rewrite(e, func(n Expr) Expr {
		switch v := n.(type) {
		case *IterVar:
			if to, found := m[v]; found {
				return to
			}
		case *Reduction:
			axes := make([]*IterVar, len(v.Axes))
			for i, a := range v.Axes {
				axes[i] = a
				if to, found := m[a].(*IterVar); found {
					axes[i] = to
				}
			}
			return &Reduction{Op: v.Op, Source: v.Source, Axes: axes}
		}
		return n
	})
}

// Loads returns the loads of e in evaluation order.
func Loads(e Expr) []*Load {
	var loads []*Load
	Walk(e, func(n Expr) bool {
		if l, ok := n.(*Load); ok {
			loads = append(loads, l)
		}
		return true
	})
	return loads
}

// Inputs returns the distinct tensors read by t's body, in order of first use.
func Inputs(t *Tensor) []*Tensor {
	if t.IsPlaceholder() {
		return nil
	}
	var inputs []*Tensor
	seen := make(map[*Tensor]bool)
	for _, l := range Loads(t.Op.Body) {
		if !seen[l.Tensor] {
			seen[l.Tensor] = true
			inputs = append(inputs, l.Tensor)
		}
	}
	return inputs
}

// PostOrder returns every tensor reachable from outputs, producers before consumers.
func PostOrder(outputs ...*Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		for _, in := range Inputs(t) {
			visit(in)
		}
		order = append(order, t)
	}
	for _, out := range outputs {
		visit(out)
	}
	return order
}
