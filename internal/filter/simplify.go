package filter

// Simplify runs a constant-folding pass that collapses obvious tautologies
// and contradictions: AND(TRUE,x)->x, AND(FALSE,_)->FALSE, OR(TRUE,_)->TRUE,
// NOT(NOT(x))->x. It never changes eval() semantics for any metadata value.
func Simplify(n Node) Node {
	switch v := n.(type) {
	case *Const:
		return v

	case *Comparison:
		return v

	case *Not:
		inner := Simplify(v.Operand)
		if c, ok := inner.(*Const); ok {
			return &Const{Value: !c.Value}
		}
		if nn, ok := inner.(*Not); ok {
			return nn.Operand
		}
		return &Not{Operand: inner}

	case *And:
		var kept []Node
		for _, op := range v.Operands {
			s := Simplify(op)
			if c, ok := s.(*Const); ok {
				if !c.Value {
					return &Const{Value: false}
				}
				continue // drop TRUE operands
			}
			kept = append(kept, s)
		}
		switch len(kept) {
		case 0:
			return &Const{Value: true}
		case 1:
			return kept[0]
		default:
			return &And{Operands: kept}
		}

	case *Or:
		var kept []Node
		for _, op := range v.Operands {
			s := Simplify(op)
			if c, ok := s.(*Const); ok {
				if c.Value {
					return &Const{Value: true}
				}
				continue // drop FALSE operands
			}
			kept = append(kept, s)
		}
		switch len(kept) {
		case 0:
			return &Const{Value: false}
		case 1:
			return kept[0]
		default:
			return &Or{Operands: kept}
		}

	default:
		return n
	}
}

// IsTautology reports whether n simplifies to the constant TRUE.
func IsTautology(n Node) bool {
	c, ok := Simplify(n).(*Const)
	return ok && c.Value
}

// IsContradiction reports whether n simplifies to the constant FALSE.
func IsContradiction(n Node) bool {
	c, ok := Simplify(n).(*Const)
	return ok && !c.Value
}
