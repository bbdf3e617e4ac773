package filter

import "strings"

// DefaultMaxDepth bounds recursive-descent nesting so adversarial input
// (e.g. deeply nested NOT NOT NOT ...) cannot overflow the goroutine stack.
const DefaultMaxDepth = 50

// Parser turns filter text into an AST per the grammar:
//
//	expr       := or
//	or         := and ("OR" and)*
//	and        := not ("AND" not)*
//	not        := "NOT" not | primary
//	primary    := "(" expr ")" | comparison
//	comparison := path op value
//	            | path "IS" "NOT"? "NULL"
//	            | path "BETWEEN" value "AND" value
//	            | path ("IN" | "NOT" "IN") "(" value ("," value)* ")"
//	            | path ("CONTAINS" | "STARTS_WITH" | "ENDS_WITH") string
//	            | value op value   (folded to a constant at parse time)
//	path       := ident ("." ident | "." integer)*
type Parser struct {
	toks     []token
	pos      int
	maxDepth int
}

// Parse parses a filter expression using DefaultMaxDepth.
func Parse(src string) (Node, error) {
	return ParseWithDepth(src, DefaultMaxDepth)
}

// ParseWithDepth parses a filter expression with an explicit recursion
// depth cap.
func ParseWithDepth(src string, maxDepth int) (Node, error) {
	lx := newLexer(src)
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}

	if len(toks) == 1 { // only EOF
		return nil, newParseError("EmptyExpression", 0, "empty filter expression")
	}

	p := &Parser{toks: toks, maxDepth: maxDepth}
	node, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, newParseError("UnexpectedToken", p.cur().pos, "unexpected trailing input")
	}
	return node, nil
}

func (p *Parser) cur() token  { return p.toks[p.pos] }
func (p *Parser) advance()    { p.pos++ }

func (p *Parser) checkDepth(depth int) error {
	if depth > p.maxDepth {
		return newParseError("DepthLimitExceeded", p.cur().pos, "recursion depth limit %d exceeded", p.maxDepth)
	}
	return nil
}

// isKeyword reports whether the current token is an identifier token whose
// text matches kw case-insensitively (reserved words are case-insensitive).
func (p *Parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *Parser) parseExpr(depth int) (Node, error) {
	if err := p.checkDepth(depth); err != nil {
		return nil, err
	}
	return p.parseOr(depth + 1)
}

func (p *Parser) parseOr(depth int) (Node, error) {
	if err := p.checkDepth(depth); err != nil {
		return nil, err
	}
	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &Or{Operands: operands}, nil
}

func (p *Parser) parseAnd(depth int) (Node, error) {
	if err := p.checkDepth(depth); err != nil {
		return nil, err
	}
	left, err := p.parseNot(depth + 1)
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &And{Operands: operands}, nil
}

func (p *Parser) parseNot(depth int) (Node, error) {
	if err := p.checkDepth(depth); err != nil {
		return nil, err
	}
	if p.isKeyword("NOT") {
		p.advance()
		operand, err := p.parseNot(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Not{Operand: operand}, nil
	}
	return p.parsePrimary(depth + 1)
}

func (p *Parser) parsePrimary(depth int) (Node, error) {
	if err := p.checkDepth(depth); err != nil {
		return nil, err
	}
	if p.cur().kind == tokLParen {
		p.advance()
		node, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tokRParen {
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected ')'")
		}
		p.advance()
		return node, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Node, error) {
	switch p.cur().kind {
	case tokInt, tokFloat, tokString:
		return p.parseLiteralComparison()
	case tokIdent:
		if kw, isKw := keyword(p.cur().text); isKw {
			if kw == "TRUE" || kw == "FALSE" {
				return p.parseLiteralComparison()
			}
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected field path, got reserved word %q", kw)
		}
	default:
		return nil, newParseError("UnexpectedToken", p.cur().pos, "expected field path")
	}

	path := p.cur().text
	p.advance()

	switch {
	case p.cur().kind == tokOp:
		opText := p.cur().text
		p.advance()
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		op, ok := opFromSymbol(opText)
		if !ok {
			return nil, newParseError("UnknownOperator", p.cur().pos, "unknown operator %q", opText)
		}
		return &Comparison{Path: path, Op: op, Value: value}, nil

	case p.isKeyword("IS"):
		p.advance()
		op := OpIsNull
		if p.isKeyword("NOT") {
			p.advance()
			op = OpIsNotNull
		}
		if !p.isKeyword("NULL") {
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected NULL after IS [NOT]")
		}
		p.advance()
		return &Comparison{Path: path, Op: op}, nil

	case p.isKeyword("BETWEEN"):
		p.advance()
		low, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if !p.isKeyword("AND") {
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected AND in BETWEEN clause")
		}
		p.advance()
		high, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &Comparison{Path: path, Op: OpBetween, Low: low, High: high}, nil

	case p.isKeyword("IN") || p.isKeyword("NOT"):
		op := OpIn
		if p.isKeyword("NOT") {
			p.advance()
			if !p.isKeyword("IN") {
				return nil, newParseError("UnexpectedToken", p.cur().pos, "expected IN after NOT")
			}
			op = OpNotIn
		}
		p.advance() // consume IN
		if p.cur().kind != tokLParen {
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected '(' to start IN list")
		}
		p.advance()
		var values []interface{}
		for {
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.cur().kind == tokComma {
				p.advance()
				continue
			}
			break
		}
		if p.cur().kind != tokRParen {
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected ')' to close IN list")
		}
		p.advance()
		return &Comparison{Path: path, Op: op, Values: values}, nil

	case p.isKeyword("CONTAINS") || p.isKeyword("STARTS_WITH") || p.isKeyword("ENDS_WITH"):
		kw := strings.ToUpper(p.cur().text)
		p.advance()
		if p.cur().kind != tokString {
			return nil, newParseError("UnexpectedToken", p.cur().pos, "expected string literal after %s", kw)
		}
		s := p.cur().sval
		p.advance()
		var op Op
		switch kw {
		case "CONTAINS":
			op = OpContains
		case "STARTS_WITH":
			op = OpStartsWith
		case "ENDS_WITH":
			op = OpEndsWith
		}
		return &Comparison{Path: path, Op: op, Value: s}, nil

	default:
		return nil, newParseError("UnexpectedToken", p.cur().pos, "expected comparison operator")
	}
}

// parseLiteralComparison handles a comparison whose left side is a literal
// rather than a field path (e.g. "1 = 1", "true = true"). There is no
// metadata to resolve, so both sides are already values: the comparison is
// folded into a Const node immediately rather than deferred to Simplify,
// since its result can never depend on the metadata it is later evaluated
// against.
func (p *Parser) parseLiteralComparison() (Node, error) {
	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokOp {
		return nil, newParseError("UnexpectedToken", p.cur().pos, "expected comparison operator after literal")
	}
	opText := p.cur().text
	opPos := p.cur().pos
	p.advance()
	right, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	op, ok := opFromSymbol(opText)
	if !ok {
		return nil, newParseError("UnknownOperator", opPos, "unknown operator %q", opText)
	}
	return &Const{Value: evalResolved(op, true, left, right, nil, nil, nil)}, nil
}

func opFromSymbol(s string) (Op, bool) {
	switch s {
	case "=":
		return OpEq, true
	case "!=":
		return OpNeq, true
	case "<":
		return OpLt, true
	case "<=":
		return OpLte, true
	case ">":
		return OpGt, true
	case ">=":
		return OpGte, true
	default:
		return 0, false
	}
}

// parseValue parses a single literal: integer, float, string, or boolean.
func (p *Parser) parseValue() (interface{}, error) {
	t := p.cur()
	switch t.kind {
	case tokInt:
		p.advance()
		return t.ival, nil
	case tokFloat:
		p.advance()
		return t.fval, nil
	case tokString:
		p.advance()
		return t.sval, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			p.advance()
			return true, nil
		case "FALSE":
			p.advance()
			return false, nil
		}
		return nil, newParseError("UnexpectedToken", t.pos, "expected literal value, got identifier %q", t.text)
	default:
		return nil, newParseError("UnexpectedToken", t.pos, "expected literal value")
	}
}
