package filter

import "fmt"

// ParseError is the closed set of failures the lexer/parser can report,
// matching the FilterParse/FilterDepth error codes of the host boundary.
type ParseError struct {
	Kind    string // "UnexpectedToken", "UnterminatedString", "UnknownOperator", "EmptyExpression", "DepthLimitExceeded"
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("filter parse error at %d: %s (%s)", e.Pos, e.Message, e.Kind)
}

func newParseError(kind string, pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Pos: pos, Message: fmt.Sprintf(format, args...)}
}
