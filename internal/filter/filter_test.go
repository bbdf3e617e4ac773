package filter

import (
	"math/rand"
	"testing"
)

func mustParse(t *testing.T, src string) Node {
	t.Helper()
	n, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return n
}

func TestParseComparisonOperators(t *testing.T) {
	cases := []string{
		`cat = 'a'`,
		`price >= 10`,
		`price < 10.5`,
		`tags CONTAINS 'x'`,
		`name STARTS_WITH 'foo'`,
		`name ENDS_WITH 'bar'`,
		`score BETWEEN 1 AND 10`,
		`cat IN ('a', 'b', 'c')`,
		`cat NOT IN ('a', 'b')`,
		`deleted_at IS NULL`,
		`deleted_at IS NOT NULL`,
		`NOT (cat = 'a')`,
		`cat = 'a' AND price > 1 OR NOT active = true`,
		`meta.nested.0 = 1`,
	}
	for _, src := range cases {
		if _, err := Parse(src); err != nil {
			t.Errorf("Parse(%q) failed: %v", src, err)
		}
	}
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	n1, err := Parse(`cat = 'a' and price > 1 or not active = true`)
	if err != nil {
		t.Fatalf("lowercase keywords: %v", err)
	}
	n2, err := Parse(`cat = 'a' AND price > 1 OR NOT active = true`)
	if err != nil {
		t.Fatalf("uppercase keywords: %v", err)
	}
	m := map[string]interface{}{"cat": "a", "price": int64(2), "active": false}
	if Eval(n1, m) != Eval(n2, m) {
		t.Fatalf("case-insensitive keyword parse produced different eval results")
	}
}

func TestParseEmptyExpression(t *testing.T) {
	_, err := Parse("")
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != "EmptyExpression" {
		t.Fatalf("expected EmptyExpression error, got %v", err)
	}
}

func TestParseDepthLimit(t *testing.T) {
	src := ""
	for i := 0; i < 200; i++ {
		src += "NOT ("
	}
	src += "a = 1"
	for i := 0; i < 200; i++ {
		src += ")"
	}
	_, err := Parse(src)
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != "DepthLimitExceeded" {
		t.Fatalf("expected DepthLimitExceeded, got %v", err)
	}
}

func TestEvalAbsentPathIsFalseNotError(t *testing.T) {
	n := mustParse(t, `missing.field = 1`)
	if Eval(n, map[string]interface{}{}) {
		t.Fatalf("absent path should evaluate to false")
	}

	n2 := mustParse(t, `missing NOT IN (1, 2)`)
	if Eval(n2, map[string]interface{}{}) {
		t.Fatalf("NOT IN on absent path must still be false per spec")
	}

	n3 := mustParse(t, `missing IS NULL`)
	if Eval(n3, map[string]interface{}{}) {
		t.Fatalf("IS NULL on an absent path must be false")
	}
}

func TestEvalStrictTypeEquality(t *testing.T) {
	n := mustParse(t, `cat = 1`)
	if Eval(n, map[string]interface{}{"cat": "1"}) {
		t.Fatalf("string must never equal number under strict type-match equality")
	}
}

func TestSimplifyPreservesSemantics(t *testing.T) {
	exprs := []string{
		`cat = 'a' AND true = true`,
		`cat = 'a' OR false = true`,
		`NOT (NOT (cat = 'a'))`,
		`cat = 'a' AND cat = 'b'`,
	}
	metadatas := []interface{}{
		map[string]interface{}{"cat": "a"},
		map[string]interface{}{"cat": "b"},
		map[string]interface{}{},
		nil,
	}

	for _, src := range exprs {
		n := mustParse(t, src)
		simplified := Simplify(n)
		for _, m := range metadatas {
			if Eval(n, m) != Eval(simplified, m) {
				t.Errorf("simplify changed semantics for %q on %v", src, m)
			}
		}
	}
}

func TestTautologyAndContradiction(t *testing.T) {
	if !IsTautology(mustParse(t, `1 = 1`)) {
		t.Fatalf("1 = 1 should simplify to TRUE")
	}
	if !IsContradiction(mustParse(t, `1 = 2`)) {
		t.Fatalf("1 = 2 should simplify to FALSE")
	}
}

func TestEvalTotalOverRandomASTsAndMetadata(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fields := []string{"a", "b", "c", "missing"}
	ops := []string{"=", "!=", "<", ">"}

	for i := 0; i < 200; i++ {
		field := fields[rng.Intn(len(fields))]
		op := ops[rng.Intn(len(ops))]
		n := mustParse(t, field+" "+op+" 1")

		var m interface{}
		switch rng.Intn(3) {
		case 0:
			m = map[string]interface{}{"a": rng.Int63()}
		case 1:
			m = nil
		case 2:
			m = map[string]interface{}{"a": "x"}
		}

		// eval must never panic and always return a bool; the call itself
		// is the assertion.
		_ = Eval(n, m)
	}
}
