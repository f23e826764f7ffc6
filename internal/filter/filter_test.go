package filter

import (
	"testing"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{
			"duration > 1000 AND kernel_name LIKE 'gemm%'",
			[]TokenType{TokenIdent, TokenGt, TokenNumber, TokenAnd, TokenIdent, TokenLike, TokenString, TokenEOF},
		},
		{
			"a == 0x1F or not b != \"x\"",
			[]TokenType{TokenIdent, TokenEq, TokenHex, TokenOr, TokenNot, TokenIdent, TokenNe, TokenString, TokenEOF},
		},
		{
			"(x + 1.5) * 2 % 3 <= y - z / 4",
			[]TokenType{TokenLParen, TokenIdent, TokenPlus, TokenNumber, TokenRParen, TokenStar, TokenNumber,
				TokenPercent, TokenNumber, TokenLe, TokenIdent, TokenMinus, TokenIdent, TokenSlash, TokenNumber, TokenEOF},
		},
		{
			"a <> 1",
			[]TokenType{TokenIdent, TokenLtGt, TokenNumber, TokenEOF},
		},
		{
			"a = 'oops",
			[]TokenType{TokenIdent, TokenEq, TokenError},
		},
	}

	for _, tt := range tests {
		tokens := NewLexer(tt.input).Tokenize()
		if len(tokens) != len(tt.expected) {
			t.Errorf("input %q: expected %d tokens, got %d (%v)", tt.input, len(tt.expected), len(tokens), tokens)
			continue
		}
		for i, tok := range tokens {
			if tok.Type != tt.expected[i] {
				t.Errorf("input %q: token %d: expected %s, got %s", tt.input, i, tt.expected[i], tok.Type)
			}
		}
	}
}

func TestLexerStringEscapes(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`'it''s'`, "it's"},
		{`"say ""hi"""`, `say "hi"`},
		{`''`, ""},
	}
	for _, tt := range tests {
		tok := NewLexer(tt.input).NextToken()
		if tok.Type != TokenString || tok.Literal != tt.want {
			t.Errorf("input %s: got %s %q, want STRING %q", tt.input, tok.Type, tok.Literal, tt.want)
		}
	}
}

func TestLexerKeywordBoundary(t *testing.T) {
	tokens := NewLexer("ORDER_ID = 1 AND android = 2").Tokenize()
	if tokens[0].Type != TokenIdent || tokens[0].Literal != "ORDER_ID" {
		t.Errorf("ORDER_ID should lex as an identifier, got %v", tokens[0])
	}
	if tokens[4].Type != TokenIdent || tokens[4].Literal != "android" {
		t.Errorf("android should lex as an identifier, got %v", tokens[4])
	}
}

func TestEvaluate(t *testing.T) {
	row := MapRow{
		"duration":    Num(1500),
		"kernel_name": Str("GEMM_fp16_kernel"),
		"queue":       Num(3),
		"category":    Str("KERNEL_DISPATCH"),
		"empty":       Str(""),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"duration > 1000", true},
		{"duration >= 1500", true},
		{"duration < 1500", false},
		{"duration <= 1500", true},
		{"duration = 1500", true},
		{"duration == 1500", true},
		{"duration != 1500", false},
		{"kernel_name LIKE 'gemm%'", true},
		{"kernel_name LIKE 'GEMM_fp16_kernel'", true},
		{"kernel_name LIKE 'gemm'", false},
		{"kernel_name LIKE '%fp__%'", true},
		{"kernel_name NOT LIKE 'gemm%'", false},
		{"kernel_name LIKE 'gemm.fp16%'", false},
		{"duration > 1000 AND kernel_name LIKE 'gemm%'", true},
		{"duration > 2000 OR queue = 3", true},
		{"NOT duration > 2000", true},
		{"NOT (duration > 1000 AND queue = 3)", false},
		{"(duration > 2000 OR queue = 3) AND category = 'KERNEL_DISPATCH'", true},
		{"category = 'KERNEL_DISPATCH'", true},
		{"category != 'KERNEL_DISPATCH'", false},
		{"category < 'Z'", false},
		{"category = 3", false},
		{"category != 3", false},
		{"duration / 3 = 500", true},
		{"duration - 500 * 2 = 500", true},
		{"(duration - 500) * 2 = 2000", true},
		{"duration % 7 = 2", true},
		{"duration / 0 = 0", true},
		{"duration % 0 = 0", true},
		{"10 % 0 = 0 AND 10 / 0 = 0", true},
		{"queue = 0x3", true},
		{"-duration < 0", true},
		{"empty = ''", true},
	}

	for _, tt := range tests {
		expr, err := Parse(tt.expr)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.expr, err)
			continue
		}
		got, err := expr.Evaluate(row)
		if err != nil {
			t.Errorf("Evaluate(%q): unexpected error: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	row := MapRow{"duration": Num(10), "name": Str("x")}
	tests := []struct {
		expr string
		code string
	}{
		{"missing = 1", terrors.CodeUnknownColumn},
		{"duration LIKE 'x%'", terrors.CodeTypeMismatch},
		{"name + 1 = 2", terrors.CodeTypeMismatch},
	}
	for _, tt := range tests {
		expr, err := Parse(tt.expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.expr, err)
		}
		_, err = expr.Evaluate(row)
		if err == nil {
			t.Errorf("Evaluate(%q): expected error", tt.expr)
			continue
		}
		if terrors.GetCode(err) != tt.code {
			t.Errorf("Evaluate(%q): code %q, want %q", tt.expr, terrors.GetCode(err), tt.code)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		expr string
		code string
	}{
		{"(duration > 1", terrors.CodeUnmatchedParen},
		{"duration 1000", terrors.CodeUnknownOperator},
		{"duration <> 1000", terrors.CodeUnknownOperator},
		{"duration >", terrors.CodeParseError},
		{"name NOT 'x'", terrors.CodeParseError},
		{"", terrors.CodeParseError},
		{"a = 1 b", terrors.CodeParseError},
		{"a = 'open", terrors.CodeParseError},
		{"a = (1 + 2", terrors.CodeUnmatchedParen},
	}
	for _, tt := range tests {
		_, err := Parse(tt.expr)
		if err == nil {
			t.Errorf("Parse(%q): expected error", tt.expr)
			continue
		}
		if !terrors.IsParse(err) {
			t.Errorf("Parse(%q): expected PARSE category, got %v", tt.expr, err)
		}
		if terrors.GetCode(err) != tt.code {
			t.Errorf("Parse(%q): code %q, want %q (%v)", tt.expr, terrors.GetCode(err), tt.code, err)
		}
	}
}

func TestParseParenthesizedArithmetic(t *testing.T) {
	expr, err := Parse("(a + b) > 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := expr.Evaluate(MapRow{"a": Num(2), "b": Num(2)})
	if err != nil || !got {
		t.Errorf("got %v, %v; want true", got, err)
	}
	if expr.String() != "(a + b) > 3" {
		t.Errorf("String() = %q", expr.String())
	}
}

func TestPrecedence(t *testing.T) {
	expr, err := Parse("a = 1 OR b = 1 AND c = 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := expr.Root().(*OrNode); !ok {
		t.Fatalf("expected OR at the root, got %T", expr.Root())
	}
	got, _ := expr.Evaluate(MapRow{"a": Num(1), "b": Num(0), "c": Num(0)})
	if !got {
		t.Error("AND should bind tighter than OR")
	}
}

func TestClone(t *testing.T) {
	expr, err := Parse("x LIKE 'a%' AND NOT y > 2 * (z + 1)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cp := expr.Clone()
	if cp.String() != expr.String() {
		t.Errorf("clone renders %q, want %q", cp.String(), expr.String())
	}
	if cp.Root() == expr.Root() {
		t.Error("clone should not share the root node")
	}
	if cp.Text() != expr.Text() {
		t.Error("clone should keep the source text")
	}
}

func TestLikePattern(t *testing.T) {
	tests := []struct {
		pattern, text string
		want          bool
	}{
		{"a%", "ABC", true},
		{"a_c", "abc", true},
		{"a_c", "abbc", false},
		{"%", "", true},
		{"a.c", "abc", false},
		{"a.c", "a.c", true},
		{"(x)", "(X)", true},
		{"100%", "100 percent", true},
		{"%[0]%", "v[0]", true},
		{"line%", "line1\nline2", true},
	}
	for _, tt := range tests {
		got, err := MatchLike(tt.text, tt.pattern)
		if err != nil {
			t.Fatalf("MatchLike(%q, %q): %v", tt.text, tt.pattern, err)
		}
		if got != tt.want {
			t.Errorf("MatchLike(%q, %q) = %v, want %v", tt.text, tt.pattern, got, tt.want)
		}
	}
}
