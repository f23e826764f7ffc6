package filter

import (
	"fmt"
	"strconv"
	"strings"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Code     string
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("filter parse error at position %d: %s (got %q)", e.Position, e.Message, e.Token.Literal)
}

// Unwrap exposes the error as a PARSE category error.
func (e *ParseError) Unwrap() error {
	return terrors.New(terrors.ErrCategoryParse, e.Code, e.Message)
}

// Expression is a parsed filter. It is immutable and safe for concurrent
// evaluation.
type Expression struct {
	root Node
	text string
}

// Parse parses filter text into an Expression.
func Parse(input string) (*Expression, error) {
	p := newParser(input)
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, p.errorf(terrors.CodeParseError, "unexpected token after expression")
	}
	return &Expression{root: root, text: input}, nil
}

// Evaluate runs the expression against row.
func (e *Expression) Evaluate(row Row) (bool, error) {
	if e == nil || e.root == nil {
		return true, nil
	}
	return e.root.Eval(row)
}

// Clone returns a deep copy of the expression.
func (e *Expression) Clone() *Expression {
	if e == nil {
		return nil
	}
	cp := &Expression{text: e.text}
	if e.root != nil {
		cp.root = e.root.Clone()
	}
	return cp
}

// Root returns the top node.
func (e *Expression) Root() Node { return e.root }

// Text returns the source text the expression was parsed from.
func (e *Expression) Text() string { return e.text }

// String renders the expression in canonical, fully parenthesized form.
func (e *Expression) String() string {
	if e == nil || e.root == nil {
		return ""
	}
	return e.root.String()
}

type parser struct {
	tokens []Token
	pos    int
}

func newParser(input string) *parser {
	return &parser{tokens: NewLexer(input).Tokenize()}
}

func (p *parser) cur() Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) peek() Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) nextToken() {
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
}

func (p *parser) curTokenIs(t TokenType) bool {
	return p.cur().Type == t
}

func (p *parser) errorf(code, format string, args ...interface{}) *ParseError {
	tok := p.cur()
	msg := fmt.Sprintf(format, args...)
	if tok.Type == TokenError {
		msg = "invalid character"
		code = terrors.CodeParseError
	}
	return &ParseError{Code: code, Message: msg, Position: tok.Pos, Token: tok}
}

// parseExpression := term (OR term)*
func (p *parser) parseExpression() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.curTokenIs(TokenOr) {
		p.nextToken()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &OrNode{Left: left, Right: right}
	}
	return left, nil
}

// parseTerm := factor (AND factor)*
func (p *parser) parseTerm() (Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.curTokenIs(TokenAnd) {
		p.nextToken()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &AndNode{Left: left, Right: right}
	}
	return left, nil
}

// parseFactor := NOT factor | '(' expression ')' | condition
//
// A parenthesis may also open an arithmetic operand, as in (a + b) > 3. The
// group form is tried first and the condition form is used when the group
// does not parse or is followed by an operator.
func (p *parser) parseFactor() (Node, error) {
	if p.curTokenIs(TokenNot) {
		p.nextToken()
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &NotNode{Operand: operand}, nil
	}

	if p.curTokenIs(TokenLParen) {
		save := p.pos
		p.nextToken()
		node, groupErr := p.parseExpression()
		if groupErr == nil {
			if p.curTokenIs(TokenRParen) {
				p.nextToken()
				if !isOperatorToken(p.cur().Type) {
					return node, nil
				}
			} else {
				groupErr = p.errorf(terrors.CodeUnmatchedParen, "expected ')' to close expression group")
			}
		}
		p.pos = save
		cond, err := p.parseCondition()
		if err != nil {
			if groupErr != nil {
				return nil, groupErr
			}
			return nil, err
		}
		return cond, nil
	}

	return p.parseCondition()
}

func isOperatorToken(t TokenType) bool {
	switch t {
	case TokenEq, TokenNe, TokenLtGt, TokenLt, TokenLe, TokenGt, TokenGe, TokenLike,
		TokenPlus, TokenMinus, TokenStar, TokenSlash, TokenPercent:
		return true
	}
	return false
}

// parseCondition := arithmetic operator arithmetic
func (p *parser) parseCondition() (Node, error) {
	left, err := p.parseArithmetic()
	if err != nil {
		return nil, err
	}

	cond := &Condition{Left: left}
	switch p.cur().Type {
	case TokenEq:
		cond.Op = OpEq
	case TokenNe:
		cond.Op = OpNe
	case TokenLt:
		cond.Op = OpLt
	case TokenLe:
		cond.Op = OpLe
	case TokenGt:
		cond.Op = OpGt
	case TokenGe:
		cond.Op = OpGe
	case TokenLike:
		cond.Op = OpLike
	case TokenNot:
		if p.peek().Type != TokenLike {
			p.nextToken()
			return nil, p.errorf(terrors.CodeParseError, "expected LIKE after NOT")
		}
		p.nextToken()
		cond.Op = OpLike
		cond.Negate = true
	case TokenLtGt:
		return nil, p.errorf(terrors.CodeUnknownOperator, "unknown operator: %s", p.cur().Literal)
	case TokenEOF:
		return nil, p.errorf(terrors.CodeParseError, "expected operator after %s", left.String())
	default:
		return nil, p.errorf(terrors.CodeUnknownOperator, "expected operator after %s", left.String())
	}
	p.nextToken()

	right, err := p.parseArithmetic()
	if err != nil {
		return nil, err
	}
	cond.Right = right
	return cond, nil
}

// parseArithmetic := term2 ((+|-) term2)*
func (p *parser) parseArithmetic() (Operand, error) {
	left, err := p.parseArithTerm()
	if err != nil {
		return nil, err
	}
	for p.curTokenIs(TokenPlus) || p.curTokenIs(TokenMinus) {
		op := ArithAdd
		if p.curTokenIs(TokenMinus) {
			op = ArithSub
		}
		p.nextToken()
		right, err := p.parseArithTerm()
		if err != nil {
			return nil, err
		}
		left = &Arithmetic{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// parseArithTerm := factor2 ((*|/|%) factor2)*
func (p *parser) parseArithTerm() (Operand, error) {
	left, err := p.parseArithFactor()
	if err != nil {
		return nil, err
	}
	for {
		var op ArithOp
		switch p.cur().Type {
		case TokenStar:
			op = ArithMul
		case TokenSlash:
			op = ArithDiv
		case TokenPercent:
			op = ArithMod
		default:
			return left, nil
		}
		p.nextToken()
		right, err := p.parseArithFactor()
		if err != nil {
			return nil, err
		}
		left = &Arithmetic{Op: op, Left: left, Right: right}
	}
}

// parseArithFactor := '(' arithmetic ')' | string | hex | number | identifier | '-' factor2
func (p *parser) parseArithFactor() (Operand, error) {
	tok := p.cur()
	switch tok.Type {
	case TokenLParen:
		p.nextToken()
		inner, err := p.parseArithmetic()
		if err != nil {
			return nil, err
		}
		if !p.curTokenIs(TokenRParen) {
			return nil, p.errorf(terrors.CodeUnmatchedParen, "expected closing parenthesis")
		}
		p.nextToken()
		return inner, nil
	case TokenString:
		p.nextToken()
		return &StringLiteral{Val: tok.Literal}, nil
	case TokenHex:
		v, err := strconv.ParseUint(tok.Literal, 16, 64)
		if err != nil {
			return nil, p.errorf(terrors.CodeParseError, "invalid hex literal")
		}
		p.nextToken()
		return &NumberLiteral{Val: float64(v)}, nil
	case TokenNumber:
		v, err := strconv.ParseFloat(strings.TrimSuffix(tok.Literal, "."), 64)
		if err != nil {
			return nil, p.errorf(terrors.CodeParseError, "invalid number literal")
		}
		p.nextToken()
		return &NumberLiteral{Val: v}, nil
	case TokenIdent:
		p.nextToken()
		return &ColumnRef{Name: tok.Literal}, nil
	case TokenMinus:
		p.nextToken()
		operand, err := p.parseArithFactor()
		if err != nil {
			return nil, err
		}
		if n, ok := operand.(*NumberLiteral); ok {
			return &NumberLiteral{Val: -n.Val}, nil
		}
		return &Arithmetic{Op: ArithSub, Left: &NumberLiteral{}, Right: operand}, nil
	}
	return nil, p.errorf(terrors.CodeParseError, "expected operand")
}
