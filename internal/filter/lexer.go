// Package filter implements the row filter language used by the FILTER
// command: a small SQL-like boolean and arithmetic expression grammar that is
// parsed once and evaluated against every row of a merged table.
package filter

import (
	"fmt"
	"strings"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber
	TokenHex
	TokenString

	// Keywords
	TokenAnd
	TokenOr
	TokenNot
	TokenLike

	// Operators
	TokenEq      // = or ==
	TokenNe      // !=
	TokenLtGt    // <>, lexed but rejected by the parser
	TokenLt      // <
	TokenGt      // >
	TokenLe      // <=
	TokenGe      // >=
	TokenPlus    // +
	TokenMinus   // -
	TokenStar    // *
	TokenSlash   // /
	TokenPercent // %
	TokenLParen  // (
	TokenRParen  // )
	TokenComma   // ,
)

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenError:   "ERROR",
	TokenIdent:   "IDENT",
	TokenNumber:  "NUMBER",
	TokenHex:     "HEX",
	TokenString:  "STRING",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
	TokenLike:    "LIKE",
	TokenEq:      "=",
	TokenNe:      "!=",
	TokenLtGt:    "<>",
	TokenLt:      "<",
	TokenGt:      ">",
	TokenLe:      "<=",
	TokenGe:      ">=",
	TokenPlus:    "+",
	TokenMinus:   "-",
	TokenStar:    "*",
	TokenSlash:   "/",
	TokenPercent: "%",
	TokenLParen:  "(",
	TokenRParen:  ")",
	TokenComma:   ",",
}

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d}", t.Type.String(), t.Literal, t.Pos)
}

var keywords = map[string]TokenType{
	"AND":  TokenAnd,
	"OR":   TokenOr,
	"NOT":  TokenNot,
	"LIKE": TokenLike,
}

// Lexer tokenizes filter text.
type Lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	startPos := l.pos
	var tok Token

	switch l.ch {
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenEq, Literal: "==", Pos: startPos}
		} else {
			tok = Token{Type: TokenEq, Literal: "=", Pos: startPos}
		}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenLe, Literal: "<=", Pos: startPos}
		} else if l.peekChar() == '>' {
			l.readChar()
			tok = Token{Type: TokenLtGt, Literal: "<>", Pos: startPos}
		} else {
			tok = Token{Type: TokenLt, Literal: "<", Pos: startPos}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenGe, Literal: ">=", Pos: startPos}
		} else {
			tok = Token{Type: TokenGt, Literal: ">", Pos: startPos}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "!=", Pos: startPos}
		} else {
			tok = Token{Type: TokenError, Literal: "!", Pos: startPos}
		}
	case '+':
		tok = Token{Type: TokenPlus, Literal: "+", Pos: startPos}
	case '-':
		tok = Token{Type: TokenMinus, Literal: "-", Pos: startPos}
	case '*':
		tok = Token{Type: TokenStar, Literal: "*", Pos: startPos}
	case '/':
		tok = Token{Type: TokenSlash, Literal: "/", Pos: startPos}
	case '%':
		tok = Token{Type: TokenPercent, Literal: "%", Pos: startPos}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "(", Pos: startPos}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")", Pos: startPos}
	case ',':
		tok = Token{Type: TokenComma, Literal: ",", Pos: startPos}
	case '\'', '"':
		tok = l.readString(l.ch)
	case 0:
		return Token{Type: TokenEOF, Literal: "", Pos: startPos}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			return l.readIdentifier()
		} else if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
			return l.readHex()
		} else if isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())) {
			return l.readNumber()
		}
		tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
	}

	l.readChar()
	return tok
}

// readIdentifier reads an identifier or keyword. Dots are allowed after the
// first character so qualified names such as SAMPLE.id lex as one token.
func (l *Lexer) readIdentifier() Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '.' {
		l.readChar()
	}
	literal := l.input[start:l.pos]

	if tokType, ok := keywords[strings.ToUpper(literal)]; ok {
		return Token{Type: tokType, Literal: strings.ToUpper(literal), Pos: start}
	}
	return Token{Type: TokenIdent, Literal: literal, Pos: start}
}

// readNumber reads a decimal literal with at most one dot.
func (l *Lexer) readNumber() Token {
	start := l.pos
	hasDecimal := false
	for isDigit(l.ch) || (l.ch == '.' && !hasDecimal) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: start}
}

// readHex reads a 0x prefixed literal. The literal excludes the prefix.
func (l *Lexer) readHex() Token {
	start := l.pos
	l.readChar()
	l.readChar()
	digits := l.pos
	for isHexDigit(l.ch) {
		l.readChar()
	}
	if l.pos == digits {
		return Token{Type: TokenError, Literal: l.input[start:l.pos], Pos: start}
	}
	return Token{Type: TokenHex, Literal: l.input[digits:l.pos], Pos: start}
}

// readString reads a literal quoted with quote. A doubled quote character
// inside the literal stands for one quote.
func (l *Lexer) readString(quote byte) Token {
	startPos := l.pos
	var sb strings.Builder
	l.readChar()
	for {
		if l.ch == 0 {
			return Token{Type: TokenError, Literal: "unterminated string", Pos: startPos}
		}
		if l.ch == quote {
			if l.peekChar() == quote {
				sb.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			break
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
	// The closing quote is consumed by NextToken.
	return Token{Type: TokenString, Literal: sb.String(), Pos: startPos}
}

// Tokenize returns all tokens up to and including EOF or the first error.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}
