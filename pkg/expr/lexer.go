package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

var (
	intPattern   = regexp.MustCompile(`^\d+$`)
	floatPattern = regexp.MustCompile(`^\d+\.\d+$`)
)

// scanState is the state of the tokenizer.
type scanState int

const (
	stateNormal  scanState = iota
	stateQuoted            // inside a quoted literal
	stateEscaped           // after a backslash inside a quoted literal
)

// escapes maps the character after a backslash to its literal value.
var escapes = map[byte]byte{
	'n':  '\n',
	't':  '\t',
	'r':  '\r',
	'b':  '\b',
	'f':  '\f',
	'v':  '\v',
	'\\': '\\',
}

// Lexer tokenizes an expression string.
type Lexer struct {
	input  string
	pos    int
	tokens []Token

	state     scanState
	quote     byte            // opening quote of the current literal
	quoteAt   int             // position of the opening quote
	literal   strings.Builder // quoted literal being built
	bare      strings.Builder // pending bare token
	bareStart int
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Tokenize scans the text and returns its tokens.
func Tokenize(text string) ([]Token, error) {
	return NewLexer(text).Tokenize()
}

// Tokenize scans the entire input and returns all tokens.
func (l *Lexer) Tokenize() ([]Token, error) {
	for l.pos < len(l.input) {
		var err error
		switch l.state {
		case stateNormal:
			err = l.scanNormal()
		case stateQuoted:
			l.scanQuoted()
		case stateEscaped:
			l.scanEscaped()
		}
		if err != nil {
			return nil, err
		}
	}
	if l.state != stateNormal {
		return nil, fmt.Errorf("unterminated string starting at position %d", l.quoteAt)
	}
	if err := l.flushBare(); err != nil {
		return nil, err
	}
	return l.tokens, nil
}

func (l *Lexer) scanNormal() error {
	ch := l.input[l.pos]

	switch {
	case isSpace(ch):
		l.pos++
		return l.flushBare()
	case ch == '"' || ch == '\'':
		if err := l.flushBare(); err != nil {
			return err
		}
		l.state = stateQuoted
		l.quote = ch
		l.quoteAt = l.pos
		l.literal.Reset()
		l.pos++
		return nil
	case ch == '(':
		if err := l.flushBare(); err != nil {
			return err
		}
		l.emit(Token{Kind: TokenLParen, Text: "(", Pos: l.pos})
		l.pos++
		return nil
	case ch == ')':
		if err := l.flushBare(); err != nil {
			return err
		}
		l.emit(Token{Kind: TokenRParen, Text: ")", Pos: l.pos})
		l.pos++
		return nil
	}

	if sym, ok := l.matchSymbol(); ok {
		if err := l.flushBare(); err != nil {
			return err
		}
		return l.emitOperator(sym)
	}

	if l.bare.Len() == 0 {
		l.bareStart = l.pos
	}
	l.bare.WriteByte(ch)
	l.pos++
	return nil
}

func (l *Lexer) scanQuoted() {
	ch := l.input[l.pos]
	l.pos++
	switch ch {
	case l.quote:
		l.emit(Token{Kind: TokenString, Text: l.input[l.quoteAt:l.pos], Value: types.NewString(l.literal.String()), Pos: l.quoteAt})
		l.state = stateNormal
	case '\\':
		l.state = stateEscaped
	default:
		l.literal.WriteByte(ch)
	}
}

func (l *Lexer) scanEscaped() {
	ch := l.input[l.pos]
	l.pos++
	if lit, ok := escapes[ch]; ok {
		l.literal.WriteByte(lit)
	} else if ch == l.quote {
		l.literal.WriteByte(ch)
	} else {
		l.literal.WriteByte('\\')
		l.literal.WriteByte(ch)
	}
	l.state = stateQuoted
}

// matchSymbol finds the longest operator spelling at the current position.
func (l *Lexer) matchSymbol() (symbol, bool) {
	rest := l.input[l.pos:]
	for _, sym := range symbols {
		if !strings.HasPrefix(rest, sym.text) {
			continue
		}
		if sym.word {
			if l.bare.Len() > 0 {
				continue
			}
			if end := l.pos + len(sym.text); end < len(l.input) && isIdentByte(l.input[end]) {
				continue
			}
		}
		return sym, true
	}
	return symbol{}, false
}

// emitOperator emits an operator token. Where no operand precedes it, the
// operator must be one of the prefix unary operators.
func (l *Lexer) emitOperator(sym symbol) error {
	op := sym.op
	if l.operandPending() {
		if op.Unary() {
			return fmt.Errorf("unexpected unary operator %q at position %d", sym.text, l.pos)
		}
	} else {
		switch {
		case op == opSub:
			op = opNeg
		case !op.Unary():
			return fmt.Errorf("missing operand before %q at position %d", sym.text, l.pos)
		}
	}
	l.emit(Token{Kind: TokenOperator, Text: sym.text, Op: op, Pos: l.pos})
	l.pos += len(sym.text)
	return nil
}

// operandPending reports whether the last emitted token ends an operand.
func (l *Lexer) operandPending() bool {
	if len(l.tokens) == 0 {
		return false
	}
	last := l.tokens[len(l.tokens)-1]
	return last.IsOperand() || last.Kind == TokenRParen
}

// flushBare closes the pending bare token as a Number or a Variable.
func (l *Lexer) flushBare() error {
	if l.bare.Len() == 0 {
		return nil
	}
	text := l.bare.String()
	l.bare.Reset()

	switch {
	case intPattern.MatchString(text):
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return fmt.Errorf("integer %s out of range at position %d", text, l.bareStart)
		}
		l.emit(Token{Kind: TokenNumber, Text: text, Value: types.NewInt(n), Pos: l.bareStart})
	case floatPattern.MatchString(text):
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("invalid number %s at position %d", text, l.bareStart)
		}
		l.emit(Token{Kind: TokenNumber, Text: text, Value: types.NewDouble(f), Pos: l.bareStart})
	default:
		l.emit(Token{Kind: TokenVariable, Text: text, Pos: l.bareStart})
	}
	return nil
}

func (l *Lexer) emit(tok Token) {
	l.tokens = append(l.tokens, tok)
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isIdentByte(ch byte) bool {
	return ch == '_' || ch == '.' || ch >= 0x80 ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}
