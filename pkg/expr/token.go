// Package expr implements the script expression language: a tokenizer, a
// shunting-yard parser producing postfix, a stack evaluator, the {{ }}
// string interpolator and the reflective-identifier guard.
package expr

import (
	"fmt"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// TokenKind represents the kind of a lexical token.
type TokenKind int

const (
	TokenNumber   TokenKind = iota // integer or decimal literal
	TokenString                    // quoted literal, escapes resolved
	TokenVariable                  // bare identifier or dotted path
	TokenOperator                  // operator symbol
	TokenLParen                    // (
	TokenRParen                    // )
)

// Token represents a single lexical token.
type Token struct {
	Kind  TokenKind
	Text  string      // raw text: variable path or operator spelling
	Value types.Value // literal value for TokenNumber and TokenString
	Op    *Operator   // operator descriptor for TokenOperator
	Pos   int         // byte offset in source
}

// IsOperand reports whether the token pushes a value during evaluation.
func (t Token) IsOperand() bool {
	return t.Kind == TokenNumber || t.Kind == TokenString || t.Kind == TokenVariable
}

func (t Token) String() string {
	switch t.Kind {
	case TokenNumber, TokenString:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Value)
	case TokenOperator:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Op.Name)
	default:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Text)
	}
}

// String returns a debug-friendly representation of the token kind.
func (k TokenKind) String() string {
	switch k {
	case TokenNumber:
		return "NUMBER"
	case TokenString:
		return "STRING"
	case TokenVariable:
		return "VARIABLE"
	case TokenOperator:
		return "OPERATOR"
	case TokenLParen:
		return "LPAREN"
	case TokenRParen:
		return "RPAREN"
	default:
		return "UNKNOWN"
	}
}
