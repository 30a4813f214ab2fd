package expr

import "fmt"

// Parser converts an infix token sequence to postfix order using the
// shunting-yard algorithm.
type Parser struct {
	tokens []Token
	output []Token
	stack  []Token
}

// NewParser creates a parser over the given tokens.
func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

// ToPostfix converts tokens to postfix order.
func ToPostfix(tokens []Token) ([]Token, error) {
	return NewParser(tokens).Parse()
}

// Parse runs the conversion and returns the postfix sequence.
func (p *Parser) Parse() ([]Token, error) {
	p.output = make([]Token, 0, len(p.tokens))
	p.stack = p.stack[:0]

	for _, tok := range p.tokens {
		switch tok.Kind {
		case TokenNumber, TokenString, TokenVariable:
			p.output = append(p.output, tok)
		case TokenLParen:
			p.stack = append(p.stack, tok)
		case TokenRParen:
			if err := p.closeParen(tok); err != nil {
				return nil, err
			}
		case TokenOperator:
			p.pushOperator(tok)
		default:
			return nil, fmt.Errorf("unexpected token %s at position %d", tok.Kind, tok.Pos)
		}
	}

	for len(p.stack) > 0 {
		top := p.pop()
		if top.Kind == TokenLParen {
			return nil, fmt.Errorf("mismatched parenthesis at position %d", top.Pos)
		}
		p.output = append(p.output, top)
	}
	return p.output, nil
}

// pushOperator moves operators of higher or equal precedence to the output
// before pushing tok. Prefix unary operators never pop: their operand has
// not been read yet.
func (p *Parser) pushOperator(tok Token) {
	if !tok.Op.Unary() {
		for len(p.stack) > 0 {
			top := p.stack[len(p.stack)-1]
			if top.Kind == TokenLParen || top.Op.Precedence < tok.Op.Precedence {
				break
			}
			p.output = append(p.output, p.pop())
		}
	}
	p.stack = append(p.stack, tok)
}

func (p *Parser) closeParen(tok Token) error {
	for len(p.stack) > 0 {
		top := p.pop()
		if top.Kind == TokenLParen {
			return nil
		}
		p.output = append(p.output, top)
	}
	return fmt.Errorf("mismatched parenthesis at position %d", tok.Pos)
}

func (p *Parser) pop() Token {
	top := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return top
}
