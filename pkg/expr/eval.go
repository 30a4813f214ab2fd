package expr

import (
	"fmt"
	"strings"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Scope provides variable lookup for expression evaluation.
type Scope interface {
	// Get returns the value bound to a top-level name.
	Get(name string) (types.Value, bool)
}

// MapScope is a Scope over a plain map, mostly useful in tests.
type MapScope map[string]types.Value

// Get implements Scope.
func (m MapScope) Get(name string) (types.Value, bool) {
	v, ok := m[name]
	return v, ok
}

// constants are resolved before the scope and cannot be rebound.
var constants = map[string]types.Value{
	"true":  types.NewBool(true),
	"True":  types.NewBool(true),
	"TRUE":  types.NewBool(true),
	"false": types.NewBool(false),
	"False": types.NewBool(false),
	"FALSE": types.NewBool(false),
	"null":  types.Null,
	"Null":  types.Null,
	"NULL":  types.Null,
}

// Evaluate runs a postfix sequence against scope and returns its single result.
func Evaluate(postfix []Token, scope Scope) (types.Value, error) {
	stack := make([]types.Value, 0, len(postfix))

	for _, tok := range postfix {
		switch tok.Kind {
		case TokenNumber, TokenString:
			stack = append(stack, tok.Value)

		case TokenVariable:
			v, err := Resolve(tok.Text, scope)
			if err != nil {
				return types.Null, err
			}
			stack = append(stack, v)

		case TokenOperator:
			n := tok.Op.Arity
			if len(stack) < n {
				return types.Null, fmt.Errorf("invalid expression: operator %q at position %d needs %d operand(s)", tok.Text, tok.Pos, n)
			}
			args := make([]types.Value, n)
			copy(args, stack[len(stack)-n:])
			stack = stack[:len(stack)-n]

			result, err := tok.Op.apply(args)
			if err != nil {
				return types.Null, err
			}
			stack = append(stack, result)

		default:
			return types.Null, fmt.Errorf("invalid expression: unexpected %s at position %d", tok.Kind, tok.Pos)
		}
	}

	if len(stack) != 1 {
		return types.Null, fmt.Errorf("invalid expression: %d values left on the stack", len(stack))
	}
	return stack[0], nil
}

// Resolve looks up a dotted path. The first segment names a variable; each
// following segment is applied with Value.Field.
func Resolve(path string, scope Scope) (types.Value, error) {
	if v, ok := constants[path]; ok {
		return v, nil
	}

	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return types.Null, fmt.Errorf("invalid variable path %q", path)
		}
	}

	current, ok := scope.Get(segments[0])
	if !ok {
		return types.Null, fmt.Errorf("unknown variable %q", path)
	}
	for i, seg := range segments[1:] {
		next, ok := current.Field(seg)
		if !ok {
			return types.Null, fmt.Errorf("unknown variable %q: %s has no field %q",
				path, strings.Join(segments[:i+1], "."), seg)
		}
		current = next
	}
	return current, nil
}
