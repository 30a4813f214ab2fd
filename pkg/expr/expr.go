package expr

import (
	"errors"
	"strconv"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// MaxExpressionLength is the maximum allowed length for a single expression.
const MaxExpressionLength = 4096

// Compile checks, tokenizes and parses text into a postfix sequence.
func Compile(text string) ([]Token, error) {
	if len(text) > MaxExpressionLength {
		return nil, types.NewEvalError("expression exceeds maximum length of %d characters", MaxExpressionLength)
	}
	if err := Check(text); err != nil {
		return nil, err
	}
	tokens, err := Tokenize(text)
	if err != nil {
		return nil, evalError(text, err)
	}
	postfix, err := ToPostfix(tokens)
	if err != nil {
		return nil, evalError(text, err)
	}
	return postfix, nil
}

// Eval runs the whole pipeline on one expression.
func Eval(text string, scope Scope) (types.Value, error) {
	postfix, err := Compile(text)
	if err != nil {
		return types.Null, err
	}
	v, err := Evaluate(postfix, scope)
	if err != nil {
		return types.Null, evalError(text, err)
	}
	return v, nil
}

// EvalValue evaluates a raw document value. Strings are expressions; every
// other value is taken literally.
func EvalValue(raw interface{}, scope Scope) (types.Value, error) {
	if s, ok := raw.(string); ok {
		return Eval(s, scope)
	}
	return types.FromNative(raw), nil
}

// InterpolateValue interpolates the strings of a raw document value.
// Maps and lists are walked; other values are taken literally.
func InterpolateValue(raw interface{}, scope Scope) (types.Value, error) {
	switch val := raw.(type) {
	case string:
		s, err := Interpolate(val, scope)
		if err != nil {
			return types.Null, err
		}
		return types.NewString(s), nil
	case map[string]interface{}:
		m := make(map[string]types.Value, len(val))
		for k, item := range val {
			v, err := InterpolateValue(item, scope)
			if err != nil {
				return types.Null, err
			}
			m[k] = v
		}
		return types.NewMapFromGoMap(m), nil
	case []interface{}:
		items := make([]types.Value, len(val))
		for i, item := range val {
			v, err := InterpolateValue(item, scope)
			if err != nil {
				return types.Null, err
			}
			items[i] = v
		}
		return types.NewList(items), nil
	}
	return types.FromNative(raw), nil
}

func evalError(text string, err error) error {
	var se *types.ScriptError
	if errors.As(err, &se) {
		return err
	}
	return &types.ScriptError{
		Kind:    types.KindExpressionEvaluation,
		Message: "cannot evaluate " + strconv.Quote(text),
		Err:     err,
	}
}
