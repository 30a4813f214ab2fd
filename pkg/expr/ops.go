package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Operator describes one operator of the expression language.
type Operator struct {
	Name       string // canonical name, shared by alternate spellings
	Precedence int
	Arity      int // 1 for prefix unary, 2 otherwise

	apply func(args []types.Value) (types.Value, error)
}

// Unary reports whether the operator takes a single operand.
func (o *Operator) Unary() bool {
	return o.Arity == 1
}

// Operator precedence levels.
const (
	PrecOr         = 1
	PrecAnd        = 2
	PrecComparison = 3
	PrecAdditive   = 4
	PrecMultiply   = 5
	PrecPower      = 6
	PrecUnary      = 7
)

var (
	opOr  = &Operator{Name: "or", Precedence: PrecOr, Arity: 2, apply: evalOr}
	opAnd = &Operator{Name: "and", Precedence: PrecAnd, Arity: 2, apply: evalAnd}
	opNot = &Operator{Name: "not", Precedence: PrecUnary, Arity: 1, apply: evalNot}
	opNeg = &Operator{Name: "neg", Precedence: PrecUnary, Arity: 1, apply: evalNeg}

	opEq  = &Operator{Name: "==", Precedence: PrecComparison, Arity: 2, apply: evalEq}
	opNeq = &Operator{Name: "!=", Precedence: PrecComparison, Arity: 2, apply: evalNeq}
	opLt  = &Operator{Name: "<", Precedence: PrecComparison, Arity: 2, apply: cmpOp("<", func(c int) bool { return c < 0 })}
	opGt  = &Operator{Name: ">", Precedence: PrecComparison, Arity: 2, apply: cmpOp(">", func(c int) bool { return c > 0 })}
	opLte = &Operator{Name: "<=", Precedence: PrecComparison, Arity: 2, apply: cmpOp("<=", func(c int) bool { return c <= 0 })}
	opGte = &Operator{Name: ">=", Precedence: PrecComparison, Arity: 2, apply: cmpOp(">=", func(c int) bool { return c >= 0 })}

	opAdd = &Operator{Name: "+", Precedence: PrecAdditive, Arity: 2, apply: evalAdd}
	opSub = &Operator{Name: "-", Precedence: PrecAdditive, Arity: 2, apply: evalSub}
	opMul = &Operator{Name: "*", Precedence: PrecMultiply, Arity: 2, apply: evalMul}
	opDiv = &Operator{Name: "/", Precedence: PrecMultiply, Arity: 2, apply: evalDivide}
	opMod = &Operator{Name: "%", Precedence: PrecMultiply, Arity: 2, apply: evalModulo}
	opPow = &Operator{Name: "**", Precedence: PrecPower, Arity: 2, apply: evalPower}
)

// symbol maps a surface spelling to its operator. Word spellings only match
// at identifier boundaries.
type symbol struct {
	text string
	op   *Operator
	word bool
}

// symbols is ordered so that longer spellings are tried first.
var symbols = []symbol{
	{"**", opPow, false},
	{"==", opEq, false},
	{"!=", opNeq, false},
	{"<=", opLte, false},
	{">=", opGte, false},
	{"&&", opAnd, false},
	{"||", opOr, false},
	{"and", opAnd, true},
	{"not", opNot, true},
	{"or", opOr, true},
	{"+", opAdd, false},
	{"-", opSub, false},
	{"*", opMul, false},
	{"/", opDiv, false},
	{"%", opMod, false},
	{"<", opLt, false},
	{">", opGt, false},
	{"!", opNot, false},
}

func evalOr(args []types.Value) (types.Value, error) {
	return types.NewBool(args[0].Truthy() || args[1].Truthy()), nil
}

func evalAnd(args []types.Value) (types.Value, error) {
	return types.NewBool(args[0].Truthy() && args[1].Truthy()), nil
}

func evalNot(args []types.Value) (types.Value, error) {
	return types.NewBool(!args[0].Truthy()), nil
}

func evalNeg(args []types.Value) (types.Value, error) {
	operand := args[0]
	switch operand.Type() {
	case types.TypeInt:
		if operand.AsInt() == math.MinInt64 {
			return types.NewDouble(-float64(operand.AsInt())), nil
		}
		return types.NewInt(-operand.AsInt()), nil
	case types.TypeDouble:
		return types.NewDouble(-operand.AsDouble()), nil
	default:
		return types.Null, fmt.Errorf("unary minus not supported for %s", operand.Type())
	}
}

func evalEq(args []types.Value) (types.Value, error) {
	return types.NewBool(args[0].Equal(args[1])), nil
}

func evalNeq(args []types.Value) (types.Value, error) {
	return types.NewBool(!args[0].Equal(args[1])), nil
}

func cmpOp(name string, test func(int) bool) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		cmp, err := compare(args[0], args[1])
		if err != nil {
			return types.Null, fmt.Errorf("%s: %w", name, err)
		}
		return types.NewBool(test(cmp)), nil
	}
}

// compare returns negative, zero, or positive for ordering.
func compare(a, b types.Value) (int, error) {
	if isNumber(a) && isNumber(b) {
		an, _ := a.AsNumber()
		bn, _ := b.AsNumber()
		if an < bn {
			return -1, nil
		}
		if an > bn {
			return 1, nil
		}
		return 0, nil
	}

	if a.Type() == types.TypeString && b.Type() == types.TypeString {
		return strings.Compare(a.AsString(), b.AsString()), nil
	}

	return 0, fmt.Errorf("cannot compare %s and %s", a.Type(), b.Type())
}

func isNumber(v types.Value) bool {
	return v.Type() == types.TypeInt || v.Type() == types.TypeDouble
}

func evalAdd(args []types.Value) (types.Value, error) {
	left, right := args[0], args[1]
	if left.Type() == types.TypeString && right.Type() == types.TypeString {
		return types.NewString(left.AsString() + right.AsString()), nil
	}
	if left.Type() == types.TypeList && right.Type() == types.TypeList {
		items := make([]types.Value, 0, len(left.AsList())+len(right.AsList()))
		items = append(items, left.AsList()...)
		items = append(items, right.AsList()...)
		return types.NewList(items), nil
	}
	return evalArith("+", left, right, addInt, func(a, b float64) float64 { return a + b })
}

func evalSub(args []types.Value) (types.Value, error) {
	return evalArith("-", args[0], args[1], subInt, func(a, b float64) float64 { return a - b })
}

func evalMul(args []types.Value) (types.Value, error) {
	left, right := args[0], args[1]
	if left.Type() == types.TypeString && right.Type() == types.TypeInt {
		return repeat(left.AsString(), right.AsInt())
	}
	if left.Type() == types.TypeInt && right.Type() == types.TypeString {
		return repeat(right.AsString(), left.AsInt())
	}
	return evalArith("*", left, right, mulInt, func(a, b float64) float64 { return a * b })
}

// maxRepeatLen bounds the result of string repetition.
const maxRepeatLen = 1 << 20

func repeat(s string, n int64) (types.Value, error) {
	if n <= 0 || s == "" {
		return types.NewString(""), nil
	}
	if int64(len(s))*n > maxRepeatLen {
		return types.Null, fmt.Errorf("string repetition result exceeds %d bytes", maxRepeatLen)
	}
	return types.NewString(strings.Repeat(s, int(n))), nil
}

// addInt, subInt and mulInt report false when the result overflows int64.
func addInt(a, b int64) (int64, bool) {
	r := a + b
	return r, (r > a) == (b > 0)
}

func subInt(a, b int64) (int64, bool) {
	r := a - b
	return r, (r < a) == (b > 0)
}

func mulInt(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return r, false
	}
	return r, true
}

// evalArith applies an arithmetic operator. Integer results that overflow
// int64 are computed as doubles instead.
func evalArith(name string, left, right types.Value, intOp func(int64, int64) (int64, bool), floatOp func(float64, float64) float64) (types.Value, error) {
	if left.Type() == types.TypeInt && right.Type() == types.TypeInt {
		if r, ok := intOp(left.AsInt(), right.AsInt()); ok {
			return types.NewInt(r), nil
		}
		return types.NewDouble(floatOp(float64(left.AsInt()), float64(right.AsInt()))), nil
	}

	a, aOk := left.AsNumber()
	b, bOk := right.AsNumber()
	if !aOk || !bOk {
		return types.Null, fmt.Errorf("unsupported operand types for %s: %s and %s", name, left.Type(), right.Type())
	}

	return types.NewDouble(floatOp(a, b)), nil
}

func evalDivide(args []types.Value) (types.Value, error) {
	left, right := args[0], args[1]
	a, aOk := left.AsNumber()
	b, bOk := right.AsNumber()
	if !aOk || !bOk {
		return types.Null, fmt.Errorf("unsupported operand types for /: %s and %s", left.Type(), right.Type())
	}
	if b == 0 {
		return types.Null, fmt.Errorf("division by zero")
	}
	return types.NewDouble(a / b), nil
}

func evalModulo(args []types.Value) (types.Value, error) {
	left, right := args[0], args[1]
	if left.Type() == types.TypeInt && right.Type() == types.TypeInt {
		if right.AsInt() == 0 {
			return types.Null, fmt.Errorf("modulo by zero")
		}
		a, b := left.AsInt(), right.AsInt()
		r := a % b
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return types.NewInt(r), nil
	}

	a, aOk := left.AsNumber()
	b, bOk := right.AsNumber()
	if !aOk || !bOk {
		return types.Null, fmt.Errorf("unsupported operand types for %%: %s and %s", left.Type(), right.Type())
	}
	if b == 0 {
		return types.Null, fmt.Errorf("modulo by zero")
	}
	// The result takes the sign of the divisor.
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return types.NewDouble(r), nil
}

func evalPower(args []types.Value) (types.Value, error) {
	left, right := args[0], args[1]
	if left.Type() == types.TypeInt && right.Type() == types.TypeInt && right.AsInt() >= 0 {
		base, exp := left.AsInt(), right.AsInt()
		switch {
		case exp == 0:
			return types.NewInt(1), nil
		case base == 0 || base == 1:
			return types.NewInt(base), nil
		case base == -1:
			if exp%2 == 0 {
				return types.NewInt(1), nil
			}
			return types.NewInt(-1), nil
		}
		result := int64(1)
		for ; exp > 0; exp-- {
			next := result * base
			if base != 0 && next/base != result {
				return types.NewDouble(math.Pow(float64(left.AsInt()), float64(right.AsInt()))), nil
			}
			result = next
		}
		return types.NewInt(result), nil
	}

	a, aOk := left.AsNumber()
	b, bOk := right.AsNumber()
	if !aOk || !bOk {
		return types.Null, fmt.Errorf("unsupported operand types for **: %s and %s", left.Type(), right.Type())
	}
	return types.NewDouble(math.Pow(a, b)), nil
}
