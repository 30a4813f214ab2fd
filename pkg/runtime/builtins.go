package runtime

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// builtins returns the control-flow and assignment commands.
func builtins() []*command.Descriptor {
	return []*command.Descriptor{
		{
			Name: "set",
			Params: []command.Param{
				{Name: "var", Required: true, Mode: command.Literal},
				{Name: "value", Required: true, Mode: command.Expr},
			},
			Handler: execSet,
		},
		{
			Name: "if",
			Params: []command.Param{
				{Name: "condition", Required: true, Mode: command.Deferred},
				{Name: ast.BlockParam, Required: true, Mode: command.Block},
			},
			Handler: execIf,
		},
		{
			Name: "while",
			Params: []command.Param{
				{Name: "condition", Required: true, Mode: command.Deferred},
				{Name: ast.BlockParam, Required: true, Mode: command.Block},
			},
			Handler: execWhile,
		},
		{
			Name: "break",
			Handler: func(context.Context, *command.Call) (command.Signal, error) {
				return command.Break, nil
			},
		},
		{
			Name: "continue",
			Handler: func(context.Context, *command.Call) (command.Signal, error) {
				return command.Continue, nil
			},
		},
		{
			Name: "exit",
			Params: []command.Param{
				{Name: "code", Default: 0, Mode: command.Expr},
			},
			Handler: execExit,
		},
	}
}

func execSet(_ context.Context, call *command.Call) (command.Signal, error) {
	name, err := call.String("var")
	if err != nil {
		return command.None, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return command.None, types.NewInvalidParameter("set: var must not be empty")
	}
	value, _ := call.Arg("value")
	if err := call.Set(name, value); err != nil {
		return command.None, types.NewInvalidParameter("set: cannot assign %q: %v", name, err)
	}
	return command.None, nil
}

func execIf(ctx context.Context, call *command.Call) (command.Signal, error) {
	cond, err := call.Eval("condition")
	if err != nil {
		return command.None, err
	}
	if !cond.Truthy() {
		return command.None, nil
	}
	return call.Exec(ctx, ast.BlockParam)
}

func execWhile(ctx context.Context, call *command.Call) (command.Signal, error) {
	for {
		if err := ctx.Err(); err != nil {
			return command.None, types.NewExecutionError(err, "execution interrupted")
		}
		cond, err := call.Eval("condition")
		if err != nil {
			return command.None, err
		}
		if !cond.Truthy() {
			return command.None, nil
		}

		sig, err := call.Exec(ctx, ast.BlockParam)
		if err != nil {
			return command.None, err
		}
		switch sig.Kind {
		case command.SignalBreak:
			return command.None, nil
		case command.SignalContinue, command.SignalNone:
			continue
		default:
			return sig, nil
		}
	}
}

func execExit(_ context.Context, call *command.Call) (command.Signal, error) {
	v, _ := call.Arg("code")
	if v.IsNull() && explicitCode(call.Node) {
		return command.None, types.NewInvalidParameter("exit code must be a number, got null")
	}
	code, err := exitCode(v)
	if err != nil {
		return command.None, err
	}
	return command.Exit(code), nil
}

// explicitCode reports whether the document gives exit a code.
func explicitCode(node *ast.Command) bool {
	if node == nil {
		return false
	}
	if node.HasShorthand {
		return true
	}
	_, ok := node.Param("code")
	return ok
}

// exitCode coerces an exit value to an integer status. Strings must hold
// an integer.
func exitCode(v types.Value) (int, error) {
	switch v.Type() {
	case types.TypeNull:
		return 0, nil
	case types.TypeInt:
		return int(v.AsInt()), nil
	case types.TypeDouble:
		d := v.AsDouble()
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return 0, types.NewInvalidParameter("exit code must be finite, got %v", d)
		}
		return int(d), nil
	case types.TypeBool:
		if v.AsBool() {
			return 1, nil
		}
		return 0, nil
	case types.TypeString:
		s := strings.TrimSpace(v.AsString())
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		return 0, types.NewInvalidParameter("exit code %q is not an integer", v.AsString())
	}
	return 0, types.NewInvalidParameter("exit code must be a number, got %s", v.Type())
}
