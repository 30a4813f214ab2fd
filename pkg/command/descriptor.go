// Package command defines how script commands are described, registered and
// invoked: the parameter contract, the control signals a handler can return,
// and the per-engine registry.
package command

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/expr"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Mode controls how a parameter is resolved before the handler runs.
type Mode int

const (
	// Expr evaluates string values as expressions; other values are literal.
	Expr Mode = iota
	// Template interpolates {{ }} spans in strings, walking maps and lists.
	Template
	// Literal converts the value without evaluating it.
	Literal
	// Deferred leaves the value raw; the handler evaluates it with Call.Eval.
	Deferred
	// Block takes a nested command list.
	Block
)

// Param declares one named parameter of a command.
type Param struct {
	Name     string
	Required bool
	Default  interface{} // used when an optional parameter is absent
	Mode     Mode
}

// Handler executes one command.
type Handler func(ctx context.Context, call *Call) (Signal, error)

// Descriptor describes a registered command.
type Descriptor struct {
	Name    string
	Params  []Param
	Handler Handler
}

// Param returns the declared parameter called name.
func (d *Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Unknown returns the parameters of node that d does not declare.
func (d *Descriptor) Unknown(node *ast.Command) []string {
	var unknown []string
	for _, name := range node.Order {
		if _, ok := d.Param(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// Runtime is the view of the engine that handlers get through a Call.
type Runtime interface {
	expr.Scope

	// Set binds a variable; a dotted path assigns into nested maps.
	Set(path string, v types.Value) error

	// Exec runs a nested command list in the same environment.
	Exec(ctx context.Context, cmds []*ast.Command) (Signal, error)

	// Logger returns the engine logger.
	Logger() *zerolog.Logger
}

// Resolve checks node against the parameter contract and resolves every
// non-deferred parameter against scope.
func (d *Descriptor) Resolve(node *ast.Command, scope expr.Scope) (map[string]types.Value, error) {
	raw := make(map[string]interface{}, len(node.Params)+1)
	for k, v := range node.Params {
		raw[k] = v
	}
	if node.HasShorthand {
		if len(d.Params) == 0 {
			return nil, types.NewInvalidParameter("command %q takes no parameters", d.Name)
		}
		raw[d.Params[0].Name] = node.Shorthand
	}

	args := make(map[string]types.Value, len(d.Params))
	for _, p := range d.Params {
		if p.Mode == Block {
			if _, ok := node.Block(p.Name); ok {
				continue
			}
			if _, ok := raw[p.Name]; ok {
				return nil, types.NewInvalidParameter("parameter %q of %q must be a command list", p.Name, d.Name)
			}
			if p.Required {
				return nil, types.NewInvalidParameter("missing required parameter %q for command %q", p.Name, d.Name)
			}
			continue
		}

		v, present := raw[p.Name]
		if !present {
			if p.Required {
				return nil, types.NewInvalidParameter("missing required parameter %q for command %q", p.Name, d.Name)
			}
			if p.Default != nil {
				args[p.Name] = types.FromNative(p.Default)
			}
			continue
		}

		var (
			val types.Value
			err error
		)
		switch p.Mode {
		case Expr:
			val, err = expr.EvalValue(v, scope)
		case Template:
			val, err = expr.InterpolateValue(v, scope)
		case Literal:
			val = types.FromNative(v)
		case Deferred:
			continue
		}
		if err != nil {
			return nil, err
		}
		args[p.Name] = val
	}
	return args, nil
}

// Call is one invocation of a command handler.
type Call struct {
	Node *ast.Command
	Args map[string]types.Value

	desc *Descriptor
	rt   Runtime
}

// NewCall binds a resolved invocation to the runtime.
func NewCall(desc *Descriptor, node *ast.Command, args map[string]types.Value, rt Runtime) *Call {
	if args == nil {
		args = map[string]types.Value{}
	}
	return &Call{Node: node, Args: args, desc: desc, rt: rt}
}

// Arg returns a resolved argument.
func (c *Call) Arg(name string) (types.Value, bool) {
	v, ok := c.Args[name]
	return v, ok
}

// Has reports whether the argument was given or defaulted.
func (c *Call) Has(name string) bool {
	_, ok := c.Args[name]
	return ok
}

// String returns a string argument. A missing argument returns "".
func (c *Call) String(name string) (string, error) {
	v, ok := c.Args[name]
	if !ok || v.IsNull() {
		return "", nil
	}
	if v.Type() != types.TypeString {
		return "", types.NewInvalidParameter("parameter %q of %q must be a string, got %s", name, c.desc.Name, v.Type())
	}
	return v.AsString(), nil
}

// Raw returns the unresolved document value of a parameter, including a
// shorthand bound to it.
func (c *Call) Raw(name string) (interface{}, bool) {
	if v, ok := c.Node.Param(name); ok {
		return v, true
	}
	if c.Node.HasShorthand && len(c.desc.Params) > 0 && c.desc.Params[0].Name == name {
		return c.Node.Shorthand, true
	}
	return nil, false
}

// Eval evaluates a deferred parameter against the current environment.
func (c *Call) Eval(name string) (types.Value, error) {
	raw, ok := c.Raw(name)
	if !ok {
		return types.Null, types.NewInvalidParameter("missing required parameter %q for command %q", name, c.desc.Name)
	}
	return expr.EvalValue(raw, c.rt)
}

// Interpolate interpolates text against the current environment.
func (c *Call) Interpolate(text string) (string, error) {
	return expr.Interpolate(text, c.rt)
}

// Get looks up a variable.
func (c *Call) Get(name string) (types.Value, bool) {
	return c.rt.Get(name)
}

// Set binds a variable in the environment.
func (c *Call) Set(path string, v types.Value) error {
	return c.rt.Set(path, v)
}

// Block returns a nested command list.
func (c *Call) Block(name string) []*ast.Command {
	b, _ := c.Node.Block(name)
	return b
}

// Exec runs the nested command list called name.
func (c *Call) Exec(ctx context.Context, name string) (Signal, error) {
	return c.rt.Exec(ctx, c.Block(name))
}

// Logger returns the engine logger.
func (c *Call) Logger() *zerolog.Logger {
	return c.rt.Logger()
}
