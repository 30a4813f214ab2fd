package command

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/expr"
	"github.com/lemonberrylabs/yrunner/pkg/parser"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

func parseOne(t *testing.T, src string) *ast.Command {
	t.Helper()
	cmds, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %d", len(cmds))
	}
	return cmds[0]
}

var probe = &Descriptor{
	Name: "probe",
	Params: []Param{
		{Name: "expr", Mode: Expr},
		{Name: "text", Mode: Template},
		{Name: "name", Mode: Literal},
		{Name: "cond", Mode: Deferred},
		{Name: "level", Default: "INFO", Mode: Literal},
		{Name: ast.BlockParam, Mode: Block},
	},
}

func TestResolveModes(t *testing.T) {
	scope := expr.MapScope{"x": types.NewInt(4), "who": types.NewString("bob")}
	node := parseOne(t, `
- probe:
    expr: x * 2
    text: "hi {{ who }}"
    name: x * 2
    cond: x > 100
    commands:
      - exit
`)
	args, err := probe.Resolve(node, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		param string
		want  types.Value
	}{
		{"expr", types.NewInt(8)},
		{"text", types.NewString("hi bob")},
		{"name", types.NewString("x * 2")},
		{"level", types.NewString("INFO")},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := args[tt.param]; !got.Equal(tt.want) {
				t.Errorf("%s = %v, want %v", tt.param, got, tt.want)
			}
		})
	}
	if _, ok := args["cond"]; ok {
		t.Error("deferred parameter was resolved")
	}
	if _, ok := args[ast.BlockParam]; ok {
		t.Error("block parameter appeared in args")
	}
}

func TestResolveTemplateWalksMaps(t *testing.T) {
	scope := expr.MapScope{"id": types.NewInt(7)}
	node := parseOne(t, "- probe:\n    text:\n      path: \"/items/{{ id }}\"\n      page: 2\n")
	args, err := probe.Resolve(node, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path, _ := args["text"].Field("path")
	if path.AsString() != "/items/7" {
		t.Errorf("path = %v", path)
	}
	page, _ := args["text"].Field("page")
	if !page.Equal(types.NewInt(2)) {
		t.Errorf("page = %v", page)
	}
}

func TestResolveShorthand(t *testing.T) {
	node := parseOne(t, "- probe: 1 + 2")
	args, err := probe.Resolve(node, expr.MapScope{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !args["expr"].Equal(types.NewInt(3)) {
		t.Errorf("shorthand bound to %v", args["expr"])
	}

	bare := &Descriptor{Name: "bare"}
	if _, err := bare.Resolve(parseOne(t, "- bare: 1"), expr.MapScope{}); !types.IsKind(err, types.KindInvalidParameter) {
		t.Errorf("expected InvalidParameter, got %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	strict := &Descriptor{
		Name: "strict",
		Params: []Param{
			{Name: "value", Required: true, Mode: Expr},
			{Name: ast.BlockParam, Mode: Block},
		},
	}
	tests := []struct {
		name string
		src  string
		kind types.ErrorKind
	}{
		{"missing required", "- strict:\n    other: 1", types.KindInvalidParameter},
		{"bad expression", "- strict:\n    value: 1 +", types.KindExpressionEvaluation},
		{"guarded", "- strict:\n    value: __dict__", types.KindInvalidContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := strict.Resolve(parseOne(t, tt.src), expr.MapScope{})
			if !types.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestUnknownParams(t *testing.T) {
	node := parseOne(t, "- probe:\n    zeta: 1\n    expr: 2\n    alpha: 3\n")
	if got := strings.Join(probe.Unknown(node), ","); got != "alpha,zeta" {
		t.Errorf("Unknown() = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	first := &Descriptor{Name: "a"}
	second := &Descriptor{Name: "a"}
	r := NewRegistry(first, &Descriptor{Name: "b"}, nil)
	r.Register(second)

	if d, _ := r.Lookup("a"); d != second {
		t.Error("later registration should win")
	}
	if _, ok := r.Lookup("c"); ok {
		t.Error("unexpected command c")
	}
	clone := r.Clone()
	clone.Register(&Descriptor{Name: "c"})
	if _, ok := r.Lookup("c"); ok {
		t.Error("clone shares state with original")
	}
	if got := strings.Join(clone.Names(), ","); got != "a,b,c" {
		t.Errorf("Names() = %q", got)
	}
}

func TestSignals(t *testing.T) {
	tests := []struct {
		sig  Signal
		want string
		none bool
	}{
		{None, "none", true},
		{Break, "break", false},
		{Continue, "continue", false},
		{Exit(3), "exit(3)", false},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.sig.String() != tt.want || tt.sig.IsNone() != tt.none {
				t.Errorf("got %s none=%v", tt.sig, tt.sig.IsNone())
			}
		})
	}
	if !Exit(0).Is(SignalExit) || Exit(0).Code != 0 {
		t.Error("Exit(0) malformed")
	}
}

type stubRuntime struct {
	expr.MapScope
	execs  int
	logger zerolog.Logger
}

func (s *stubRuntime) Set(path string, v types.Value) error {
	s.MapScope[path] = v
	return nil
}

func (s *stubRuntime) Exec(context.Context, []*ast.Command) (Signal, error) {
	s.execs++
	return Break, nil
}

func (s *stubRuntime) Logger() *zerolog.Logger { return &s.logger }

func TestCall(t *testing.T) {
	rt := &stubRuntime{MapScope: expr.MapScope{"x": types.NewInt(2)}, logger: zerolog.Nop()}
	node := parseOne(t, "- probe:\n    cond: x == 2\n    name: out\n    commands:\n      - exit\n")
	args, err := probe.Resolve(node, rt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := NewCall(probe, node, args, rt)

	cond, err := call.Eval("cond")
	if err != nil || !cond.Truthy() {
		t.Fatalf("Eval(cond) = %v, %v", cond, err)
	}
	if _, err := call.Eval("expr"); !types.IsKind(err, types.KindInvalidParameter) {
		t.Errorf("Eval of absent parameter: %v", err)
	}
	name, err := call.String("name")
	if err != nil || name != "out" {
		t.Fatalf("String(name) = %q, %v", name, err)
	}
	if err := call.Set(name, types.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	if v, ok := call.Get("out"); !ok || !v.Equal(types.NewInt(1)) {
		t.Errorf("Get(out) = %v, %v", v, ok)
	}
	if len(call.Block(ast.BlockParam)) != 1 {
		t.Error("Block() lost the nested command")
	}
	if sig, err := call.Exec(context.Background(), ast.BlockParam); err != nil || !sig.Is(SignalBreak) || rt.execs != 1 {
		t.Errorf("Exec() = %v, %v (execs %d)", sig, err, rt.execs)
	}
	if s, err := call.Interpolate("x={{ x }}"); err != nil || s != "x=2" {
		t.Errorf("Interpolate() = %q, %v", s, err)
	}
	if call.Has("text") || !call.Has("level") {
		t.Error("Has() reports wrong arguments")
	}
	if _, err := NewCall(probe, node, map[string]types.Value{"name": types.NewInt(1)}, rt).String("name"); !types.IsKind(err, types.KindInvalidParameter) {
		t.Errorf("String() on an int: %v", err)
	}
}
