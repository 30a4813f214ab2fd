package runtime

import (
	"context"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/parser"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// SentinelCode is the result code of a run that failed.
const SentinelCode = -1

// Result is the outcome of a run.
type Result struct {
	// Code is the exit code, or SentinelCode when Err is set.
	Code int

	// Env is the environment after the run.
	Env *Environment

	// Err is the failure that ended the run, if any.
	Err *types.ScriptError

	// Steps is the number of commands dispatched.
	Steps int
}

// Failed reports whether the run ended with an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Run parses source and executes it against env. A nil env starts empty.
// A malformed command fails the run when it is reached, after the commands
// before it have run; a document that is not a command list fails at once.
func (e *Engine) Run(ctx context.Context, source []byte, env *Environment) Result {
	if env == nil {
		env = NewEnvironment()
	}
	cmds, err := parser.ParseLenient(source)
	if err != nil {
		se := types.NewInvalidCommand("invalid script document")
		se.Err = err
		return Result{Code: SentinelCode, Env: env, Err: se}
	}
	return e.RunCommands(ctx, cmds, env)
}

// RunCommands executes an already parsed command list and maps its outcome
// to a result code.
func (e *Engine) RunCommands(ctx context.Context, cmds []*ast.Command, env *Environment) Result {
	if env == nil {
		env = NewEnvironment()
	}
	e.resetSteps()

	sig, err := e.Execute(ctx, cmds, env)
	res := Result{Env: env, Steps: e.StepCount()}

	switch {
	case err != nil:
		res.Code = SentinelCode
		res.Err = types.AsScriptError(err)
	case sig.Is(command.SignalExit):
		res.Code = sig.Code
	case sig.Is(command.SignalBreak), sig.Is(command.SignalContinue):
		res.Code = SentinelCode
		res.Err = types.NewStructuralError("%s outside of a loop", sig).Attach(sig.Origin)
	}

	if res.Err != nil {
		e.logger.Debug().Str("kind", string(res.Err.Kind)).Msg(res.Err.Message)
	}
	return res
}

// Run executes source with a fresh engine and returns the result code and
// the failure, if any.
func Run(ctx context.Context, source []byte, env *Environment, opts ...Option) (int, error) {
	res := NewEngine(opts...).Run(ctx, source, env)
	if res.Err != nil {
		return res.Code, res.Err
	}
	return res.Code, nil
}

// Runner executes successive scripts against one persistent environment
// and keeps the failure of the last run for inspection.
type Runner struct {
	engine *Engine
	env    *Environment
	last   Result
}

// NewRunner creates a runner with an empty environment.
func NewRunner(opts ...Option) *Runner {
	return &Runner{engine: NewEngine(opts...), env: NewEnvironment()}
}

// Run executes src and returns its result code.
func (r *Runner) Run(ctx context.Context, src string) int {
	r.last = r.engine.Run(ctx, []byte(src), r.env)
	return r.last.Code
}

// Variables returns the environment shared by all runs.
func (r *Runner) Variables() *Environment {
	return r.env
}

// Err returns the failure of the last run, or nil.
func (r *Runner) Err() error {
	if r.last.Err == nil {
		return nil
	}
	return r.last.Err
}

// Steps returns the number of commands the last run dispatched.
func (r *Runner) Steps() int {
	return r.last.Steps
}
