package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/command"
	"github.com/lemonberrylabs/yrunner/pkg/stdlib"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// MaxStepsPerRun is the default maximum number of commands a single run may
// dispatch, counting every loop iteration.
const MaxStepsPerRun = 1_000_000

// ErrCancelled is returned when a run is stopped through Engine.Cancel.
var ErrCancelled = errors.New("execution cancelled")

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the default command set.
func WithRegistry(r *command.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithCommands registers extra commands, replacing defaults of the same name.
func WithCommands(descs ...*command.Descriptor) Option {
	return func(e *Engine) { e.overrides = append(e.overrides, descs...) }
}

// WithLogger sets the logger used for engine events and the log command.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxSteps bounds the number of dispatched commands per run. Zero or
// less disables the limit.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithHTTPClient sets the client used by the request command.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.stdlib.HTTPClient = c }
}

// WithUserAgent sets the default User-Agent of the request command.
func WithUserAgent(ua string) Option {
	return func(e *Engine) { e.stdlib.UserAgent = ua }
}

// WithMaxResponseSize caps response bodies read by the request command.
func WithMaxResponseSize(n int64) Option {
	return func(e *Engine) { e.stdlib.MaxResponseSize = n }
}

// WithClock sets the time source of the gettime command.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.stdlib.Clock = clock }
}

// WithSleeper sets how the sleep command waits.
func WithSleeper(s stdlib.Sleeper) Option {
	return func(e *Engine) { e.stdlib.Sleeper = s }
}

// Engine executes command trees. An engine owns its registry; engines share
// nothing, so independent runs may use separate engines concurrently.
type Engine struct {
	registry  *command.Registry
	overrides []*command.Descriptor
	logger    zerolog.Logger
	maxSteps  int
	stdlib    stdlib.Options

	mu        sync.Mutex
	stepCount int
	cancelled bool
}

// NewEngine creates an engine with the built-in and collaborator commands.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:   zerolog.Nop(),
		maxSteps: MaxStepsPerRun,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = command.NewRegistry(builtins()...)
		e.registry.Register(stdlib.Commands(e.stdlib)...)
	} else {
		e.registry = e.registry.Clone()
	}
	e.registry.Register(e.overrides...)
	return e
}

// Registry returns the engine's command registry.
func (e *Engine) Registry() *command.Registry {
	return e.registry
}

// Logger returns the engine logger.
func (e *Engine) Logger() *zerolog.Logger {
	return &e.logger
}

// session binds an engine to the environment of one run; it is the
// command.Runtime handed to handlers.
type session struct {
	engine *Engine
	env    *Environment
}

func (s *session) Get(name string) (types.Value, bool) {
	return s.env.Get(name)
}

func (s *session) Set(path string, v types.Value) error {
	return s.env.SetPath(path, v)
}

func (s *session) Exec(ctx context.Context, cmds []*ast.Command) (command.Signal, error) {
	return s.engine.Execute(ctx, cmds, s.env)
}

func (s *session) Logger() *zerolog.Logger {
	return &s.engine.logger
}

// Execute runs cmds top to bottom against env. It stops at the first
// command that fails or returns a signal other than None, and hands that
// signal to the caller.
func (e *Engine) Execute(ctx context.Context, cmds []*ast.Command, env *Environment) (command.Signal, error) {
	rt := &session{engine: e, env: env}
	if len(cmds) == 0 {
		// An empty block still costs a step, so an empty loop body is bounded.
		return command.None, e.step(ctx)
	}
	for _, cmd := range cmds {
		if err := e.step(ctx); err != nil {
			return command.None, types.AsScriptError(err).Attach(cmd)
		}

		sig, err := e.executeCommand(ctx, cmd, rt)
		if err != nil {
			return command.None, err
		}
		if !sig.IsNone() {
			return sig, nil
		}
	}
	return command.None, nil
}

// step checks for cancellation and counts one dispatched command.
func (e *Engine) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.NewExecutionError(err, "execution interrupted")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return types.NewExecutionError(ErrCancelled, "execution cancelled")
	}
	e.stepCount++
	if e.maxSteps > 0 && e.stepCount > e.maxSteps {
		return types.NewExecutionError(nil, "execution exceeded maximum step limit of %d", e.maxSteps)
	}
	return nil
}

// executeCommand dispatches a single command.
func (e *Engine) executeCommand(ctx context.Context, cmd *ast.Command, rt *session) (command.Signal, error) {
	if cmd.Invalid != nil {
		se := types.NewInvalidCommand("malformed command")
		se.Err = cmd.Invalid
		return command.None, se.Attach(cmd)
	}
	desc, ok := e.registry.Lookup(cmd.Name)
	if !ok {
		return command.None, types.NewInvalidCommand("unknown command %q", cmd.Name).Attach(cmd)
	}

	if unknown := desc.Unknown(cmd); len(unknown) > 0 {
		e.logger.Debug().Str("cmd", cmd.Name).Int("line", cmd.Line).Strs("params", unknown).Msg("ignoring unknown parameters")
	}
	e.logger.Debug().Str("cmd", cmd.Name).Int("line", cmd.Line).Msg("dispatch")

	args, err := desc.Resolve(cmd, rt)
	if err != nil {
		return command.None, types.AsScriptError(err).Attach(cmd)
	}

	sig, err := desc.Handler(ctx, command.NewCall(desc, cmd, args, rt))
	if err != nil {
		return command.None, types.AsScriptError(err).Attach(cmd)
	}
	if (sig.Is(command.SignalBreak) || sig.Is(command.SignalContinue)) && sig.Origin == nil {
		sig.Origin = cmd
	}
	return sig, nil
}

// Cancel stops the current run before its next command.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

// StepCount returns the number of commands dispatched so far.
func (e *Engine) StepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCount
}

func (e *Engine) resetSteps() {
	e.mu.Lock()
	e.stepCount = 0
	e.mu.Unlock()
}
