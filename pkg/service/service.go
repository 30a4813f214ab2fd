// Package service manages stored scripts and executes their runs. The REST
// and gRPC surfaces and the scheduler all go through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/ast"
	"github.com/lemonberrylabs/yrunner/pkg/parser"
	"github.com/lemonberrylabs/yrunner/pkg/runtime"
	"github.com/lemonberrylabs/yrunner/pkg/schedule"
	"github.com/lemonberrylabs/yrunner/pkg/store"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

var (
	// ErrInvalidSource is returned for a script document that does not parse.
	ErrInvalidSource = errors.New("invalid script source")

	// ErrInvalidArgument is returned for malformed variables or schedules.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Scheduler is notified of script changes so it can keep cron jobs in sync.
type Scheduler interface {
	Sync(sc *store.Script) error
	Remove(scriptID string)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Run engines log through it too.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEngineOptions sets the options every run engine is created with.
func WithEngineOptions(opts ...runtime.Option) Option {
	return func(s *Service) { s.engineOpts = append(s.engineOpts, opts...) }
}

// active is a run executing in the background.
type active struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service executes runs of stored scripts, one goroutine, engine and
// environment per run.
type Service struct {
	store      store.Store
	logger     zerolog.Logger
	engineOpts []runtime.Option

	schedMu sync.RWMutex
	sched   Scheduler

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*active
}

// New creates a service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		logger: zerolog.Nop(),
		active: make(map[string]*active),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.stop = context.WithCancel(context.Background())
	return s
}

// Store returns the underlying store.
func (s *Service) Store() store.Store {
	return s.store
}

// SetScheduler attaches a scheduler and registers every stored script that
// has a schedule.
func (s *Service) SetScheduler(sched Scheduler) error {
	s.schedMu.Lock()
	s.sched = sched
	s.schedMu.Unlock()

	scripts, err := s.store.ListScripts()
	if err != nil {
		return err
	}
	for _, sc := range scripts {
		if sc.Schedule == "" {
			continue
		}
		if err := sched.Sync(sc); err != nil {
			s.logger.Warn().Err(err).Str("script", sc.ID).Msg("failed to schedule script")
		}
	}
	return nil
}

func (s *Service) scheduler() Scheduler {
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	return s.sched
}

// Validate parses a script source and checks its schedule and variables.
func Validate(source, sched, variables string) ([]*ast.Command, error) {
	cmds, err := parser.Parse([]byte(source))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if err := schedule.Validate(sched); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := decodeVariables(variables); err != nil {
		return nil, err
	}
	return cmds, nil
}

// CreateScript validates and stores a new script.
func (s *Service) CreateScript(in *store.Script) (*store.Script, error) {
	if _, err := Validate(in.Source, in.Schedule, in.Variables); err != nil {
		return nil, err
	}
	sc, err := s.store.CreateScript(in)
	if err != nil {
		return nil, err
	}
	s.syncSchedule(sc)
	s.logger.Info().Str("script", sc.ID).Str("revision", sc.RevisionID).Msg("script created")
	return sc, nil
}

// UpdateScript validates the changed fields and starts a new revision.
func (s *Service) UpdateScript(id string, u store.ScriptUpdate) (*store.Script, error) {
	cur, err := s.store.GetScript(id)
	if err != nil {
		return nil, err
	}
	source, sched, vars := cur.Source, cur.Schedule, cur.Variables
	if u.Source != nil {
		source = *u.Source
	}
	if u.Schedule != nil {
		sched = *u.Schedule
	}
	if u.Variables != nil {
		vars = *u.Variables
	}
	if _, err := Validate(source, sched, vars); err != nil {
		return nil, err
	}

	sc, err := s.store.UpdateScript(id, u)
	if err != nil {
		return nil, err
	}
	s.syncSchedule(sc)
	s.logger.Info().Str("script", sc.ID).Str("revision", sc.RevisionID).Msg("script updated")
	return sc, nil
}

// PutScript creates a script or, when its source differs from the stored
// one, updates it. It reports whether anything changed.
func (s *Service) PutScript(in *store.Script) (*store.Script, bool, error) {
	cur, err := s.store.GetScript(in.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sc, err := s.CreateScript(in)
		return sc, err == nil, err
	case err != nil:
		return nil, false, err
	case cur.Source == in.Source:
		return cur, false, nil
	}
	sc, err := s.UpdateScript(in.ID, store.ScriptUpdate{Source: &in.Source})
	return sc, err == nil, err
}

// DeleteScript removes a script and its schedule. Runs in flight continue.
func (s *Service) DeleteScript(id string) error {
	if err := s.store.DeleteScript(id); err != nil {
		return err
	}
	if sched := s.scheduler(); sched != nil {
		sched.Remove(id)
	}
	s.logger.Info().Str("script", id).Msg("script deleted")
	return nil
}

func (s *Service) syncSchedule(sc *store.Script) {
	sched := s.scheduler()
	if sched == nil {
		return
	}
	if err := sched.Sync(sc); err != nil {
		s.logger.Warn().Err(err).Str("script", sc.ID).Msg("failed to schedule script")
	}
}

// decodeVariables parses a JSON object of variables. The empty string
// yields null.
func decodeVariables(raw string) (types.Value, error) {
	v, err := store.DecodeValue(raw)
	if err != nil {
		return types.Null, fmt.Errorf("%w: variables: %v", ErrInvalidArgument, err)
	}
	if !v.IsNull() && v.Type() != types.TypeMap {
		return types.Null, fmt.Errorf("%w: variables must be an object, got %s", ErrInvalidArgument, v.Type())
	}
	return v, nil
}

// seed builds the environment of a run: the script's variables overlaid
// with the run's.
func seed(scriptVars string, runVars types.Value) (*runtime.Environment, error) {
	base, err := decodeVariables(scriptVars)
	if err != nil {
		return nil, err
	}
	env, err := runtime.EnvironmentFromValue(base)
	if err != nil {
		return nil, err
	}
	switch runVars.Type() {
	case types.TypeNull:
	case types.TypeMap:
		m := runVars.AsMap()
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			env.Set(k, v)
		}
	default:
		return nil, fmt.Errorf("%w: variables must be an object, got %s", ErrInvalidArgument, runVars.Type())
	}
	return env, nil
}

// StartRun records a new run of a script and executes it in the
// background. The run stops when ctx is cancelled, when CancelRun is called
// for it, or when the service shuts down.
func (s *Service) StartRun(ctx context.Context, scriptID string, vars types.Value) (*store.Run, error) {
	sc, err := s.store.GetScript(scriptID)
	if err != nil {
		return nil, err
	}
	env, err := seed(sc.Variables, vars)
	if err != nil {
		return nil, err
	}
	cmds, err := parser.Parse([]byte(sc.Source))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	run, err := s.store.CreateRun(scriptID, vars)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(s.base, cancel)
	a := &active{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.active[run.ID] = a
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(a.done)
		defer unlink()
		defer cancel()
		s.execute(runCtx, run, cmds, env)
	}()

	s.logger.Info().Str("script", scriptID).Str("run", run.ID).Msg("run started")
	return run, nil
}

func (s *Service) execute(ctx context.Context, run *store.Run, cmds []*ast.Command, env *runtime.Environment) {
	logger := s.logger.With().Str("run", run.ID).Str("script", run.Script).Logger()
	opts := append([]runtime.Option{runtime.WithLogger(logger)}, s.engineOpts...)
	res := runtime.NewEngine(opts...).RunCommands(ctx, cmds, env)

	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	if res.Failed() && ctx.Err() != nil {
		if _, err := s.store.CancelRun(run.ID); err != nil && !errors.Is(err, store.ErrNotActive) {
			logger.Error().Err(err).Msg("failed to record cancellation")
		}
	}

	finished, err := s.store.FinishRun(run.ID, store.Outcome{
		ExitCode:  res.Code,
		Variables: res.Env.ToValue(),
		Err:       res.Err,
		Steps:     res.Steps,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record run outcome")
		return
	}
	ev := logger.Info()
	if finished.State == store.RunFailed {
		ev = logger.Error().Str("kind", string(res.Err.Kind)).Str("error", res.Err.Message)
	}
	ev.Str("state", string(finished.State)).Int("code", res.Code).Int("steps", res.Steps).Msg("run finished")
}

// Await blocks until a run is no longer executing, then returns its record.
func (s *Service) Await(ctx context.Context, runID string) (*store.Run, error) {
	s.mu.Lock()
	a, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.GetRun(runID)
}

// RunAndWait starts a run and waits for it to finish.
func (s *Service) RunAndWait(ctx context.Context, scriptID string, vars types.Value) (*store.Run, error) {
	run, err := s.StartRun(ctx, scriptID, vars)
	if err != nil {
		return nil, err
	}
	return s.Await(ctx, run.ID)
}

// CancelRun marks a run as cancelled and stops it before its next command.
func (s *Service) CancelRun(runID string) (*store.Run, error) {
	run, err := s.store.CancelRun(runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	a, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		a.cancel()
	}
	s.logger.Info().Str("run", runID).Msg("run cancelled")
	return run, nil
}

// Execute runs a script source directly, without storing it or its run.
func (s *Service) Execute(ctx context.Context, source string, vars types.Value) (runtime.Result, error) {
	env, err := seed("", vars)
	if err != nil {
		return runtime.Result{}, err
	}
	opts := append([]runtime.Option{runtime.WithLogger(s.logger)}, s.engineOpts...)
	return runtime.NewEngine(opts...).Run(ctx, []byte(source), env), nil
}

// Active returns the number of runs executing.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every run in flight and waits for them to record their
// outcome, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
