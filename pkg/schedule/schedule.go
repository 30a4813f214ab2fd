// Package schedule runs stored scripts on crontab schedules.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/store"
)

// RunFunc starts one run of the script with the given id.
type RunFunc func(ctx context.Context, scriptID string) error

// Validate checks a five-field crontab expression. The empty string is
// valid and means "not scheduled".
func Validate(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithLocation sets the time zone crontab expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

type entry struct {
	job  uuid.UUID
	spec string
}

// Scheduler keeps one cron job per scheduled script.
type Scheduler struct {
	cron     gocron.Scheduler
	run      RunFunc
	logger   zerolog.Logger
	location *time.Location

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]entry
}

// New creates a scheduler that calls run on every tick. Call Start to begin
// firing jobs.
func New(run RunFunc, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		run:      run,
		logger:   zerolog.Nop(),
		location: time.Local,
		jobs:     make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	c, err := gocron.NewScheduler(
		gocron.WithLocation(s.location),
		gocron.WithLogger(cronLogger{s.logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s.cron = c
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Sync registers, replaces or removes the job of sc according to its
// schedule.
func (s *Scheduler) Sync(sc *store.Script) error {
	if sc.Schedule == "" {
		s.Remove(sc.ID)
		return nil
	}
	if err := Validate(sc.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.jobs[sc.ID]; ok {
		if cur.spec == sc.Schedule {
			return nil
		}
		if err := s.cron.RemoveJob(cur.job); err != nil {
			s.logger.Warn().Err(err).Str("script", sc.ID).Msg("failed to remove job")
		}
		delete(s.jobs, sc.ID)
	}

	id := sc.ID
	job, err := s.cron.NewJob(
		gocron.CronJob(sc.Schedule, false),
		gocron.NewTask(s.tick, id),
		gocron.WithName(id),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule script '%s': %w", id, err)
	}
	s.jobs[id] = entry{job: job.ID(), spec: sc.Schedule}
	s.logger.Info().Str("script", id).Str("schedule", sc.Schedule).Msg("script scheduled")
	return nil
}

func (s *Scheduler) tick(scriptID string) {
	if err := s.run(s.ctx, scriptID); err != nil {
		s.logger.Error().Err(err).Str("script", scriptID).Msg("scheduled run failed to start")
		return
	}
	s.logger.Debug().Str("script", scriptID).Msg("scheduled run started")
}

// Remove drops the job of a script, if any.
func (s *Scheduler) Remove(scriptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[scriptID]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(cur.job); err != nil {
		s.logger.Warn().Err(err).Str("script", scriptID).Msg("failed to remove job")
	}
	delete(s.jobs, scriptID)
	s.logger.Info().Str("script", scriptID).Msg("script unscheduled")
}

// Scheduled returns the ids of the scheduled scripts, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextRun returns the next tick of a script's job.
func (s *Scheduler) NextRun(scriptID string) (time.Time, bool) {
	job, ok := s.job(scriptID)
	if !ok {
		return time.Time{}, false
	}
	next, err := job.NextRun()
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// RunNow fires a script's job immediately, outside its schedule.
func (s *Scheduler) RunNow(scriptID string) error {
	job, ok := s.job(scriptID)
	if !ok {
		return fmt.Errorf("script '%s' is not scheduled", scriptID)
	}
	return job.RunNow()
}

func (s *Scheduler) job(scriptID string) (gocron.Job, bool) {
	s.mu.Lock()
	cur, ok := s.jobs[scriptID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	for _, j := range s.cron.Jobs() {
		if j.ID() == cur.job {
			return j, true
		}
	}
	return nil, false
}

// Stop shuts the scheduler down and cancels the context handed to runs it
// started.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.cron.Shutdown()
}

// cronLogger adapts zerolog to gocron's logger interface.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Debug(msg string, args ...any) { c.l.Debug().Fields(args).Msg(msg) }
func (c cronLogger) Info(msg string, args ...any)  { c.l.Info().Fields(args).Msg(msg) }
func (c cronLogger) Warn(msg string, args ...any)  { c.l.Warn().Fields(args).Msg(msg) }
func (c cronLogger) Error(msg string, args ...any) { c.l.Error().Fields(args).Msg(msg) }
