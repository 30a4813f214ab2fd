package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/lemonberrylabs/yrunner/pkg/runtime"
	"github.com/lemonberrylabs/yrunner/pkg/stdlib"
	"github.com/lemonberrylabs/yrunner/pkg/store"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

const sumScript = `
- set:
    var: total
    value: base + n
- exit:
    code: total
`

// blockingSleeper blocks every sleep until its context is done and reports
// each call on entered.
func blockingSleeper(entered chan<- struct{}) runtime.Option {
	return runtime.WithSleeper(stdlib.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s := New(store.NewMemory(0), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func vars(t *testing.T, m map[string]interface{}) types.Value {
	t.Helper()
	return types.FromNative(m)
}

type fakeScheduler struct {
	synced  []string
	removed []string
}

func (f *fakeScheduler) Sync(sc *store.Script) error {
	f.synced = append(f.synced, sc.ID+"="+sc.Schedule)
	return nil
}

func (f *fakeScheduler) Remove(id string) { f.removed = append(f.removed, id) }

func TestCreateScriptValidation(t *testing.T) {
	s := newService(t)
	tests := []struct {
		name   string
		script store.Script
		want   error
	}{
		{"bad yaml", store.Script{ID: "a", Source: "- set: [unclosed"}, ErrInvalidSource},
		{"not a list", store.Script{ID: "a", Source: "exit: 1"}, ErrInvalidSource},
		{"bad schedule", store.Script{ID: "a", Source: "- exit", Schedule: "often"}, ErrInvalidArgument},
		{"variables not json", store.Script{ID: "a", Source: "- exit", Variables: "{"}, ErrInvalidArgument},
		{"variables not an object", store.Script{ID: "a", Source: "- exit", Variables: "[1]"}, ErrInvalidArgument},
		{"bad id", store.Script{ID: "-a", Source: "- exit"}, store.ErrInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := tt.script
			if _, err := s.CreateScript(&sc); !errors.Is(err, tt.want) {
				t.Errorf("CreateScript() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunSeedsVariables(t *testing.T) {
	s := newService(t)
	if _, err := s.CreateScript(&store.Script{ID: "sum", Source: sumScript, Variables: `{"base":10,"n":1}`}); err != nil {
		t.Fatal(err)
	}

	run, err := s.RunAndWait(context.Background(), "sum", vars(t, map[string]interface{}{"n": 5}))
	if err != nil {
		t.Fatalf("RunAndWait: %v", err)
	}
	if run.State != store.RunSucceeded || run.ExitCode != 15 {
		t.Fatalf("run = %+v", run)
	}
	result, err := store.DecodeValue(run.Result)
	if err != nil {
		t.Fatal(err)
	}
	if total, _ := result.Field("total"); !total.Equal(types.NewInt(15)) {
		t.Errorf("result = %v", result)
	}
	if run.Variables != `{"n":5}` {
		t.Errorf("run variables = %s", run.Variables)
	}

	if _, err := s.StartRun(context.Background(), "sum", types.NewInt(1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("non-object variables: %v", err)
	}
	if _, err := s.StartRun(context.Background(), "nope", types.Null); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing script: %v", err)
	}
}

func TestFailedRun(t *testing.T) {
	s := newService(t)
	if _, err := s.CreateScript(&store.Script{ID: "broken", Source: "- jump: 3"}); err != nil {
		t.Fatal(err)
	}
	run, err := s.RunAndWait(context.Background(), "broken", types.Null)
	if err != nil {
		t.Fatal(err)
	}
	if run.State != store.RunFailed || run.ExitCode != runtime.SentinelCode || run.Error == "" {
		t.Fatalf("run = %+v", run)
	}
}

func TestCancelRun(t *testing.T) {
	entered := make(chan struct{}, 1)
	s := newService(t, WithEngineOptions(blockingSleeper(entered)))
	if _, err := s.CreateScript(&store.Script{ID: "slow", Source: "- sleep: 60\n- exit: 1"}); err != nil {
		t.Fatal(err)
	}

	run, err := s.StartRun(context.Background(), "slow", types.Null)
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	if s.Active() != 1 {
		t.Errorf("Active() = %d", s.Active())
	}

	if _, err := s.CancelRun(run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := s.Await(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.RunCancelled {
		t.Errorf("state = %s", got.State)
	}
	if _, err := s.CancelRun(run.ID); !errors.Is(err, store.ErrNotActive) {
		t.Errorf("second cancel: %v", err)
	}
}

func TestShutdownCancelsRuns(t *testing.T) {
	entered := make(chan struct{}, 1)
	s := New(store.NewMemory(0), WithEngineOptions(blockingSleeper(entered)))
	if _, err := s.CreateScript(&store.Script{ID: "slow", Source: "- sleep: 60"}); err != nil {
		t.Fatal(err)
	}
	run, err := s.StartRun(context.Background(), "slow", types.Null)
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, err := s.Store().GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.RunCancelled {
		t.Errorf("state after shutdown = %s", got.State)
	}
}

func TestSchedulerNotified(t *testing.T) {
	s := newService(t)
	if _, err := s.CreateScript(&store.Script{ID: "early", Source: "- exit", Schedule: "@daily"}); err != nil {
		t.Fatal(err)
	}

	sched := &fakeScheduler{}
	if err := s.SetScheduler(sched); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateScript(&store.Script{ID: "late", Source: "- exit"}); err != nil {
		t.Fatal(err)
	}
	every := "*/5 * * * *"
	if _, err := s.UpdateScript("late", store.ScriptUpdate{Schedule: &every}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScript("early"); err != nil {
		t.Fatal(err)
	}

	want := []string{"early=@daily", "late=", "late=*/5 * * * *"}
	if !reflect.DeepEqual(sched.synced, want) {
		t.Errorf("synced = %v, want %v", sched.synced, want)
	}
	if !reflect.DeepEqual(sched.removed, []string{"early"}) {
		t.Errorf("removed = %v", sched.removed)
	}
}

func TestUpdateScriptValidation(t *testing.T) {
	s := newService(t)
	if _, err := s.CreateScript(&store.Script{ID: "a", Source: "- exit"}); err != nil {
		t.Fatal(err)
	}
	bad := "- if: [1"
	if _, err := s.UpdateScript("a", store.ScriptUpdate{Source: &bad}); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("bad source: %v", err)
	}
	if sc, _ := s.Store().GetScript("a"); sc.Revision != 1 {
		t.Error("a rejected update must not start a revision")
	}
	if _, err := s.UpdateScript("zzz", store.ScriptUpdate{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing script: %v", err)
	}
}

func TestPutScript(t *testing.T) {
	s := newService(t)
	in := &store.Script{ID: "w", Source: "- exit: 1"}
	if _, changed, err := s.PutScript(in); err != nil || !changed {
		t.Fatalf("first put: changed=%v err=%v", changed, err)
	}
	if _, changed, err := s.PutScript(in); err != nil || changed {
		t.Fatalf("same source: changed=%v err=%v", changed, err)
	}
	sc, changed, err := s.PutScript(&store.Script{ID: "w", Source: "- exit: 2"})
	if err != nil || !changed || sc.Revision != 2 {
		t.Fatalf("new source: %+v changed=%v err=%v", sc, changed, err)
	}
}

func TestExecute(t *testing.T) {
	s := newService(t)
	res, err := s.Execute(context.Background(), sumScript, vars(t, map[string]interface{}{"base": 1, "n": 2}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != 3 || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
	if _, err := s.Execute(context.Background(), "- exit", types.NewString("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad variables: %v", err)
	}
	if runs, _ := s.Store().ListRuns(""); len(runs) != 0 {
		t.Error("ad hoc runs must not be stored")
	}
}
