package schedule

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/lemonberrylabs/yrunner/pkg/store"
)

func newScheduler(t *testing.T, run RunFunc) *Scheduler {
	t.Helper()
	s, err := New(run)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	t.Cleanup(func() { s.Stop() })
	return s
}

// nextRun waits for the scheduler to compute the next tick of a job.
func nextRun(t *testing.T, s *Scheduler, id string) time.Time {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if next, ok := s.NextRun(id); ok && !next.IsZero() {
			return next
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no next run for %q", id)
	return time.Time{}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"", false},
		{"* * * * *", false},
		{"*/5 0 * * 1-5", false},
		{"@hourly", false},
		{"* * * *", true},
		{"61 * * * *", true},
		{"every minute", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			err := Validate(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestSyncAndRemove(t *testing.T) {
	s := newScheduler(t, func(context.Context, string) error { return nil })

	if err := s.Sync(&store.Script{ID: "b", Schedule: "0 * * * *"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(&store.Script{ID: "a", Schedule: "*/10 * * * *"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(&store.Script{ID: "c"}); err != nil {
		t.Fatal(err)
	}
	if got := s.Scheduled(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Scheduled() = %v", got)
	}

	if next := nextRun(t, s, "b"); next.Minute() != 0 || !next.After(time.Now()) {
		t.Errorf("NextRun(b) = %v", next)
	}

	// A new schedule replaces the job; clearing it removes the job.
	if err := s.Sync(&store.Script{ID: "b", Schedule: "30 * * * *"}); err != nil {
		t.Fatal(err)
	}
	if next := nextRun(t, s, "b"); next.Minute() != 30 {
		t.Errorf("replaced job fires at minute %d", next.Minute())
	}
	if err := s.Sync(&store.Script{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	s.Remove("a")
	s.Remove("missing")
	if got := s.Scheduled(); len(got) != 0 {
		t.Errorf("Scheduled() after removal = %v", got)
	}
	if _, ok := s.NextRun("a"); ok {
		t.Error("removed script still has a next run")
	}
}

func TestSyncRejectsBadSchedule(t *testing.T) {
	s := newScheduler(t, func(context.Context, string) error { return nil })
	if err := s.Sync(&store.Script{ID: "x", Schedule: "not a crontab"}); err == nil {
		t.Fatal("expected error")
	}
	if len(s.Scheduled()) != 0 {
		t.Error("a rejected schedule must not register a job")
	}
}

func TestRunNow(t *testing.T) {
	fired := make(chan string, 1)
	s := newScheduler(t, func(ctx context.Context, id string) error {
		fired <- id
		return nil
	})
	if err := s.Sync(&store.Script{ID: "nightly", Schedule: "0 3 * * *"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("nightly"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	select {
	case id := <-fired:
		if id != "nightly" {
			t.Errorf("fired for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fire")
	}
	if err := s.RunNow("unknown"); err == nil {
		t.Error("expected error for an unscheduled script")
	}
}

func TestStopCancelsRunContext(t *testing.T) {
	got := make(chan context.Context, 1)
	s, err := New(func(ctx context.Context, id string) error {
		got <- ctx
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	if err := s.Sync(&store.Script{ID: "job", Schedule: "@daily"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("job"); err != nil {
		t.Fatal(err)
	}

	var ctx context.Context
	select {
	case ctx = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not fire")
	}
	if ctx.Err() != nil {
		t.Fatal("run context cancelled before Stop")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctx.Err() == nil {
		t.Error("Stop did not cancel the run context")
	}
}
