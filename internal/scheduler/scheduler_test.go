package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/calclaw/internal/state"
)

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "every-second",
		Schedule: "* * * * * *",
		Run: func(context.Context) error {
			fires.Add(1)
			return nil
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerFailingJobKeepsRunning(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "broken",
		Schedule: "* * * * * *",
		Run: func(context.Context) error {
			fires.Add(1)
			return errors.New("boom")
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	deadline := time.After(3500 * time.Millisecond)
	for fires.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated fires, got %d", fires.Load())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	sched := New(Job{Name: "bad", Schedule: "not a cron", Run: func(context.Context) error { return nil }})
	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerDescriptor(t *testing.T) {
	sched := New(Job{Name: "hourly", Schedule: "@every 1h", Run: func(context.Context) error { return nil }})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("expected descriptor to parse: %v", err)
	}
	sched.Stop()
}

func TestSweepJob(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := store.GetOrCreate(ctx, ""); err != nil {
			t.Fatal(err)
		}
	}

	if err := SweepJob(store, "@hourly", time.Hour).Run(ctx); err != nil {
		t.Fatal(err)
	}
	infos, _ := store.List(ctx)
	if len(infos) != 2 {
		t.Fatalf("fresh sessions should survive, got %d", len(infos))
	}

	// A negative ttl puts the cutoff in the future, so everything is idle.
	if err := SweepJob(store, "@hourly", -time.Hour).Run(ctx); err != nil {
		t.Fatal(err)
	}
	infos, _ = store.List(ctx)
	if len(infos) != 0 {
		t.Errorf("expected all sessions swept, got %d", len(infos))
	}
}
