package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/calclaw/internal/types"
)

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.processor = func(run *Run) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		run := &Run{
			ID:        types.NewRunID(),
			SessionID: types.SessionID(fmt.Sprintf("session-%d", i)),
			Status:    RunStatusQueued,
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(500 * time.Millisecond)

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var processed int32

	queue.SetProcessor(func(run *Run) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	run := &Run{
		ID:        types.NewRunID(),
		SessionID: types.SessionID("test-session"),
		Status:    RunStatusQueued,
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed run, got %d", processed)
	}
}

func TestQueueSameSessionOrdering(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	queue.SetProcessor(func(run *Run) error {
		mu.Lock()
		order = append(order, run.Attempts) // reuse Attempts as sequence marker
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	sessionID := types.SessionID("same-session")
	for i := 0; i < 3; i++ {
		run := &Run{
			ID:        types.NewRunID(),
			SessionID: sessionID,
			Status:    RunStatusQueued,
			Attempts:  i,
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Errorf("expected order[%d] = %d, got %d", i, i, v)
		}
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	// Enqueue without setting a processor -- should not panic
	run := &Run{
		ID:        types.NewRunID(),
		SessionID: types.SessionID("no-proc"),
		Status:    RunStatusQueued,
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
}

func TestQueueLaneFull(t *testing.T) {
	queue := NewQueue(1)
	queue.SetLaneSize(1)
	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	queue.SetProcessor(func(run *Run) error {
		<-release
		return nil
	})
	defer close(release)

	sid := types.SessionID("busy")
	// The first run is picked up by the lane goroutine, the second fills
	// the buffer, so one of the next two must be rejected.
	var rejected error
	for i := 0; i < 3; i++ {
		if err := queue.Enqueue(&Run{ID: types.NewRunID(), SessionID: sid}); err != nil {
			rejected = err
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(rejected, ErrLaneFull) {
		t.Fatalf("expected ErrLaneFull, got %v", rejected)
	}
}

func TestQueueFailureSendsApology(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) error {
		return errors.New("model unreachable")
	})

	got := make(chan string, 1)
	run := &Run{
		ID:         types.NewRunID(),
		SessionID:  "s1",
		OnComplete: func(resp string) { got <- resp },
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-got:
		if resp != ApologyReply {
			t.Errorf("expected apology, got %q", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for apology")
	}
	if run.Status != RunStatusFailed {
		t.Errorf("expected failed status, got %s", run.Status)
	}
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	queue := NewQueue(1)
	if err := queue.Enqueue(&Run{SessionID: "s"}); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestQueueWaitIdle(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	queue.processor = func(run *Run) error {
		close(started)
		<-release
		return nil
	}

	if !queue.WaitIdle(10 * time.Millisecond) {
		t.Fatal("expected empty queue to be idle")
	}

	run := &Run{ID: types.NewRunID(), SessionID: types.NewSessionID(), Status: RunStatusQueued}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}
	<-started

	if queue.WaitIdle(150 * time.Millisecond) {
		t.Error("expected WaitIdle to time out while a run is in flight")
	}
	close(release)
	if !queue.WaitIdle(2 * time.Second) {
		t.Error("expected queue to become idle after the run finished")
	}
}
