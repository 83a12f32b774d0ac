package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/calclaw/internal/logging"
	"github.com/user/calclaw/internal/types"
)

// ApologyReply is sent when a run fails for a reason the user cannot fix.
const ApologyReply = "Sorry, something went wrong while handling your request. Please try again in a moment."

// DefaultLaneSize is the number of runs a session lane buffers.
const DefaultLaneSize = 16

// ErrLaneFull is returned by Enqueue when a session already has too many
// runs waiting.
var ErrLaneFull = errors.New("session lane full")

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that runs within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent run processors across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Run
	laneSize  int
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Run),
		laneSize:  DefaultLaneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// SetLaneSize changes the per-session buffer for lanes created afterwards.
func (q *Queue) SetLaneSize(n int) {
	if n > 0 {
		q.laneSize = n
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the session's lane, creating the lane (and its
// goroutine) on first use. Returns ErrLaneFull if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return fmt.Errorf("queue not running")
	}

	lane, exists := q.lanes[run.SessionID]
	if !exists {
		lane = make(chan *Run, q.laneSize)
		q.lanes[run.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(run.SessionID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, run.SessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.fail(run, err)
				return
			}
			q.process(run)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(run *Run) {
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	started := time.Now()
	run.StartedAt = &started
	run.Status = RunStatusRunning
	run.Attempts++
	if run.Ctx == nil {
		run.Ctx = q.ctx
	}

	err := q.processor(run)
	ended := time.Now()
	run.EndedAt = &ended
	if err != nil {
		q.fail(run, err)
		return
	}
	run.Status = RunStatusComplete
}

func (q *Queue) fail(run *Run, err error) {
	run.Status = RunStatusFailed
	run.Error = err
	slog.Error("run failed",
		logging.KeyRunID, string(run.ID),
		logging.KeySessionID, string(run.SessionID),
		logging.KeyKind, string(types.KindOf(err)),
		logging.KeyError, err)
	if run.OnComplete != nil {
		run.OnComplete(ApologyReply)
	}
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
