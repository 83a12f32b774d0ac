package gateway

import (
	"context"
	"fmt"

	"github.com/user/calclaw/internal/types"
)

// Gateway turns inbound messages into runs. It resolves (or creates)
// sessions, wraps each message in a Run, and enqueues the run for
// processing.
type Gateway struct {
	sessions types.SessionStore
	Queue    *Queue

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway wired to the session store with the given
// concurrency limit for simultaneous run processing.
func New(sessions types.SessionStore, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 4
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		sessions: sessions,
		Queue:    NewQueue(concurrency),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound resolves or creates the message's session, wraps the
// message in a Run, and enqueues it. It returns the session id the run
// was queued under.
func (g *Gateway) HandleInbound(ctx context.Context, msg *types.InboundMessage, opts ...RunOption) (types.SessionID, error) {
	session, err := g.sessions.GetOrCreate(ctx, msg.SessionID)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	run := NewRun(session.ID, msg)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return session.ID, err
	}
	return session.ID, nil
}

// Reply is the outcome of a synchronous Chat call.
type Reply struct {
	SessionID types.SessionID
	Text      string
}

// Chat enqueues msg and waits for its reply. Runs on one session are
// still serialized with every other transport's runs on that session.
func (g *Gateway) Chat(ctx context.Context, msg *types.InboundMessage) (*Reply, error) {
	done := make(chan string, 1)
	sid, err := g.HandleInbound(ctx, msg, WithOnComplete(func(resp string) {
		done <- resp
	}))
	if err != nil {
		return nil, err
	}
	select {
	case text := <-done:
		return &Reply{SessionID: sid, Text: text}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
