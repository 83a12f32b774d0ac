package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how failed model calls are retried with exponential
// backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, 2x multiplier
// and 30s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// Retryable classifies errors as retryable or permanent. Provider API
// errors decide by status code; other errors fall back to their message.
// Unknown errors default to retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") {
		return true
	}

	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return false
	}

	return true
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// RetryProvider retries Complete on transient failures.
type RetryProvider struct {
	next   Provider
	policy RetryPolicy
	name   string
}

// WithRetry wraps p. name identifies the provider in logs.
func WithRetry(p Provider, name string, policy RetryPolicy) *RetryProvider {
	return &RetryProvider{next: p, policy: policy, name: name}
}

func (r *RetryProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		var err error
		resp, err = r.next.Complete(ctx, messages, tools)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("model call failed, retrying", "provider", r.name, "attempt", attempt, "error", err)
		return err
	}
	if err := backoff.Retry(op, r.policy.backOff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}
