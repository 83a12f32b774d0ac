package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages, tools)
	}
	return &Response{Content: "mock response"}, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestRetryProviderRecovers(t *testing.T) {
	calls := 0
	mock := &MockProvider{CompleteFunc: func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
		calls++
		if calls < 3 {
			return nil, &APIError{Provider: "openai", StatusCode: 503, Body: "overloaded"}
		}
		return &Response{Content: "ok"}, nil
	}}

	resp, err := WithRetry(mock, "openai", fastPolicy()).Complete(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected 'ok', got %q", resp.Content)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryProviderGivesUp(t *testing.T) {
	calls := 0
	mock := &MockProvider{CompleteFunc: func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
		calls++
		return nil, errors.New("connection reset by peer")
	}}

	_, err := WithRetry(mock, "openai", fastPolicy()).Complete(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryProviderPermanent(t *testing.T) {
	calls := 0
	mock := &MockProvider{CompleteFunc: func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
		calls++
		return nil, &APIError{Provider: "openai", StatusCode: 401, Body: "bad key"}
	}}

	_, err := WithRetry(mock, "openai", fastPolicy()).Complete(context.Background(), nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("expected the 401 error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("connection refused"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("invalid request"), false},
		{errors.New("unauthorized"), false},
		{errors.New("forbidden"), false},
		{errors.New("something odd"), true},
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 500}, true},
		{&APIError{StatusCode: 400}, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
