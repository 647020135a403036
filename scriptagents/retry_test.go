package scriptagents

import (
	"context"
	"errors"
	"testing"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        maxRetries,
		BaseDelay:         0.001,
		MaxDelay:          0.001,
		BackoffMultiplier: 1.0,
	}
}

func TestRetrySucceedsAfterTransientError(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonTransientError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("401 unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-transient error must not be retried, got %d calls", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("rate limit exceeded")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected initial call plus 2 retries, got %d calls", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, fastPolicy(2), func(ctx context.Context) (string, error) {
		return "", errors.New("timeout awaiting response")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"429 too many requests", true},
		{"rate limit exceeded", true},
		{"500 internal server error", true},
		{"overloaded_error: try again later", true},
		{"context deadline exceeded", true},
		{"connection reset by peer", true},
		{"401 unauthorized", false},
		{"invalid api key", false},
		{"model not found", false},
	}

	for _, tt := range tests {
		if got := IsTransient(errors.New(tt.msg)); got != tt.want {
			t.Errorf("IsTransient(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}

	if IsTransient(nil) {
		t.Error("nil error is not transient")
	}
}
