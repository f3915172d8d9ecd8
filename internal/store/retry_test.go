package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsEventually(t *testing.T) {
	cfg := RetryConfig{Base: time.Millisecond, Cap: 5 * time.Millisecond, Jitter: 0, Timeout: time.Second}

	attempts := 0
	err := WithRetry(context.Background(), cfg, time.Second, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryGivesUpAfterGraceWindow(t *testing.T) {
	cfg := RetryConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond, Jitter: 0, Timeout: time.Second}

	err := WithRetry(context.Background(), cfg, 20*time.Millisecond, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error once the grace window elapses")
	}
}

func TestWithRetryRespectsCancellation(t *testing.T) {
	cfg := RetryConfig{Base: 50 * time.Millisecond, Cap: time.Second, Jitter: 0, Timeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, cfg, time.Second, func(ctx context.Context) error {
		return errors.New("fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
