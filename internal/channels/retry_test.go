package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	got, err := WithRetry(context.Background(),
		RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, Name: "test"},
		func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Errorf("got %q after %d attempts", got, attempts)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(),
		RetryOptions{MaxAttempts: 2, BaseDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			attempts++
			return 0, errors.New("permanent")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := WithRetry(ctx,
		RetryOptions{MaxAttempts: 5, BaseDelay: time.Hour},
		func(ctx context.Context) (int, error) {
			cancel()
			return 0, errors.New("fail then wait")
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
