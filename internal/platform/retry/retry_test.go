package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-forks/phoenix-pubsub-redis/internal/platform/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Millisecond,
	MaxBackoff:     4 * time.Millisecond,
}

var alwaysRetry = func(err error) retry.Action { return retry.Retry }

func TestDo_SuccessFirstAttempt(t *testing.T) {
	err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", fastPolicy.MaxAttempts, calls)
	}
}

func TestDo_StopIsPermanent(t *testing.T) {
	calls := 0
	classify := func(err error) retry.Action { return retry.Stop }
	err := retry.Do(context.Background(), fastPolicy, classify, func() error {
		calls++
		return errors.New("fatal")
	})
	var perm *retry.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ZeroMaxAttemptsMeansSingleAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Policy{}, alwaysRetry, func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected the attempt's error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_NegativeMaxAttemptsMeansSingleAttempt(t *testing.T) {
	calls := 0
	policy := retry.Policy{MaxAttempts: -3}
	err := retry.Do(context.Background(), policy, alwaysRetry, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, policy, alwaysRetry, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestDo_OnRetryReportsBackoffGrowth(t *testing.T) {
	var backoffs []time.Duration
	policy := retry.Policy{
		MaxAttempts:    4,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			backoffs = append(backoffs, backoff)
		},
	}
	_ = retry.Do(context.Background(), policy, alwaysRetry, func() error {
		return errors.New("transient")
	})
	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}
	if len(backoffs) != len(want) {
		t.Fatalf("expected %d retries, got %d", len(want), len(backoffs))
	}
	for i := range want {
		if backoffs[i] != want[i] {
			t.Fatalf("backoff %d: expected %v, got %v", i, want[i], backoffs[i])
		}
	}
}
