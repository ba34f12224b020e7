package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

type hintedErr struct {
	hint time.Duration
}

func (e *hintedErr) Error() string { return "rate limited" }

func (e *hintedErr) RetryAfterHint() (time.Duration, bool) { return e.hint, true }

func TestRetryDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	val, err := RetryDo(context.Background(), RetryConfig{InitialDelay: time.Millisecond}, nil,
		func(ctx context.Context) (int, error) {
			calls++
			return 42, nil
		})
	if err != nil || val != 42 {
		t.Fatalf("got (%d, %v)", val, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	val, err := RetryDo(context.Background(), RetryConfig{InitialDelay: time.Millisecond}, nil,
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	if err != nil || val != "ok" {
		t.Fatalf("got (%q, %v)", val, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	final := errors.New("still broken")
	_, err := RetryDo(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, final
		})
	if !errors.Is(err, final) {
		t.Fatalf("expected last error to surface, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryDo_NonRetryableSurfacesImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	_, err := RetryDo(context.Background(), RetryConfig{
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, fatal) },
	}, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error must not be retried, got %d calls", calls)
	}
}

func TestRetryDo_RetryAfterRaisesDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := RetryDo(context.Background(), RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}, nil, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &hintedErr{hint: 50 * time.Millisecond}
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Retry-After hint must raise the next delay, waited %v", elapsed)
	}
}

func TestRetryDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, RetryConfig{InitialDelay: time.Millisecond}, nil,
		func(ctx context.Context) (int, error) {
			return 0, errors.New("never retried")
		})
	if err == nil {
		t.Fatalf("expected error on canceled context")
	}
}

func TestErrorClass(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("connection refused"), "network"},
	}
	for _, tc := range cases {
		if got := errorClass(tc.err); got != tc.want {
			t.Errorf("errorClass(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
