package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/codecloud/vps-control-plane/internal/metrics"
)

var errBusy = errors.New("busy")

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), "push_descriptor", FixedPolicy(5, 0), func(context.Context, int) error {
		attempts++
		if attempts < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	metrics.ResetDefaultForTest()
	attempts := 0
	err := Do(context.Background(), "dispatch", FixedPolicy(7, 0), func(_ context.Context, attempt int) error {
		attempts = attempt
		return errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected errBusy, got %v", err)
	}
	if attempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", attempts)
	}
	out := metrics.Default().Render()
	if !strings.Contains(out, `codecloud_retry_exhausted_total{op="dispatch"} 1`) {
		t.Fatalf("missing exhaustion metric: %s", out)
	}
	if !strings.Contains(out, `codecloud_retries_total{op="dispatch",reason="error"} 6`) {
		t.Fatalf("missing retry metric: %s", out)
	}
}

func TestDo_NonRetryableDoesNotRetry(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		err    error
	}{
		{
			name:   "permanent wrapper",
			policy: FixedPolicy(4, 0),
			err:    Permanent(errBusy),
		},
		{
			name: "classifier rejects",
			policy: Policy{
				Attempts:  4,
				Retryable: func(err error) bool { return !errors.Is(err, errBusy) },
			},
			err: errBusy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), "create_repo", tt.policy, func(context.Context, int) error {
				attempts++
				return tt.err
			})
			if !errors.Is(err, errBusy) {
				t.Fatalf("expected errBusy, got %v", err)
			}
			if IsPermanent(err) {
				t.Fatalf("returned error should be unwrapped: %v", err)
			}
			if attempts != 1 {
				t.Fatalf("expected 1 attempt, got %d", attempts)
			}
		})
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, "push_descriptor", FixedPolicy(5, time.Hour), func(context.Context, int) error {
		attempts++
		cancel()
		return errBusy
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestPolicyDelay(t *testing.T) {
	exp := Policy{Delay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Backoff: Exponential}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 250 * time.Millisecond},
		{attempt: 2, want: 500 * time.Millisecond},
		{attempt: 3, want: time.Second},
		{attempt: 4, want: 2 * time.Second},
		{attempt: 6, want: 2 * time.Second},
	}
	for _, tt := range tests {
		if got := exp.delay(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: got %s, want %s", tt.attempt, got, tt.want)
		}
	}
	if got := FixedPolicy(5, 2*time.Second).delay(4); got != 2*time.Second {
		t.Fatalf("fixed delay changed: %s", got)
	}
}

func TestWithJitterStaysInRange(t *testing.T) {
	base := time.Second
	for i := 0; i < 50; i++ {
		got := withJitter(base)
		if got < base/10 || got >= base {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
}
