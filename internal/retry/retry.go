package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/metrics"
)

type Backoff int

const (
	Fixed Backoff = iota
	Exponential
)

type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Backoff  Backoff
	Jitter   bool
	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except errors wrapped with Permanent.
	Retryable func(error) bool
	// Reason labels the retry metric; nil uses "error".
	Reason func(error) string
}

// Default mirrors the transient-error policy used for single hosting calls.
var Default = Policy{
	Attempts: 4,
	Delay:    250 * time.Millisecond,
	MaxDelay: 2 * time.Second,
	Backoff:  Exponential,
	Jitter:   true,
}

// FixedPolicy retries n times with a constant pause, as the provisioning steps do.
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Backoff: Fixed}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The last error is returned unwrapped from Permanent.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			metrics.Default().IncCounter("codecloud_retry_exhausted_total", map[string]string{"op": op})
			return err
		}
		reason := "error"
		if p.Reason != nil {
			reason = p.Reason(err)
		}
		metrics.Default().IncCounter("codecloud_retries_total", map[string]string{
			"op":     op,
			"reason": reason,
		})
		delay := p.delay(attempt)
		log.Warn("retry", "op", op, "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", err)
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Delay
	if p.Backoff == Exponential {
		d = p.Delay * time.Duration(1<<(attempt-1))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = withJitter(d)
	}
	return d
}

// Sleep waits for d or until ctx is done. Non-positive durations return at once.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}
