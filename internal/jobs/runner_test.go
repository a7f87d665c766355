package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codecloud/vps-control-plane/internal/reconcile"
)

type sweeperFunc func(ctx context.Context, opts reconcile.SweepOptions) (reconcile.Summary, error)

func (f sweeperFunc) Sweep(ctx context.Context, opts reconcile.SweepOptions) (reconcile.Summary, error) {
	return f(ctx, opts)
}

func TestRunnerSweepsOnEveryTick(t *testing.T) {
	mock := clock.NewMock()
	calls := make(chan reconcile.SweepOptions, 4)
	sweeper := sweeperFunc(func(_ context.Context, opts reconcile.SweepOptions) (reconcile.Summary, error) {
		calls <- opts
		return reconcile.Summary{}, nil
	})
	want := reconcile.SweepOptions{MaxSessions: 25, MaxTokenChecks: 20}
	r := NewRunner(sweeper, Options{Clock: mock, Interval: 10 * time.Minute, Sweep: want})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitCall := func() reconcile.SweepOptions {
		t.Helper()
		select {
		case got := <-calls:
			return got
		case <-time.After(2 * time.Second):
			t.Fatal("sweep did not run")
		}
		return reconcile.SweepOptions{}
	}
	if got := waitCall(); got != want {
		t.Fatalf("options = %+v, want %+v", got, want)
	}
	mock.Add(10 * time.Minute)
	waitCall()
}

func TestRunOnceReturnsSummary(t *testing.T) {
	boom := errors.New("index unreadable")
	var reported error
	sweeper := sweeperFunc(func(context.Context, reconcile.SweepOptions) (reconcile.Summary, error) {
		return reconcile.Summary{Errors: []string{boom.Error()}}, boom
	})
	r := NewRunner(sweeper, Options{Clock: clock.NewMock(), OnSweep: func(_ reconcile.Summary, err error) { reported = err }})

	sum, err := r.RunOnce(context.Background())
	if !errors.Is(err, boom) || len(sum.Errors) != 1 {
		t.Fatalf("RunOnce = %+v, %v", sum, err)
	}
	if reported != nil {
		t.Fatal("OnSweep is only for scheduled sweeps")
	}
}
