package jobs

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/metrics"
	"github.com/codecloud/vps-control-plane/internal/reconcile"
)

type Sweeper interface {
	Sweep(ctx context.Context, opts reconcile.SweepOptions) (reconcile.Summary, error)
}

type Options struct {
	Clock    clock.Clock
	Interval time.Duration
	Sweep    reconcile.SweepOptions
	// OnSweep receives every summary, including failed ones.
	OnSweep func(reconcile.Summary, error)
}

type Runner struct {
	sweeper  Sweeper
	clock    clock.Clock
	interval time.Duration
	opts     reconcile.SweepOptions
	onSweep  func(reconcile.Summary, error)
}

func NewRunner(sweeper Sweeper, opts Options) *Runner {
	r := &Runner{
		sweeper:  sweeper,
		clock:    opts.Clock,
		interval: opts.Interval,
		opts:     opts.Sweep,
		onSweep:  opts.OnSweep,
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Minute
	}
	return r
}

// Start runs the expiry sweep immediately and then on every interval until
// ctx is done.
func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "expiry_sweep", r.interval, r.sweep)
}

// RunOnce performs a single sweep and returns its summary.
func (r *Runner) RunOnce(ctx context.Context) (reconcile.Summary, error) {
	var sum reconcile.Summary
	err := r.runOnce(ctx, "expiry_sweep", func(c context.Context) error {
		var err error
		sum, err = r.sweeper.Sweep(c, r.opts)
		return err
	})
	return sum, err
}

func (r *Runner) sweep(ctx context.Context) error {
	sum, err := r.sweeper.Sweep(ctx, r.opts)
	if r.onSweep != nil {
		r.onSweep(sum, err)
	}
	return err
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	_ = r.runOnce(ctx, name, fn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) error {
	start := r.clock.Now()
	err := fn(ctx)
	durMs := float64(r.clock.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Error("job run", "name", name, "status", "error", "duration_ms", int64(durMs), "err", err)
		labels["status"] = "error"
	} else {
		log.Info("job run", "name", name, "status", "ok", "duration_ms", int64(durMs))
		labels["status"] = "ok"
		metrics.Default().SetGauge("codecloud_job_last_success_unixtime", float64(r.clock.Now().Unix()), map[string]string{"job": name})
	}
	metrics.Default().IncCounter("codecloud_job_runs_total", labels)
	metrics.Default().ObserveHistogram("codecloud_job_duration_ms", durMs, map[string]string{"job": name})
	return err
}
