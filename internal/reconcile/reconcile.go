// Package reconcile removes expired VPS repositories and keeps the token
// pool's health records fresh.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/metrics"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/retry"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
)

// Credentials is the token pool as seen by the reconciler.
type Credentials interface {
	Resolve(ctx context.Context, id string) (tokenpool.Lease, error)
	Select(ctx context.Context) (tokenpool.Lease, error)
	API(l tokenpool.Lease) hosting.API
	HealthSweep(ctx context.Context, maxAge time.Duration, limit int) (tokenpool.HealthReport, error)
}

type Store interface {
	ScanSessions(ctx context.Context) (store.SessionScan, error)
	GetSession(ctx context.Context, owner, repo string) (model.Session, error)
	DeleteSession(ctx context.Context, owner, repo string) error
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// Pauses give the host time to stop runners before a repository goes away.
type Pauses struct {
	AfterCancel       time.Duration
	AfterManualCancel time.Duration
	// BetweenSessions paces hosting calls across expired sessions.
	BetweenSessions time.Duration
}

func DefaultPauses() Pauses {
	return Pauses{
		AfterCancel:       3 * time.Second,
		AfterManualCancel: 2 * time.Second,
		BetweenSessions:   time.Second,
	}
}

type Options struct {
	Clock  clock.Clock
	Pauses *Pauses
	// TokenMaxAge is how old a credential check may be before the sweep
	// probes it again.
	TokenMaxAge time.Duration
	// Limiter overrides the pacing derived from Pauses.BetweenSessions.
	Limiter *rate.Limiter
}

type Reconciler struct {
	creds   Credentials
	store   Store
	clock   clock.Clock
	pauses  Pauses
	maxAge  time.Duration
	limiter *rate.Limiter
}

func New(creds Credentials, st Store, opts Options) *Reconciler {
	r := &Reconciler{
		creds:   creds,
		store:   st,
		clock:   opts.Clock,
		pauses:  DefaultPauses(),
		maxAge:  opts.TokenMaxAge,
		limiter: opts.Limiter,
	}
	if opts.Pauses != nil {
		r.pauses = *opts.Pauses
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.maxAge <= 0 {
		r.maxAge = tokenpool.DefaultMaxAge
	}
	if r.limiter == nil {
		if r.pauses.BetweenSessions > 0 {
			r.limiter = rate.NewLimiter(rate.Every(r.pauses.BetweenSessions), 1)
		} else {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
		}
	}
	return r
}

type Outcome string

const (
	OutcomeMissing        Outcome = "missing"
	OutcomeCorrupt        Outcome = "corrupt"
	OutcomeActive         Outcome = "active"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeTokenMissing   Outcome = "token_missing"
	OutcomeAlreadyDeleted Outcome = "already_deleted"
	OutcomeDeleted        Outcome = "deleted"
	OutcomeDeleteFailed   Outcome = "delete_failed"
	OutcomeError          Outcome = "error"
)

type SessionResult struct {
	Key           string  `json:"key"`
	Status        Outcome `json:"status"`
	Owner         string  `json:"owner,omitempty"`
	Repo          string  `json:"repo,omitempty"`
	Remaining     string  `json:"remaining,omitempty"`
	CancelledRuns int     `json:"cancelledWorkflows,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type SessionReport struct {
	Total   int             `json:"total"`
	Checked int             `json:"checked"`
	Deleted int             `json:"deleted"`
	Results []SessionResult `json:"results"`
}

// Summary is the outcome of one sweep.
type Summary struct {
	At       time.Time              `json:"timestamp"`
	Sessions SessionReport          `json:"vpsCleanup"`
	Tokens   tokenpool.HealthReport `json:"tokenHealth"`
	Errors   []string               `json:"errors,omitempty"`
}

// SweepOptions bounds one sweep. Zero (or negative) for either budget means
// no cap.
type SweepOptions struct {
	// MaxSessions caps how many sessions one sweep examines.
	MaxSessions int
	// MaxTokenChecks caps how many stale credentials one sweep probes.
	MaxTokenChecks int
}

// activeStatuses are the run states that can still write to a repository.
var activeStatuses = []string{"in_progress", "queued", "waiting", "pending", "requested"}

// Sweep deletes expired sessions, most overdue first, then re-probes stale
// credentials. Per-session failures land in the summary; the returned error
// is reserved for failures of the sweep as a whole.
func (r *Reconciler) Sweep(ctx context.Context, opts SweepOptions) (Summary, error) {
	summary := Summary{At: r.clock.Now().UTC()}
	var errs []error

	sessions, err := r.sweepSessions(ctx, opts.MaxSessions)
	summary.Sessions = sessions
	if err != nil {
		log.Error("session sweep failed", "err", err)
		errs = append(errs, err)
	}

	tokens, err := r.creds.HealthSweep(ctx, r.maxAge, opts.MaxTokenChecks)
	summary.Tokens = tokens
	if err != nil {
		log.Error("token health sweep failed", "err", err)
		errs = append(errs, fmt.Errorf("token health: %w", err))
	}

	metrics.Default().SetGauge("codecloud_sessions_tracked", float64(summary.Sessions.Total-summary.Sessions.Deleted), nil)
	metrics.Default().SetGauge("codecloud_credentials_tracked", float64(summary.Tokens.Total), nil)

	for _, e := range errs {
		summary.Errors = append(summary.Errors, e.Error())
	}
	log.Info("sweep done",
		"sessions_total", summary.Sessions.Total,
		"sessions_checked", summary.Sessions.Checked,
		"sessions_deleted", summary.Sessions.Deleted,
		"tokens_total", summary.Tokens.Total,
		"tokens_checked", summary.Tokens.Checked,
	)
	return summary, errors.Join(errs...)
}

func (r *Reconciler) sweepSessions(ctx context.Context, limit int) (SessionReport, error) {
	scan, err := r.store.ScanSessions(ctx)
	report := SessionReport{Results: []SessionResult{}}
	for _, key := range scan.Missing {
		report.Results = append(report.Results, r.count(SessionResult{Key: key, Status: OutcomeMissing}))
	}
	for _, key := range scan.Corrupt {
		report.Results = append(report.Results, r.count(SessionResult{Key: key, Status: OutcomeCorrupt}))
	}
	report.Total = len(scan.Sessions) + len(scan.Missing) + len(scan.Corrupt)
	if err != nil {
		return report, fmt.Errorf("scan sessions: %w", err)
	}

	sessions := scan.Sessions
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ExpiresAt.Before(sessions[j].ExpiresAt)
	})
	for _, sess := range sessions {
		key := store.SessionKey(sess.Owner, sess.Repo)
		if limit > 0 && report.Checked >= limit {
			report.Results = append(report.Results, r.count(SessionResult{Key: key, Status: OutcomeDeferred, Owner: sess.Owner, Repo: sess.Repo}))
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res := r.count(r.expire(ctx, sess))
		if res.Status == OutcomeDeleted {
			report.Deleted++
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (r *Reconciler) count(res SessionResult) SessionResult {
	metrics.Default().IncCounter("codecloud_sweep_sessions_total", map[string]string{"outcome": string(res.Status)})
	return res
}

// expire tears down one session once it is past its expiry. Tracking state
// is only removed after the repository is confirmed gone, so a failed
// attempt is retried by the next sweep.
func (r *Reconciler) expire(ctx context.Context, sess model.Session) SessionResult {
	res := SessionResult{Key: store.SessionKey(sess.Owner, sess.Repo), Owner: sess.Owner, Repo: sess.Repo}
	now := r.clock.Now()
	if !sess.Expired(now) {
		res.Status = OutcomeActive
		res.Remaining = fmt.Sprintf("%dm", int(sess.ExpiresAt.Sub(now).Round(time.Minute)/time.Minute))
		return res
	}
	log.Info("session expired", "owner", sess.Owner, "repo", sess.Repo, "expires_at", sess.ExpiresAt)

	lease, err := r.creds.Resolve(ctx, sess.TokenID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupt) && !errors.Is(err, tokenpool.ErrSealed) {
			res.Status, res.Error = OutcomeError, err.Error()
			return res
		}
		log.Warn("credential for expired session is gone, repository needs manual cleanup",
			"owner", sess.Owner, "repo", sess.Repo, "token_id", sess.TokenID)
		return r.untrack(ctx, res, OutcomeTokenMissing)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		res.Status, res.Error = OutcomeError, err.Error()
		return res
	}
	api := r.creds.API(lease)

	if _, err := api.GetRepo(ctx, sess.Owner, sess.Repo); hosting.StatusOf(err) == http.StatusNotFound {
		log.Info("repository already deleted", "owner", sess.Owner, "repo", sess.Repo)
		return r.untrack(ctx, res, OutcomeAlreadyDeleted)
	} else if err != nil {
		log.Warn("check repo before delete", "owner", sess.Owner, "repo", sess.Repo, "err", err)
	}

	res.CancelledRuns = cancelActive(ctx, api, sess.Owner, sess.Repo)
	if res.CancelledRuns > 0 {
		log.Info("cancelled workflow runs", "owner", sess.Owner, "repo", sess.Repo, "count", res.CancelledRuns)
		if err := retry.Sleep(ctx, r.pauses.AfterCancel); err != nil {
			res.Status, res.Error = OutcomeError, err.Error()
			return res
		}
	}

	if err := api.DeleteRepo(ctx, sess.Owner, sess.Repo); err != nil && hosting.StatusOf(err) != http.StatusNotFound {
		log.Warn("delete expired repo", "owner", sess.Owner, "repo", sess.Repo, "err", err)
		res.Status, res.Error = OutcomeDeleteFailed, hostMessage(err)
		return res
	}
	res = r.untrack(ctx, res, OutcomeDeleted)
	if res.Status != OutcomeDeleted {
		return res
	}
	log.Info("deleted expired repo", "owner", sess.Owner, "repo", sess.Repo)

	createdAt, expiresAt := sess.CreatedAt, sess.ExpiresAt
	if err := r.store.AppendAudit(ctx, model.AuditEntry{
		Type:      "vps_auto_deleted",
		At:        r.clock.Now().UTC(),
		Owner:     sess.Owner,
		Repo:      sess.Repo,
		Reason:    "expired",
		CreatedAt: &createdAt,
		ExpiresAt: &expiresAt,
	}); err != nil {
		log.Warn("audit auto delete", "owner", sess.Owner, "repo", sess.Repo, "err", err)
	}
	return res
}

func (r *Reconciler) untrack(ctx context.Context, res SessionResult, status Outcome) SessionResult {
	if err := r.store.DeleteSession(ctx, res.Owner, res.Repo); err != nil {
		res.Status, res.Error = OutcomeError, err.Error()
		return res
	}
	res.Status = status
	return res
}

// cancelActive cancels every run that can still touch the repository and
// returns how many cancellations were requested. Failures are logged only.
func cancelActive(ctx context.Context, api hosting.API, owner, repo string) int {
	total := 0
	for _, status := range activeStatuses {
		runs, err := api.ListRuns(ctx, owner, repo, hosting.ListRunsOptions{Status: status, PerPage: 50})
		if err != nil {
			log.Debug("list runs for cancel", "owner", owner, "repo", repo, "status", status, "err", err)
			continue
		}
		if len(runs) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, run := range runs {
			g.Go(func() error {
				if err := api.CancelRun(gctx, owner, repo, run.ID); err != nil {
					log.Debug("cancel run", "owner", owner, "repo", repo, "run_id", run.ID, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		total += len(runs)
	}
	return total
}

func hostMessage(err error) string {
	var apiErr *hosting.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("HTTP %d", apiErr.Status)
	}
	return err.Error()
}
