package reconcile

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/retry"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
)

const manualCancelLimit = 5

// ErrNotSessionOwner is returned when a non-admin deletes a session that
// another account created.
var ErrNotSessionOwner = errors.New("session belongs to another account")

type DestroyRequest struct {
	Owner string
	Repo  string
	// Username is the account that asked for the deletion, when known.
	Username string
	// Admin may delete untracked repositories and other accounts' sessions.
	Admin bool
}

type DestroyResult struct {
	Deleted       bool   `json:"deleted"`
	CancelledRuns int    `json:"cancelledWorkflows"`
	HostStatus    int    `json:"githubStatus,omitempty"`
	HostMessage   string `json:"githubError,omitempty"`
}

// Destroy deletes a session on demand. Tracking state is dropped whatever
// the host answers; Deleted reports whether the repository is confirmed gone.
// Non-admins can only delete tracked sessions they created.
func (r *Reconciler) Destroy(ctx context.Context, req DestroyRequest) (DestroyResult, error) {
	lease, err := r.destroyCredential(ctx, req)
	if err != nil {
		return DestroyResult{}, err
	}
	api := r.creds.API(lease)

	var res DestroyResult
	runs, err := api.ListRuns(ctx, req.Owner, req.Repo, hosting.ListRunsOptions{Status: "in_progress", PerPage: 10})
	if err != nil {
		log.Debug("list runs for cancel", "owner", req.Owner, "repo", req.Repo, "err", err)
	}
	if len(runs) > manualCancelLimit {
		runs = runs[:manualCancelLimit]
	}
	for _, run := range runs {
		if err := api.CancelRun(ctx, req.Owner, req.Repo, run.ID); err != nil {
			log.Debug("cancel run", "owner", req.Owner, "repo", req.Repo, "run_id", run.ID, "err", err)
			continue
		}
		res.CancelledRuns++
	}
	if len(runs) > 0 {
		if err := retry.Sleep(ctx, r.pauses.AfterManualCancel); err != nil {
			return res, err
		}
	}

	delErr := api.DeleteRepo(ctx, req.Owner, req.Repo)
	if err := r.store.DeleteSession(ctx, req.Owner, req.Repo); err != nil {
		return res, err
	}
	if delErr != nil && hosting.StatusOf(delErr) != http.StatusNotFound {
		res.HostStatus, res.HostMessage = hosting.StatusOf(delErr), hostMessage(delErr)
		log.Warn("manual delete failed upstream", "owner", req.Owner, "repo", req.Repo, "status", res.HostStatus, "err", delErr)
		return res, nil
	}

	res.Deleted = true
	log.Info("session deleted", "owner", req.Owner, "repo", req.Repo, "username", req.Username)
	if err := r.store.AppendAudit(ctx, model.AuditEntry{
		Type:     "vps_deleted",
		At:       r.clock.Now().UTC(),
		Username: req.Username,
		Owner:    req.Owner,
		Repo:     req.Repo,
		Manual:   true,
	}); err != nil {
		log.Warn("audit manual delete", "owner", req.Owner, "repo", req.Repo, "err", err)
	}
	return res, nil
}

// destroyCredential prefers the session's own credential. Admins fall back to
// any live one; other callers must own a tracked session.
func (r *Reconciler) destroyCredential(ctx context.Context, req DestroyRequest) (tokenpool.Lease, error) {
	sess, err := r.store.GetSession(ctx, req.Owner, req.Repo)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupt) {
		return tokenpool.Lease{}, err
	}
	if !req.Admin {
		if err != nil {
			return tokenpool.Lease{}, store.ErrNotFound
		}
		if sess.CreatedBy == "" || sess.CreatedBy != req.Username {
			return tokenpool.Lease{}, ErrNotSessionOwner
		}
	}
	if err == nil && sess.TokenID != "" {
		lease, rerr := r.creds.Resolve(ctx, sess.TokenID)
		if rerr == nil {
			return lease, nil
		}
		log.Debug("session credential unavailable", "owner", req.Owner, "repo", req.Repo, "token_id", sess.TokenID, "err", rerr)
	}
	if !req.Admin {
		return tokenpool.Lease{}, tokenpool.ErrNoCredentialAvailable
	}
	return r.creds.Select(ctx)
}
