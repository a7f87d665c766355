package tokenpool

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/store"
)

type CheckStatus string

const (
	CheckMissing CheckStatus = "missing"
	CheckCorrupt CheckStatus = "corrupt"
	CheckRecent  CheckStatus = "recent"
	CheckLive    CheckStatus = "live"
	CheckDead    CheckStatus = "dead"
	CheckError   CheckStatus = "error"
	// CheckDeferred marks stale entries left for a later sweep once the
	// probe budget is spent.
	CheckDeferred CheckStatus = "deferred"
)

type CheckResult struct {
	ID     string      `json:"id"`
	Status CheckStatus `json:"status"`
	Owner  string      `json:"owner,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type HealthReport struct {
	Total   int           `json:"total"`
	Checked int           `json:"checked"`
	Results []CheckResult `json:"results"`
}

// HealthSweep re-probes the identity of up to limit credentials whose last
// check is older than maxAge; a limit of zero or less probes every stale one.
// Fresher entries are left untouched.
func (p *Pool) HealthSweep(ctx context.Context, maxAge time.Duration, limit int) (HealthReport, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ids, err := p.store.CredentialIDs(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	report := HealthReport{Total: len(ids), Results: make([]CheckResult, 0, len(ids))}
	now := p.clock.Now()

	for _, id := range ids {
		cred, err := p.store.GetCredential(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckMissing})
			continue
		case errors.Is(err, store.ErrCorrupt):
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckCorrupt})
			continue
		case err != nil:
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckError, Error: err.Error()})
			continue
		}
		if last := cred.Meta.LastChecked; last != nil && now.Sub(*last) < maxAge {
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckRecent})
			continue
		}
		if limit > 0 && report.Checked >= limit {
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckDeferred})
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Checked++
		secret, err := p.sealer.Open(cred.Secret)
		if err != nil {
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckError, Error: err.Error()})
			continue
		}
		res, err := probeIdentity(ctx, p.provider.WithToken(secret))
		if err != nil {
			return report, err
		}
		p.countCheck("sweep", res)
		if err := p.record(ctx, cred, res); err != nil {
			report.Results = append(report.Results, CheckResult{ID: id, Status: CheckError, Error: err.Error()})
			continue
		}
		item := CheckResult{ID: id, Status: CheckDead, Owner: res.Owner}
		if res.Live {
			item.Status = CheckLive
		} else {
			log.Warn("credential failed health check", "id", id, "reason", res.Reason)
		}
		report.Results = append(report.Results, item)
	}
	return report, nil
}
