package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/retry"
)

const smokeWorkflow = `name: test
on: workflow_dispatch
jobs:
  test:
    runs-on: ubuntu-latest
    steps:
      - run: echo "OK"
`

// Probe is the outcome of checking one secret against the host.
type Probe struct {
	Live        bool
	Owner       string
	Reason      string
	RateLimited bool
}

// SmokeTiming controls the pauses of the end-to-end probe.
type SmokeTiming struct {
	Settle       time.Duration
	PollInterval time.Duration
	Polls        int
}

func DefaultSmokeTiming() SmokeTiming {
	return SmokeTiming{Settle: 2 * time.Second, PollInterval: 3 * time.Second, Polls: 10}
}

func deadProbe(owner, reason string, err error) Probe {
	p := Probe{Owner: owner, Reason: reason}
	if err != nil {
		p.RateLimited = hosting.IsRateLimited(err)
		if p.RateLimited {
			p.Reason = "rate limited"
		}
	}
	return p
}

// probeIdentity confirms the secret authenticates. Any failure is final for
// this probe.
func probeIdentity(ctx context.Context, api hosting.API) (Probe, error) {
	id, err := api.Identity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Probe{}, ctx.Err()
		}
		return deadProbe("", "invalid or expired token", err), nil
	}
	return Probe{Live: true, Owner: id.Login}, nil
}

// probeSmoke runs a throwaway workflow in a scratch repository to prove the
// secret can create repositories and run Actions, then deletes the repository.
func probeSmoke(ctx context.Context, api hosting.API, now time.Time, timing SmokeTiming) (Probe, error) {
	p, err := probeIdentity(ctx, api)
	if err != nil || !p.Live {
		return p, err
	}
	owner := p.Owner
	name := fmt.Sprintf("cc-token-test-%d", now.Unix())

	if _, err := api.CreateRepo(ctx, hosting.CreateRepoRequest{
		Name:        name,
		Description: "CodeCloud token test - will be deleted",
		Private:     true,
	}); err != nil {
		if ctx.Err() != nil {
			return Probe{}, ctx.Err()
		}
		return deadProbe(owner, "cannot create repo: "+errorMessage(err), err), nil
	}
	defer func() {
		// The scratch repo must go even when the caller's context is done.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := api.DeleteRepo(cleanupCtx, owner, name); err != nil && !errors.Is(err, hosting.ErrNotFound) {
			log.Warn("token probe cleanup failed", "owner", owner, "repo", name, "err", err)
		}
	}()

	if err := retry.Sleep(ctx, timing.Settle); err != nil {
		return Probe{}, err
	}
	if err := api.PutFile(ctx, owner, name, hosting.File{
		Path:    ".github/workflows/test.yml",
		Content: []byte(smokeWorkflow),
		Message: "Add test workflow",
		Branch:  "main",
	}); err != nil {
		if ctx.Err() != nil {
			return Probe{}, ctx.Err()
		}
		return deadProbe(owner, "cannot create workflow", err), nil
	}
	if err := retry.Sleep(ctx, timing.Settle); err != nil {
		return Probe{}, err
	}
	if err := api.DispatchWorkflow(ctx, owner, name, "test.yml", "main"); err != nil {
		if ctx.Err() != nil {
			return Probe{}, ctx.Err()
		}
		return deadProbe(owner, "cannot dispatch workflow: "+errorMessage(err), err), nil
	}

	for i := 0; i < timing.Polls; i++ {
		if err := retry.Sleep(ctx, timing.PollInterval); err != nil {
			return Probe{}, err
		}
		runs, err := api.ListRuns(ctx, owner, name, hosting.ListRunsOptions{PerPage: 1})
		if err == nil && len(runs) > 0 {
			return Probe{Live: true, Owner: owner}, nil
		}
	}
	return Probe{Owner: owner, Reason: "workflow did not start (may be rate limited)"}, nil
}

func errorMessage(err error) string {
	var apiErr *hosting.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
