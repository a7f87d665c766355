// Package provision turns a plan request into a running VPS workflow.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/metrics"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/retry"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
	"github.com/codecloud/vps-control-plane/internal/workflow"
)

// Credentials is the token pool as seen by the provisioner.
type Credentials interface {
	Select(ctx context.Context) (tokenpool.Lease, error)
	MarkDead(ctx context.Context, id string) error
	API(l tokenpool.Lease) hosting.API
}

type Store interface {
	SaveSession(ctx context.Context, sess model.Session) error
	GetMinutes(ctx context.Context, name string) (int, error)
	SetMinutes(ctx context.Context, name string, minutes int) error
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// Delays are the pauses between provisioning steps. Hosts need time after
// repository creation before content writes and dispatches succeed.
type Delays struct {
	AfterDelete      time.Duration
	AfterCreate      time.Duration
	BeforeDispatch   time.Duration
	PushRetry        time.Duration
	PushAttempts     int
	DispatchRetry    time.Duration
	DispatchAttempts int
	StartBudget      time.Duration
	StartPoll        time.Duration
	// StartWindow is how recent a run must be to count as ours.
	StartWindow time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		AfterDelete:      3 * time.Second,
		AfterCreate:      3 * time.Second,
		BeforeDispatch:   3 * time.Second,
		PushRetry:        2 * time.Second,
		PushAttempts:     5,
		DispatchRetry:    2 * time.Second,
		DispatchAttempts: 7,
		StartBudget:      60 * time.Second,
		StartPoll:        5 * time.Second,
		StartWindow:      2 * time.Minute,
	}
}

// Specs is the runner size implied by repository visibility.
type Specs struct {
	Cores int    `json:"cores"`
	RAM   string `json:"ram"`
	Label string `json:"label"`
}

var (
	privateSpecs = Specs{Cores: 2, RAM: "7 GB", Label: "Private"}
	publicSpecs  = Specs{Cores: 4, RAM: "16 GB", Label: "Public"}
)

func SpecsFor(private bool) Specs {
	if private {
		return privateSpecs
	}
	return publicSpecs
}

// Client identifies the caller for the audit trail.
type Client struct {
	IP    string
	IPRaw string
	UA    string
}

type ProvisionRequest struct {
	Plan            workflow.PlanID
	DurationMinutes int
	RepoName        string
	Private         bool
	Secrets         workflow.Secrets
	// Username is charged for the session when set.
	Username string
	// CreatedBy is recorded on the session as its owning account.
	CreatedBy string
	Client    Client
}

type ProvisionResult struct {
	Owner           string
	Repo            string
	Password        string
	RepoURL         string
	ActionsURL      string
	Plan            workflow.Info
	DurationMinutes int
	Specs           Specs
	Private         bool
	Dispatched      bool
	DispatchError   string
	RunID           int64
	TokenID         string
	CreatedAt       time.Time
	RequiresAuth    bool
}

type Options struct {
	Clock  clock.Clock
	Delays *Delays
}

type Provisioner struct {
	creds  Credentials
	store  Store
	clock  clock.Clock
	delays Delays
}

func New(creds Credentials, st Store, opts Options) *Provisioner {
	p := &Provisioner{creds: creds, store: st, clock: opts.Clock, delays: DefaultDelays()}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if opts.Delays != nil {
		p.delays = *opts.Delays
	}
	return p
}

func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	start := p.clock.Now()
	res, err := p.provision(ctx, req)
	result := "ok"
	var perr *Error
	switch {
	case errors.As(err, &perr):
		result = string(perr.Kind)
	case err != nil:
		result = "error"
	}
	labels := map[string]string{"plan": string(req.Plan), "result": result}
	metrics.Default().IncCounter("codecloud_provision_total", labels)
	metrics.Default().ObserveHistogram("codecloud_provision_latency_ms", float64(p.clock.Since(start).Milliseconds()), labels)
	return res, err
}

func (p *Provisioner) provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	name := req.RepoName
	if !IsValidRepoName(name) {
		return ProvisionResult{}, failure(KindValidation, "repository name may only use letters, digits, '.', '-' and '_'", ErrInvalidRepoName)
	}
	info, ok := workflow.Lookup(req.Plan)
	if !ok {
		return ProvisionResult{}, failure(KindValidation, "unknown plan", workflow.ErrUnknownPlan)
	}
	if req.Plan == workflow.WindowsRDP && strings.TrimSpace(req.Secrets.NgrokToken) == "" {
		return ProvisionResult{}, failure(KindValidation, "Windows RDP needs an ngrok token", workflow.ErrInvalidParams)
	}

	lease, err := p.creds.Select(ctx)
	if err != nil {
		if errors.Is(err, tokenpool.ErrNoCredentialAvailable) {
			return ProvisionResult{}, failure(KindCredential, "no hosting token available, an admin must add one", err)
		}
		return ProvisionResult{}, err
	}
	api := p.creds.API(lease)

	ident, err := api.Identity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ProvisionResult{}, ctx.Err()
		}
		if derr := p.creds.MarkDead(ctx, lease.ID); derr != nil {
			log.Error("mark credential dead", "id", lease.ID, "err", derr)
		}
		return ProvisionResult{}, failure(KindCredential, "pooled hosting token has expired, an admin must check the pool", errors.Join(ErrCredentialExpired, err))
	}
	owner := ident.Login

	password, err := GeneratePassword()
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("generate password: %w", err)
	}
	plan, err := workflow.Build(req.Plan, password, req.DurationMinutes, req.Secrets)
	if err != nil {
		return ProvisionResult{}, failure(KindValidation, "invalid plan", err)
	}
	descriptor, err := plan.Render()
	if err != nil {
		return ProvisionResult{}, failure(KindValidation, "invalid plan parameters", err)
	}
	duration := plan.Params().DurationMinutes
	log.Info("provision start", "plan", req.Plan, "owner", owner, "repo", name, "duration_min", duration, "token_id", lease.ID)

	p.dropExisting(ctx, api, owner, name)

	if err := p.createRepo(ctx, api, owner, name, info, req.Private); err != nil {
		return ProvisionResult{}, err
	}
	repoURL := hosting.RepoURL(owner, name)
	actionsURL := hosting.ActionsURL(owner, name)
	partial := func(kind Kind, msg string, cause error) *Error {
		e := failure(kind, msg, cause)
		e.RepoURL = repoURL
		e.ActionsURL = actionsURL
		return e
	}

	if err := retry.Sleep(ctx, p.delays.AfterCreate); err != nil {
		return ProvisionResult{}, err
	}
	if err := api.EnableActions(ctx, owner, name); err != nil {
		log.Warn("enable actions failed", "owner", owner, "repo", name, "err", err)
	}

	if err := p.pushDescriptor(ctx, api, owner, name, descriptor); err != nil {
		return ProvisionResult{}, partial(KindUpstream, "cannot push workflow: "+upstreamMessage(err), err)
	}

	res := ProvisionResult{
		Owner:           owner,
		Repo:            name,
		Password:        password,
		RepoURL:         repoURL,
		ActionsURL:      actionsURL,
		Plan:            info,
		DurationMinutes: duration,
		Specs:           SpecsFor(req.Private),
		Private:         req.Private,
		TokenID:         lease.ID,
		RequiresAuth:    plan.RequiresAuth(),
	}

	if err := retry.Sleep(ctx, p.delays.BeforeDispatch); err != nil {
		return ProvisionResult{}, err
	}
	if err := p.dispatch(ctx, api, owner, name); err != nil {
		if ctx.Err() != nil {
			return ProvisionResult{}, ctx.Err()
		}
		// The repository and workflow exist; the user can still start it
		// from the Actions page, so this is reported rather than failed.
		res.DispatchError = upstreamMessage(err)
		log.Warn("dispatch failed", "owner", owner, "repo", name, "err", err)
	} else {
		res.Dispatched = true
		run, err := p.waitForStart(ctx, api, owner, name)
		if err != nil {
			if ctx.Err() != nil {
				return ProvisionResult{}, ctx.Err()
			}
			res.CreatedAt = p.clock.Now().UTC()
			p.track(ctx, req, res)
			return ProvisionResult{}, partial(KindStartTimeout, "workflow did not start within the start budget, retry later", err)
		}
		res.RunID = run.ID
	}

	res.CreatedAt = p.clock.Now().UTC()
	p.track(ctx, req, res)
	p.charge(ctx, req, res)
	p.recordDeployment(ctx, req, res)
	log.Info("provision done", "owner", owner, "repo", name, "dispatched", res.Dispatched, "run_id", res.RunID)
	return res, nil
}

// dropExisting removes a repository left over under the same name so the
// request can be replayed.
func (p *Provisioner) dropExisting(ctx context.Context, api hosting.API, owner, name string) {
	if _, err := api.GetRepo(ctx, owner, name); err != nil {
		if !errors.Is(err, hosting.ErrNotFound) {
			log.Warn("check existing repo", "owner", owner, "repo", name, "err", err)
		}
		return
	}
	log.Info("deleting existing repo", "owner", owner, "repo", name)
	if err := api.DeleteRepo(ctx, owner, name); err != nil && !errors.Is(err, hosting.ErrNotFound) {
		log.Warn("delete existing repo", "owner", owner, "repo", name, "err", err)
	}
	_ = retry.Sleep(ctx, p.delays.AfterDelete)
}

func (p *Provisioner) createRepo(ctx context.Context, api hosting.API, owner, name string, info workflow.Info, private bool) error {
	policy := retry.Default
	policy.Retryable = hosting.IsTransient
	policy.Reason = hosting.Reason
	err := retry.Do(ctx, "create_repo", policy, func(ctx context.Context, _ int) error {
		_, err := api.CreateRepo(ctx, hosting.CreateRepoRequest{
			Name:        name,
			Description: fmt.Sprintf("VPS %s - CodeCloud", info.Name),
			Private:     private,
		})
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := "cannot create repo: " + upstreamMessage(err)
	if hosting.StatusOf(err) == http.StatusForbidden && !hosting.IsRateLimited(err) {
		msg += " (token needs the repo scope)"
	}
	return failure(KindUpstream, msg, err)
}

// settling reports errors a freshly created repository returns while its
// initial commit propagates.
func settling(err error) bool {
	if hosting.IsTransient(err) || hosting.IsRateLimited(err) {
		return true
	}
	switch hosting.StatusOf(err) {
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (p *Provisioner) pushDescriptor(ctx context.Context, api hosting.API, owner, name string, descriptor []byte) error {
	policy := retry.FixedPolicy(p.delays.PushAttempts, p.delays.PushRetry)
	policy.Retryable = settling
	policy.Reason = hosting.Reason
	return retry.Do(ctx, "put_file", policy, func(ctx context.Context, _ int) error {
		return api.PutFile(ctx, owner, name, hosting.File{
			Path:    workflow.Path,
			Content: descriptor,
			Message: workflow.CommitMessage,
			Branch:  workflow.Branch,
		})
	})
}

func (p *Provisioner) dispatch(ctx context.Context, api hosting.API, owner, name string) error {
	policy := retry.FixedPolicy(p.delays.DispatchAttempts, p.delays.DispatchRetry)
	policy.Retryable = settling
	policy.Reason = hosting.Reason
	return retry.Do(ctx, "dispatch", policy, func(ctx context.Context, _ int) error {
		return api.DispatchWorkflow(ctx, owner, name, workflow.File, workflow.Branch)
	})
}

// waitForStart polls for a fresh run until the start budget is spent.
func (p *Provisioner) waitForStart(ctx context.Context, api hosting.API, owner, name string) (hosting.Run, error) {
	attempts := 1
	if p.delays.StartPoll > 0 {
		attempts = int(p.delays.StartBudget / p.delays.StartPoll)
	}
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		runs, err := api.ListRuns(ctx, owner, name, hosting.ListRunsOptions{PerPage: 1})
		if err == nil && len(runs) > 0 && p.clock.Since(runs[0].CreatedAt) < p.delays.StartWindow {
			return runs[0], nil
		}
		if err != nil && ctx.Err() != nil {
			return hosting.Run{}, ctx.Err()
		}
		if i < attempts-1 {
			if err := retry.Sleep(ctx, p.delays.StartPoll); err != nil {
				return hosting.Run{}, err
			}
		}
	}
	return hosting.Run{}, ErrStartTimeout
}

// track records the session for the reconciler. A failure here is logged
// only; the workflow is already running.
func (p *Provisioner) track(ctx context.Context, req ProvisionRequest, res ProvisionResult) {
	sess := model.NewSession(res.Owner, res.Repo, res.TokenID, res.DurationMinutes, res.CreatedAt)
	sess.CreatedBy = req.CreatedBy
	if err := p.store.SaveSession(ctx, sess); err != nil {
		log.Error("save session", "owner", res.Owner, "repo", res.Repo, "err", err)
	}
}

func (p *Provisioner) charge(ctx context.Context, req ProvisionRequest, res ProvisionResult) {
	if req.Username == "" {
		return
	}
	prev, err := p.store.GetMinutes(ctx, req.Username)
	if err != nil {
		log.Error("read balance", "username", req.Username, "err", err)
		return
	}
	next := prev - res.DurationMinutes
	if next < 0 {
		next = 0
	}
	if err := p.store.SetMinutes(ctx, req.Username, next); err != nil {
		log.Error("deduct balance", "username", req.Username, "err", err)
		return
	}
	err = p.store.AppendAudit(ctx, model.AuditEntry{
		Type:            "updateTime",
		At:              res.CreatedAt,
		Username:        req.Username,
		IP:              req.Client.IP,
		Operation:       "deduct",
		Minutes:         model.IntPtr(res.DurationMinutes),
		PreviousMinutes: model.IntPtr(prev),
		NewMinutes:      model.IntPtr(next),
		Owner:           res.Owner,
		Repo:            res.Repo,
	})
	if err != nil {
		log.Warn("audit balance deduction", "username", req.Username, "err", err)
	}
}

func (p *Provisioner) recordDeployment(ctx context.Context, req ProvisionRequest, res ProvisionResult) {
	username := req.Username
	if username == "" {
		username = res.Owner
	}
	createdAt := res.CreatedAt
	err := p.store.AppendAudit(ctx, model.AuditEntry{
		Type:            "vps_created",
		At:              res.CreatedAt,
		Username:        username,
		IP:              req.Client.IP,
		IPRaw:           req.Client.IPRaw,
		UA:              req.Client.UA,
		Owner:           res.Owner,
		Repo:            res.Repo,
		RepoURL:         res.RepoURL,
		ActionsURL:      res.ActionsURL,
		Plan:            string(res.Plan.ID),
		DurationMinutes: res.DurationMinutes,
		VPSPassword:     res.Password,
		TokenID:         res.TokenID,
		TokenOwner:      res.Owner,
		CreatedAt:       &createdAt,
	})
	if err != nil {
		log.Warn("audit deployment", "owner", res.Owner, "repo", res.Repo, "err", err)
	}
}

func upstreamMessage(err error) string {
	var apiErr *hosting.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
