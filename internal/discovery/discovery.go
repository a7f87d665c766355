// Package discovery finds out whether a provisioned VPS is reachable yet by
// reading the newest workflow run and its result artifact.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zip"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/metrics"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/retry"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
	"github.com/codecloud/vps-control-plane/internal/workflow"
)

// Credentials is the token pool as seen by discovery.
type Credentials interface {
	Resolve(ctx context.Context, id string) (tokenpool.Lease, error)
	SelectOwnedBy(ctx context.Context, owner string) (tokenpool.Lease, error)
	Select(ctx context.Context) (tokenpool.Lease, error)
	API(l tokenpool.Lease) hosting.API
}

type Sessions interface {
	GetSession(ctx context.Context, owner, repo string) (model.Session, error)
}

type Options struct {
	Clock    clock.Clock
	CacheTTL time.Duration
}

// Poller answers discovery polls.
type Poller struct {
	creds    Credentials
	sessions Sessions
	clock    clock.Clock
	cache    *readyCache
}

func New(creds Credentials, sessions Sessions, opts Options) *Poller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Poller{
		creds:    creds,
		sessions: sessions,
		clock:    opts.Clock,
		cache:    newReadyCache(opts.Clock, opts.CacheTTL),
	}
}

type Request struct {
	Owner string
	Repo  string
	// CheckAuth reads the artifact regardless of run progress so a pending
	// mesh login URL is noticed early.
	CheckAuth bool
}

// Result is one discovery snapshot.
type Result struct {
	State          State  `json:"status"`
	Terminal       bool   `json:"terminal"`
	Found          bool   `json:"found"`
	Link           string `json:"vpsLink,omitempty"`
	Password       string `json:"vpsPassword,omitempty"`
	AuthURL        string `json:"tailscaleAuthUrl,omitempty"`
	Message        string `json:"message"`
	Progress       int    `json:"progress"`
	Conclusion     string `json:"conclusion,omitempty"`
	RunID          int64  `json:"runId,omitempty"`
	RunURL         string `json:"actionsUrl,omitempty"`
	ElapsedMinutes int    `json:"elapsedMinutes"`
	CurrentStep    string `json:"currentStep,omitempty"`
	CurrentStepNum int    `json:"currentStepNum,omitempty"`
	TotalSteps     int    `json:"totalSteps,omitempty"`
	// Artifact describes the last attempt to read the result artifact.
	Artifact string `json:"artifact,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

// Artifact outcomes other than a decoded result.
const (
	artifactListFailed     = "list_failed"
	artifactNone           = "no_artifacts"
	artifactExpired        = "expired"
	artifactDownloadFailed = "download_failed"
	artifactEmptyArchive   = "empty_archive"
	artifactUnreadable     = "archive_unreadable"
	artifactNoResultFile   = "no_result_file"
	artifactEmptyContent   = "empty_content"
	artifactDecoded        = "decoded"
)

const (
	runsPerPage      = 5
	earlyFetchMinute = 2
)

func cacheKey(owner, repo string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(repo)
}

// Discover reports the state of the VPS in owner/repo.
func (p *Poller) Discover(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req.Owner, req.Repo)
	if res, ok := p.cache.get(key); ok {
		res.Cached = true
		p.count(res.State)
		return res, nil
	}

	lease, err := p.credential(ctx, req.Owner, req.Repo)
	if err != nil {
		return Result{}, err
	}
	res := p.inspect(ctx, p.creds.API(lease), req)
	res.Terminal = res.State.Terminal()
	res.Found = res.State == StateReady
	p.cache.put(key, res)
	p.count(res.State)
	return res, nil
}

func (p *Poller) count(state State) {
	metrics.Default().IncCounter("codecloud_discovery_polls_total", map[string]string{"state": string(state)})
}

// credential prefers the token that created the repository, then any live
// token of the same owner, then any live token.
func (p *Poller) credential(ctx context.Context, owner, repo string) (tokenpool.Lease, error) {
	sess, err := p.sessions.GetSession(ctx, owner, repo)
	switch {
	case err == nil && sess.TokenID != "":
		lease, rerr := p.creds.Resolve(ctx, sess.TokenID)
		if rerr == nil {
			return lease, nil
		}
		log.Debug("session credential unavailable", "owner", owner, "repo", repo, "token_id", sess.TokenID, "err", rerr)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Warn("read session", "owner", owner, "repo", repo, "err", err)
	}

	lease, err := p.creds.SelectOwnedBy(ctx, owner)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, tokenpool.ErrNoCredentialAvailable) {
		return tokenpool.Lease{}, err
	}
	return p.creds.Select(ctx)
}

type stepProgress struct {
	total      int
	current    int
	name       string
	uploadDone bool
}

func readSteps(jobs []hosting.Job) stepProgress {
	var sp stepProgress
	if len(jobs) == 0 {
		return sp
	}
	steps := jobs[0].Steps
	sp.total = len(steps)
	done := 0
	for _, s := range steps {
		switch s.Status {
		case "completed":
			done++
			name := strings.ToLower(s.Name)
			if s.Conclusion == "success" && (strings.Contains(name, "upload") || strings.Contains(name, "artifact")) {
				sp.uploadDone = true
			}
		case "in_progress":
			if sp.name == "" {
				sp.name = s.Name
			}
		}
	}
	sp.current = done
	if sp.name != "" {
		sp.current++
	}
	return sp
}

func (p *Poller) inspect(ctx context.Context, api hosting.API, req Request) Result {
	if _, err := api.GetRepo(ctx, req.Owner, req.Repo); err != nil {
		if hosting.StatusOf(err) == http.StatusNotFound {
			return Result{State: StateRepoNotFound, Message: msgRepoGone}
		}
		log.Warn("check repo", "owner", req.Owner, "repo", req.Repo, "err", err)
	}

	runs, err := api.ListRuns(ctx, req.Owner, req.Repo, hosting.ListRunsOptions{PerPage: runsPerPage})
	if err != nil {
		return Result{State: StateAPIError, Message: fmt.Sprintf(msgAPIErrorFmt, hosting.Reason(err))}
	}
	if len(runs) == 0 {
		return Result{State: StateNoRuns, Message: msgNoRuns, Progress: progressNoRuns}
	}

	run := runs[0]
	elapsed := int(p.clock.Now().Sub(run.CreatedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	var sp stepProgress
	if jobs, err := api.ListJobs(ctx, req.Owner, req.Repo, run.ID); err == nil {
		sp = readSteps(jobs)
	} else {
		log.Debug("list jobs", "owner", req.Owner, "repo", req.Repo, "run_id", run.ID, "err", err)
	}

	base := Result{
		Conclusion:     run.Conclusion,
		RunID:          run.ID,
		RunURL:         run.HTMLURL,
		ElapsedMinutes: elapsed,
		CurrentStep:    sp.name,
		CurrentStepNum: sp.current,
		TotalSteps:     sp.total,
	}
	completed := run.Status == "completed"
	fetch := completed || req.CheckAuth ||
		(run.Status == "in_progress" && (sp.uploadDone || elapsed >= earlyFetchMinute))

	var content Content
	if fetch {
		content, base.Artifact = p.readResult(ctx, api, req.Owner, req.Repo, run.ID)
	}

	switch c := content.(type) {
	case Endpoint:
		base.State, base.Link, base.Password = StateReady, c.Address, c.Secret
		base.Progress, base.Message = progressDone, msgReady
		return base
	case AwaitingAuth:
		base.State, base.AuthURL = StateAuthRequired, c.URL
		base.Progress, base.Message = progressAuth, msgAuth
		return base
	case TunnelTimeout:
		base.State, base.Progress, base.Message = StateTunnelTimeout, progressTunnel, msgTunnel
		return base
	case ProvisionFailure:
		base.State, base.Progress = StateProvisionError, progressDone
		base.Message = fmt.Sprintf(msgVPSErrorFmt, c.Message)
		return base
	}
	if base.Artifact == artifactExpired {
		base.State, base.Progress, base.Message = StateExpired, progressDone, msgExpired
		return base
	}

	if completed && run.Conclusion != "success" {
		base.State, base.Progress = conclusionState(run.Conclusion), progressDone
		base.Message = conclusionMessage(run.Conclusion)
		return base
	}

	base.Progress = Progress(run.Status, run.Conclusion, elapsed, sp.current, sp.total)
	switch c := content.(type) {
	case Pending:
		base.State, base.Message = StateSettingUp, c.Message
		if base.Message == "" {
			base.Message = msgSettingUp
		}
		return base
	case Unrecognized:
		base.State, base.Message = StateInvalidArtifact, msgInvalid
		return base
	}

	if completed {
		switch base.Artifact {
		case artifactListFailed, artifactDownloadFailed:
			base.State, base.Message = StateCompleted, conclusionMessage(run.Conclusion)
		default:
			base.State, base.Progress, base.Message = StateNoResult, progressDone, msgNoResult
		}
		return base
	}

	base.State = runState(run.Status)
	base.Message = statusMessage(run.Status, run.Conclusion, sp.name, sp.current, sp.total, elapsed)
	return base
}

// readResult downloads the newest usable artifact and decodes its result
// file. The second return value names the outcome.
func (p *Poller) readResult(ctx context.Context, api hosting.API, owner, repo string, runID int64) (Content, string) {
	artifacts, err := api.ListArtifacts(ctx, owner, repo, runID)
	if err != nil {
		log.Warn("list artifacts", "owner", owner, "repo", repo, "run_id", runID, "err", err)
		return nil, artifactListFailed
	}
	if len(artifacts) == 0 {
		return nil, artifactNone
	}
	chosen, ok := pickArtifact(artifacts)
	if !ok {
		return nil, artifactExpired
	}

	var archive []byte
	policy := retry.Default
	policy.Retryable = hosting.IsTransient
	policy.Reason = hosting.Reason
	err = retry.Do(ctx, "download_artifact", policy, func(ctx context.Context, _ int) error {
		var derr error
		archive, derr = api.DownloadArtifact(ctx, chosen)
		return derr
	})
	if err != nil {
		log.Warn("download artifact", "owner", owner, "repo", repo, "artifact_id", chosen.ID, "err", err)
		return nil, artifactDownloadFailed
	}
	if len(archive) == 0 {
		return nil, artifactEmptyArchive
	}

	text, outcome := resultText(archive)
	if outcome != artifactDecoded {
		return nil, outcome
	}
	return Decode(text), artifactDecoded
}

// pickArtifact returns the newest unexpired artifact, preferring the one
// named after the result convention.
func pickArtifact(artifacts []hosting.Artifact) (hosting.Artifact, bool) {
	sorted := append([]hosting.Artifact(nil), artifacts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	for _, a := range sorted {
		if a.Name == workflow.ArtifactName && !a.Expired {
			return a, true
		}
	}
	for _, a := range sorted {
		if !a.Expired {
			return a, true
		}
	}
	return hosting.Artifact{}, false
}

func resultText(archive []byte) (string, string) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", artifactUnreadable
	}
	if len(zr.File) == 0 {
		return "", artifactEmptyArchive
	}
	for _, f := range zr.File {
		if f.Name != workflow.ResultEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", artifactUnreadable
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", artifactUnreadable
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return "", artifactEmptyContent
		}
		return text, artifactDecoded
	}
	return "", artifactNoResultFile
}
