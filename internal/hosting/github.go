package hosting

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/codecloud/vps-control-plane/internal/metrics"
)

const (
	apiVersion      = "2022-11-28"
	acceptHeader    = "application/vnd.github+json"
	maxArtifactSize = 50 << 20
)

type GitHubOptions struct {
	BaseURL         string
	UserAgent       string
	RetryMax        int
	MetadataTimeout time.Duration
	DownloadTimeout time.Duration
}

// GitHub is the REST provider. Transport-level retries (connection errors,
// 429, 5xx) are handled by retryablehttp; callers layer step retries on top.
type GitHub struct {
	baseURL         string
	userAgent       string
	metadataTimeout time.Duration
	downloadTimeout time.Duration
	http            *retryablehttp.Client
}

func NewGitHub(opts GitHubOptions) *GitHub {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = opts.RetryMax
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 4 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	g := &GitHub{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		userAgent:       opts.UserAgent,
		metadataTimeout: opts.MetadataTimeout,
		downloadTimeout: opts.DownloadTimeout,
		http:            c,
	}
	if g.baseURL == "" {
		g.baseURL = "https://api.github.com"
	}
	if g.userAgent == "" {
		g.userAgent = "CodeCloud-VPS/1.0"
	}
	if g.metadataTimeout <= 0 {
		g.metadataTimeout = 25 * time.Second
	}
	if g.downloadTimeout <= 0 {
		g.downloadTimeout = 60 * time.Second
	}
	return g
}

func (g *GitHub) WithToken(token string) API {
	return &githubClient{gh: g, token: token}
}

type githubClient struct {
	gh    *GitHub
	token string
}

type githubMessage struct {
	Message string `json:"message"`
}

// call performs one request and decodes the body into out when the status is
// one of want. Any other status becomes an *APIError.
func (c *githubClient) call(ctx context.Context, op, method, target string, body any, out any, want ...int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.gh.metadataTimeout)
	defer cancel()

	resp, err := c.send(ctx, op, method, target, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, &APIError{Op: op, Status: resp.StatusCode, Message: "read body: " + err.Error()}
	}

	for _, w := range want {
		if resp.StatusCode != w {
			continue
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, &APIError{Op: op, Status: resp.StatusCode, Message: "decode body: " + err.Error()}
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &APIError{Op: op, Status: resp.StatusCode, Message: upstreamMessage(raw, resp.Status)}
}

func (c *githubClient) send(ctx context.Context, op, method, target string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.gh.baseURL + target
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.gh.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.gh.http.Do(req)
	durMS := float64(time.Since(start).Milliseconds())
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("codecloud_hosting_requests_total", labels)
	metrics.Default().ObserveHistogram("codecloud_hosting_request_latency_ms", durMS, labels)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, &APIError{Op: op, Message: err.Error()}
	}
	return resp, nil
}

func upstreamMessage(raw []byte, fallback string) string {
	var m githubMessage
	if err := json.Unmarshal(raw, &m); err == nil && m.Message != "" {
		return m.Message
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 300 {
		return s
	}
	return fallback
}

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

func (c *githubClient) Identity(ctx context.Context) (Identity, error) {
	var out Identity
	if _, err := c.call(ctx, "identity", http.MethodGet, "/user", nil, &out, http.StatusOK); err != nil {
		return Identity{}, err
	}
	if out.Login == "" {
		return Identity{}, &APIError{Op: "identity", Status: http.StatusOK, Message: "response has no login"}
	}
	return out, nil
}

func (c *githubClient) GetRepo(ctx context.Context, owner, repo string) (Repo, error) {
	var out Repo
	if _, err := c.call(ctx, "get_repo", http.MethodGet, repoPath(owner, repo), nil, &out, http.StatusOK); err != nil {
		return Repo{}, err
	}
	return out, nil
}

func (c *githubClient) CreateRepo(ctx context.Context, req CreateRepoRequest) (Repo, error) {
	body := map[string]any{
		"name":         req.Name,
		"description":  req.Description,
		"private":      req.Private,
		"auto_init":    true,
		"has_issues":   false,
		"has_projects": false,
		"has_wiki":     false,
	}
	var out Repo
	if _, err := c.call(ctx, "create_repo", http.MethodPost, "/user/repos", body, &out, http.StatusCreated); err != nil {
		return Repo{}, err
	}
	return out, nil
}

func (c *githubClient) DeleteRepo(ctx context.Context, owner, repo string) error {
	_, err := c.call(ctx, "delete_repo", http.MethodDelete, repoPath(owner, repo), nil, nil, http.StatusNoContent)
	return err
}

func (c *githubClient) EnableActions(ctx context.Context, owner, repo string) error {
	body := map[string]any{"enabled": true, "allowed_actions": "all"}
	_, err := c.call(ctx, "enable_actions", http.MethodPut, repoPath(owner, repo)+"/actions/permissions", body, nil, http.StatusNoContent, http.StatusOK)
	return err
}

func (c *githubClient) PutFile(ctx context.Context, owner, repo string, f File) error {
	body := map[string]any{
		"message": f.Message,
		"content": base64.StdEncoding.EncodeToString(f.Content),
	}
	if f.Branch != "" {
		body["branch"] = f.Branch
	}
	target := repoPath(owner, repo) + "/contents/" + escapePath(f.Path)
	_, err := c.call(ctx, "put_file", http.MethodPut, target, body, nil, http.StatusCreated, http.StatusOK)
	return err
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *githubClient) DispatchWorkflow(ctx context.Context, owner, repo, workflow, ref string) error {
	target := repoPath(owner, repo) + "/actions/workflows/" + url.PathEscape(workflow) + "/dispatches"
	_, err := c.call(ctx, "dispatch", http.MethodPost, target, map[string]any{"ref": ref}, nil, http.StatusNoContent)
	return err
}

func (c *githubClient) ListRuns(ctx context.Context, owner, repo string, opts ListRunsOptions) ([]Run, error) {
	q := url.Values{}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 1
	}
	q.Set("per_page", strconv.Itoa(perPage))
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	var out struct {
		WorkflowRuns []Run `json:"workflow_runs"`
	}
	if _, err := c.call(ctx, "list_runs", http.MethodGet, repoPath(owner, repo)+"/actions/runs?"+q.Encode(), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.WorkflowRuns, nil
}

func (c *githubClient) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	target := fmt.Sprintf("%s/actions/runs/%d/jobs", repoPath(owner, repo), runID)
	if _, err := c.call(ctx, "list_jobs", http.MethodGet, target, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *githubClient) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]Artifact, error) {
	var out struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	target := fmt.Sprintf("%s/actions/runs/%d/artifacts", repoPath(owner, repo), runID)
	if _, err := c.call(ctx, "list_artifacts", http.MethodGet, target, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// DownloadArtifact fetches the zip archive. The API answers with a redirect to
// blob storage, which net/http follows without forwarding Authorization.
func (c *githubClient) DownloadArtifact(ctx context.Context, a Artifact) ([]byte, error) {
	if a.ArchiveDownloadURL == "" {
		return nil, &APIError{Op: "download_artifact", Message: "artifact has no download url"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.gh.downloadTimeout)
	defer cancel()

	resp, err := c.send(ctx, "download_artifact", http.MethodGet, a.ArchiveDownloadURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{Op: "download_artifact", Status: resp.StatusCode, Message: upstreamMessage(raw, resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, &APIError{Op: "download_artifact", Status: resp.StatusCode, Message: "read archive: " + err.Error()}
	}
	return data, nil
}

func (c *githubClient) CancelRun(ctx context.Context, owner, repo string, runID int64) error {
	target := fmt.Sprintf("%s/actions/runs/%d/cancel", repoPath(owner, repo), runID)
	_, err := c.call(ctx, "cancel_run", http.MethodPost, target, nil, nil, http.StatusAccepted, http.StatusOK, http.StatusConflict)
	return err
}
