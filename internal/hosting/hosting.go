// Package hosting talks to the repository and CI host that runs VPS jobs.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// APIError carries the upstream status for a failed hosting call. Status 0
// means the request never produced a response.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// StatusOf returns the upstream status of err, or 0 if it is not an APIError.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch {
	case apiErr.Status == 0,
		apiErr.Status == http.StatusRequestTimeout,
		apiErr.Status == http.StatusTooManyRequests,
		apiErr.Status >= 500:
		return true
	default:
		return false
	}
}

func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusTooManyRequests {
		return true
	}
	return apiErr.Status == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}

// Reason labels retry metrics by status class.
func Reason(err error) string {
	status := StatusOf(err)
	switch {
	case status == 0:
		return "network"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	default:
		return fmt.Sprintf("status_%d", status)
	}
}

type Identity struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

type Repo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	Private  bool   `json:"private"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type CreateRepoRequest struct {
	Name        string
	Description string
	Private     bool
}

type File struct {
	Path    string
	Content []byte
	Message string
	Branch  string
}

type Run struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

type Step struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Number     int    `json:"number"`
}

type Job struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Steps      []Step `json:"steps"`
}

type Artifact struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SizeInBytes        int64     `json:"size_in_bytes"`
	Expired            bool      `json:"expired"`
	CreatedAt          time.Time `json:"created_at"`
	ArchiveDownloadURL string    `json:"archive_download_url"`
}

type ListRunsOptions struct {
	Status  string
	PerPage int
}

// API is the hosting surface available to one credential.
type API interface {
	Identity(ctx context.Context) (Identity, error)
	GetRepo(ctx context.Context, owner, repo string) (Repo, error)
	CreateRepo(ctx context.Context, req CreateRepoRequest) (Repo, error)
	DeleteRepo(ctx context.Context, owner, repo string) error
	EnableActions(ctx context.Context, owner, repo string) error
	PutFile(ctx context.Context, owner, repo string, f File) error
	DispatchWorkflow(ctx context.Context, owner, repo, workflow, ref string) error
	ListRuns(ctx context.Context, owner, repo string, opts ListRunsOptions) ([]Run, error)
	ListJobs(ctx context.Context, owner, repo string, runID int64) ([]Job, error)
	ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]Artifact, error)
	DownloadArtifact(ctx context.Context, a Artifact) ([]byte, error)
	CancelRun(ctx context.Context, owner, repo string, runID int64) error
}

type Provider interface {
	WithToken(token string) API
}

const webBase = "https://github.com"

func RepoURL(owner, repo string) string {
	return webBase + "/" + owner + "/" + repo
}

func ActionsURL(owner, repo string) string {
	return RepoURL(owner, repo) + "/actions"
}

func RunURL(owner, repo string, runID int64) string {
	return fmt.Sprintf("%s/runs/%d", ActionsURL(owner, repo), runID)
}
