package hosting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zip"
)

// Fake is an in-memory host used by the fake provider mode and by tests.
// Tokens must be registered with AddToken before they authenticate.
type Fake struct {
	mu        sync.Mutex
	clock     clock.Clock
	logins    map[string]string
	repos     map[string]*fakeRepo
	jobs      map[int64][]Job
	artifacts map[int64][]Artifact
	archives  map[string][]byte
	failures  map[string]error
	calls     map[string]int
	nextID    int64
}

type fakeRepo struct {
	repo  Repo
	files map[string][]byte
	runs  []Run
}

func NewFake(clk clock.Clock) *Fake {
	if clk == nil {
		clk = clock.New()
	}
	return &Fake{
		clock:     clk,
		logins:    make(map[string]string),
		repos:     make(map[string]*fakeRepo),
		jobs:      make(map[int64][]Job),
		artifacts: make(map[int64][]Artifact),
		archives:  make(map[string][]byte),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
		nextID:    1000,
	}
}

func (f *Fake) WithToken(token string) API {
	return &fakeClient{fake: f, token: token}
}

func (f *Fake) AddToken(token, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins[token] = login
}

func (f *Fake) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.logins, token)
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) RepoExists(owner, repo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.repos[owner+"/"+repo]
	return ok
}

func (f *Fake) File(owner, repo, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[owner+"/"+repo]
	if !ok {
		return nil, false
	}
	b, ok := r.files[path]
	return b, ok
}

// SeedRepo creates a repository directly, bypassing any token.
func (f *Fake) SeedRepo(owner, repo string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putRepo(owner, repo, true)
}

func (f *Fake) putRepo(owner, name string, private bool) *fakeRepo {
	r := &fakeRepo{files: make(map[string][]byte)}
	r.repo.Name = name
	r.repo.FullName = owner + "/" + name
	r.repo.HTMLURL = RepoURL(owner, name)
	r.repo.Private = private
	r.repo.Owner.Login = owner
	f.repos[owner+"/"+name] = r
	return r
}

// AddRun appends a run to a repository and returns it with an assigned id.
func (f *Fake) AddRun(owner, repo string, run Run) Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[owner+"/"+repo]
	if !ok {
		r = f.putRepo(owner, repo, true)
	}
	f.nextID++
	run.ID = f.nextID
	if run.CreatedAt.IsZero() {
		run.CreatedAt = f.clock.Now().UTC()
	}
	if run.HTMLURL == "" {
		run.HTMLURL = RunURL(owner, repo, run.ID)
	}
	r.runs = append(r.runs, run)
	return run
}

func (f *Fake) UpdateRun(owner, repo string, runID int64, status, conclusion string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[owner+"/"+repo]
	if !ok {
		return
	}
	for i := range r.runs {
		if r.runs[i].ID == runID {
			r.runs[i].Status = status
			r.runs[i].Conclusion = conclusion
		}
	}
}

func (f *Fake) SetJobs(runID int64, jobs []Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[runID] = jobs
}

// SetResult attaches an artifact named name whose zip holds entries.
func (f *Fake) SetResult(runID int64, name string, entries map[string]string) error {
	archive, err := BuildZip(entries)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	url := fmt.Sprintf("fake://artifacts/%d", f.nextID)
	f.archives[url] = archive
	f.artifacts[runID] = append(f.artifacts[runID], Artifact{
		ID:                 f.nextID,
		Name:               name,
		SizeInBytes:        int64(len(archive)),
		CreatedAt:          f.clock.Now().UTC(),
		ArchiveDownloadURL: url,
	})
	return nil
}

func (f *Fake) ExpireArtifacts(runID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.artifacts[runID] {
		f.artifacts[runID][i].Expired = true
	}
}

// BuildZip packs text entries into a zip archive.
func BuildZip(entries map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(entries[name])); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fakeClient struct {
	fake  *Fake
	token string
}

// begin records the call, applies any injected failure and authenticates.
// Callers hold f.mu.
func (c *fakeClient) begin(op string) (string, error) {
	f := c.fake
	f.calls[op]++
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return "", err
	}
	login, ok := f.logins[c.token]
	if !ok {
		return "", &APIError{Op: op, Status: http.StatusUnauthorized, Message: "Bad credentials"}
	}
	return login, nil
}

func (c *fakeClient) repo(op, owner, name string) (*fakeRepo, error) {
	r, ok := c.fake.repos[owner+"/"+name]
	if !ok {
		return nil, &APIError{Op: op, Status: http.StatusNotFound, Message: "Not Found"}
	}
	return r, nil
}

func (c *fakeClient) Identity(context.Context) (Identity, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	login, err := c.begin("identity")
	if err != nil {
		return Identity{}, err
	}
	return Identity{Login: login}, nil
}

func (c *fakeClient) GetRepo(_ context.Context, owner, name string) (Repo, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("get_repo"); err != nil {
		return Repo{}, err
	}
	r, err := c.repo("get_repo", owner, name)
	if err != nil {
		return Repo{}, err
	}
	return r.repo, nil
}

func (c *fakeClient) CreateRepo(_ context.Context, req CreateRepoRequest) (Repo, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	login, err := c.begin("create_repo")
	if err != nil {
		return Repo{}, err
	}
	if _, exists := c.fake.repos[login+"/"+req.Name]; exists {
		return Repo{}, &APIError{Op: "create_repo", Status: http.StatusUnprocessableEntity, Message: "name already exists on this account"}
	}
	r := c.fake.putRepo(login, req.Name, req.Private)
	r.files["README.md"] = []byte("# " + req.Name + "\n")
	return r.repo, nil
}

func (c *fakeClient) DeleteRepo(_ context.Context, owner, name string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("delete_repo"); err != nil {
		return err
	}
	if _, err := c.repo("delete_repo", owner, name); err != nil {
		return err
	}
	delete(c.fake.repos, owner+"/"+name)
	return nil
}

func (c *fakeClient) EnableActions(_ context.Context, owner, name string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("enable_actions"); err != nil {
		return err
	}
	_, err := c.repo("enable_actions", owner, name)
	return err
}

func (c *fakeClient) PutFile(_ context.Context, owner, name string, file File) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("put_file"); err != nil {
		return err
	}
	r, err := c.repo("put_file", owner, name)
	if err != nil {
		return err
	}
	r.files[file.Path] = append([]byte(nil), file.Content...)
	return nil
}

// DispatchWorkflow queues a run when the workflow file exists.
func (c *fakeClient) DispatchWorkflow(_ context.Context, owner, name, workflow, _ string) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := c.begin("dispatch"); err != nil {
		return err
	}
	r, err := c.repo("dispatch", owner, name)
	if err != nil {
		return err
	}
	if _, ok := r.files[".github/workflows/"+workflow]; !ok {
		return &APIError{Op: "dispatch", Status: http.StatusNotFound, Message: "workflow not found"}
	}
	f.nextID++
	r.runs = append(r.runs, Run{
		ID:        f.nextID,
		Name:      workflow,
		Status:    "queued",
		HTMLURL:   RunURL(owner, name, f.nextID),
		CreatedAt: f.clock.Now().UTC(),
	})
	return nil
}

func (c *fakeClient) ListRuns(_ context.Context, owner, name string, opts ListRunsOptions) ([]Run, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("list_runs"); err != nil {
		return nil, err
	}
	r, err := c.repo("list_runs", owner, name)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(r.runs))
	for i := len(r.runs) - 1; i >= 0; i-- {
		if opts.Status != "" && r.runs[i].Status != opts.Status {
			continue
		}
		out = append(out, r.runs[i])
	}
	if opts.PerPage > 0 && len(out) > opts.PerPage {
		out = out[:opts.PerPage]
	}
	return out, nil
}

func (c *fakeClient) ListJobs(_ context.Context, owner, name string, runID int64) ([]Job, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("list_jobs"); err != nil {
		return nil, err
	}
	if _, err := c.repo("list_jobs", owner, name); err != nil {
		return nil, err
	}
	return append([]Job(nil), c.fake.jobs[runID]...), nil
}

func (c *fakeClient) ListArtifacts(_ context.Context, owner, name string, runID int64) ([]Artifact, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("list_artifacts"); err != nil {
		return nil, err
	}
	if _, err := c.repo("list_artifacts", owner, name); err != nil {
		return nil, err
	}
	return append([]Artifact(nil), c.fake.artifacts[runID]...), nil
}

func (c *fakeClient) DownloadArtifact(_ context.Context, a Artifact) ([]byte, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("download_artifact"); err != nil {
		return nil, err
	}
	b, ok := c.fake.archives[a.ArchiveDownloadURL]
	if !ok {
		return nil, &APIError{Op: "download_artifact", Status: http.StatusGone, Message: "artifact expired"}
	}
	return append([]byte(nil), b...), nil
}

func (c *fakeClient) CancelRun(_ context.Context, owner, name string, runID int64) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if _, err := c.begin("cancel_run"); err != nil {
		return err
	}
	r, err := c.repo("cancel_run", owner, name)
	if err != nil {
		return err
	}
	for i := range r.runs {
		if r.runs[i].ID == runID && r.runs[i].Status != "completed" {
			r.runs[i].Status = "completed"
			r.runs[i].Conclusion = "cancelled"
		}
	}
	return nil
}
