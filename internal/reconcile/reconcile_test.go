package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/kv"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/provision"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
	"github.com/codecloud/vps-control-plane/internal/workflow"
)

type testEnv struct {
	rec   *Reconciler
	pool  *tokenpool.Pool
	fake  *hosting.Fake
	kv    *kv.Memory
	store *store.Store
	clock *clock.Mock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	mem := kv.NewMemory(mock)
	st := store.New(mem)
	fake := hosting.NewFake(mock)
	unpaced := rate.NewLimiter(rate.Inf, 1)
	pool := tokenpool.New(st, fake, tokenpool.Options{Clock: mock, Limiter: unpaced})
	rec := New(pool, st, Options{Clock: mock, Pauses: &Pauses{}, Limiter: unpaced})
	return testEnv{rec: rec, pool: pool, fake: fake, kv: mem, store: st, clock: mock}
}

func (e testEnv) addCredential(t *testing.T, id, secret, login string) {
	t.Helper()
	e.fake.AddToken(secret, login)
	now := e.clock.Now()
	err := e.store.AddCredential(context.Background(), model.Credential{
		ID:     id,
		Secret: secret,
		Meta:   model.CredentialMeta{Owner: login, Status: model.CredentialLive, LastChecked: &now, AddedAt: now},
	})
	if err != nil {
		t.Fatalf("add credential: %v", err)
	}
}

// track records a session created offset ago, optionally with its repository.
func (e testEnv) track(t *testing.T, repo, tokenID string, minutes int, offset time.Duration, withRepo bool) {
	t.Helper()
	sess := model.NewSession("octo", repo, tokenID, minutes, e.clock.Now().Add(-offset))
	sess.CreatedBy = "alice"
	if err := e.store.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if withRepo {
		e.fake.SeedRepo("octo", repo)
	}
}

func (e testEnv) tracked(t *testing.T, repo string) bool {
	t.Helper()
	_, err := e.store.GetSession(context.Background(), "octo", repo)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return true
}

func resultFor(t *testing.T, sum Summary, repo string) SessionResult {
	t.Helper()
	key := store.SessionKey("octo", repo)
	for _, r := range sum.Sessions.Results {
		if r.Key == key {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", key, sum.Sessions.Results)
	return SessionResult{}
}

func TestSweepDeletesExpiredProvisionedSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	prov := provision.New(env.pool, env.store, provision.Options{
		Clock:  env.clock,
		Delays: &provision.Delays{PushAttempts: 5, DispatchAttempts: 7, StartWindow: 2 * time.Minute},
	})

	res, err := prov.Provision(ctx, provision.ProvisionRequest{Plan: workflow.Linux, DurationMinutes: 60, RepoName: "e2e", Private: true})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	sess, err := env.store.GetSession(ctx, res.Owner, res.Repo)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.DurationMinutes != 60 || !sess.ExpiresAt.Equal(sess.CreatedAt.Add(60*time.Minute)) {
		t.Fatalf("unexpected session %+v", sess)
	}

	env.clock.Add(61 * time.Minute)
	sum, err := env.rec.Sweep(ctx, SweepOptions{MaxSessions: 10, MaxTokenChecks: 5})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := resultFor(t, sum, "e2e")
	if got.Status != OutcomeDeleted || got.CancelledRuns != 1 {
		t.Fatalf("unexpected result %+v", got)
	}
	if sum.Sessions.Deleted != 1 || sum.Sessions.Checked != 1 {
		t.Fatalf("unexpected counts %+v", sum.Sessions)
	}
	if env.fake.RepoExists("octo", "e2e") || env.tracked(t, "e2e") {
		t.Fatal("repository and tracking state should be gone")
	}
	scan, err := env.store.ScanSessions(ctx)
	if err != nil || len(scan.Sessions) != 0 {
		t.Fatalf("index should be empty, got %+v err=%v", scan, err)
	}
	logs, err := env.store.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(logs) == 0 || logs[0].Type != "vps_auto_deleted" || logs[0].Reason != "expired" {
		t.Fatalf("unexpected audit log %+v", logs)
	}
}

func TestSweepNeverDeletesLiveSessions(t *testing.T) {
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.track(t, "live", "tok_1", 60, 30*time.Minute, true)

	sum, err := env.rec.Sweep(context.Background(), SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := resultFor(t, sum, "live")
	if got.Status != OutcomeActive || got.Remaining != "30m" {
		t.Fatalf("unexpected result %+v", got)
	}
	if !env.fake.RepoExists("octo", "live") || !env.tracked(t, "live") {
		t.Fatal("live session must be left alone")
	}
	if env.fake.Calls("delete_repo") != 0 {
		t.Fatal("no delete should be attempted")
	}
}

func TestSweepDropsAlreadyDeletedRepo(t *testing.T) {
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.track(t, "gone", "tok_1", 60, 2*time.Hour, false)

	sum, err := env.rec.Sweep(context.Background(), SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := resultFor(t, sum, "gone"); got.Status != OutcomeAlreadyDeleted {
		t.Fatalf("unexpected result %+v", got)
	}
	if env.tracked(t, "gone") {
		t.Fatal("tracking state should be removed")
	}
}

func TestSweepDropsSessionWithMissingCredential(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "orphan", "tok_gone", 60, 2*time.Hour, true)

	sum, err := env.rec.Sweep(context.Background(), SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := resultFor(t, sum, "orphan"); got.Status != OutcomeTokenMissing {
		t.Fatalf("unexpected result %+v", got)
	}
	if env.tracked(t, "orphan") {
		t.Fatal("tracking state should be removed")
	}
	if !env.fake.RepoExists("octo", "orphan") {
		t.Fatal("repository cannot be deleted without a credential")
	}
}

func TestSweepKeepsTrackingWhenDeleteFails(t *testing.T) {
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.track(t, "stuck", "tok_1", 60, 2*time.Hour, true)
	env.fake.FailNext("delete_repo", &hosting.APIError{Op: "delete_repo", Status: http.StatusForbidden, Message: "Must have admin rights to Repository."})

	sum, err := env.rec.Sweep(context.Background(), SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := resultFor(t, sum, "stuck")
	if got.Status != OutcomeDeleteFailed || got.Error != "Must have admin rights to Repository." {
		t.Fatalf("unexpected result %+v", got)
	}
	if !env.tracked(t, "stuck") {
		t.Fatal("failed deletion must keep tracking state for the next sweep")
	}

	sum, err = env.rec.Sweep(context.Background(), SweepOptions{})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := resultFor(t, sum, "stuck"); got.Status != OutcomeDeleted {
		t.Fatalf("retry should delete, got %+v", got)
	}
}

func TestSweepBudgetPrefersMostOverdue(t *testing.T) {
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.track(t, "newest", "tok_1", 60, 61*time.Minute, true)
	env.track(t, "oldest", "tok_1", 60, 5*time.Hour, true)
	env.track(t, "middle", "tok_1", 60, 3*time.Hour, true)

	sum, err := env.rec.Sweep(context.Background(), SweepOptions{MaxSessions: 2})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for repo, want := range map[string]Outcome{"oldest": OutcomeDeleted, "middle": OutcomeDeleted, "newest": OutcomeDeferred} {
		if got := resultFor(t, sum, repo); got.Status != want {
			t.Fatalf("%s: status %s, want %s", repo, got.Status, want)
		}
	}
	if sum.Sessions.Total != 3 || sum.Sessions.Checked != 2 || sum.Sessions.Deleted != 2 {
		t.Fatalf("unexpected counts %+v", sum.Sessions)
	}
}

func TestSweepPrunesDanglingIndexEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ghost := store.SessionKey("octo", "ghost")
	if _, err := env.kv.SAdd(ctx, "active_vps_keys", ghost); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	sum, err := env.rec.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := resultFor(t, sum, "ghost"); got.Status != OutcomeMissing {
		t.Fatalf("unexpected result %+v", got)
	}
	members, err := env.kv.SMembers(ctx, "active_vps_keys")
	if err != nil || len(members) != 0 {
		t.Fatalf("index should be pruned, got %v err=%v", members, err)
	}
}

func TestSweepChecksStaleCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.addCredential(t, "tok_2", "ghp_two", "hubot")
	env.fake.RevokeToken("ghp_two")
	env.clock.Add(49 * time.Hour)

	sum, err := env.rec.Sweep(ctx, SweepOptions{MaxTokenChecks: 5})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Tokens.Total != 2 || sum.Tokens.Checked != 2 {
		t.Fatalf("unexpected token report %+v", sum.Tokens)
	}
	cred, err := env.store.GetCredential(ctx, "tok_2")
	if err != nil || cred.Meta.Status != model.CredentialDead {
		t.Fatalf("revoked credential should be dead, got %+v err=%v", cred.Meta, err)
	}
}

func TestSweepWithZeroBudgetsExaminesEverything(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.addCredential(t, "tok_2", "ghp_two", "hubot")
	env.track(t, "vps-a", "tok_1", 30, 0, true)
	env.track(t, "vps-b", "tok_1", 30, 0, true)
	env.track(t, "vps-c", "tok_1", 30, 0, true)
	env.clock.Add(49 * time.Hour)

	sum, err := env.rec.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Sessions.Checked != 3 {
		t.Fatalf("every session should be examined, got %+v", sum.Sessions)
	}
	if sum.Tokens.Checked != 2 {
		t.Fatalf("every stale credential should be checked, got %+v", sum.Tokens)
	}
	for _, r := range sum.Sessions.Results {
		if r.Status == OutcomeDeferred {
			t.Fatalf("nothing should be deferred, got %+v", r)
		}
	}
}

func TestSweepReportsUnavailableStore(t *testing.T) {
	st := store.New(kv.Unconfigured{})
	fake := hosting.NewFake(nil)
	pool := tokenpool.New(st, fake, tokenpool.Options{})
	rec := New(pool, st, Options{Pauses: &Pauses{}})

	sum, err := rec.Sweep(context.Background(), SweepOptions{})
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(sum.Errors) == 0 {
		t.Fatal("summary should carry the sweep errors")
	}
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.track(t, "mine", "tok_1", 60, time.Minute, true)
	env.fake.AddRun("octo", "mine", hosting.Run{Status: "in_progress"})

	res, err := env.rec.Destroy(ctx, DestroyRequest{Owner: "octo", Repo: "mine", Username: "alice"})
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !res.Deleted || res.CancelledRuns != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.fake.RepoExists("octo", "mine") || env.tracked(t, "mine") {
		t.Fatal("repository and tracking state should be gone")
	}
	logs, err := env.store.RecentAudit(ctx, 1)
	if err != nil || len(logs) != 1 || logs[0].Type != "vps_deleted" || !logs[0].Manual || logs[0].Username != "alice" {
		t.Fatalf("unexpected audit %+v err=%v", logs, err)
	}
}

func TestDestroyDropsTrackingWhenHostRefuses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.track(t, "mine", "tok_1", 60, time.Minute, true)
	env.fake.FailNext("delete_repo", &hosting.APIError{Op: "delete_repo", Status: http.StatusForbidden, Message: "Must have admin rights to Repository."})

	res, err := env.rec.Destroy(ctx, DestroyRequest{Owner: "octo", Repo: "mine", Username: "alice"})
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if res.Deleted || res.HostStatus != http.StatusForbidden || res.HostMessage == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if env.tracked(t, "mine") {
		t.Fatal("tracking state is dropped regardless of the host answer")
	}
	if logs, _ := env.store.RecentAudit(ctx, 1); len(logs) != 0 {
		t.Fatalf("no audit entry expected, got %+v", logs)
	}
}

func TestDestroyFallsBackToAnyLiveCredential(t *testing.T) {
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.fake.SeedRepo("octo", "untracked")

	res, err := env.rec.Destroy(context.Background(), DestroyRequest{Owner: "octo", Repo: "untracked", Username: "root", Admin: true})
	if err != nil || !res.Deleted {
		t.Fatalf("destroy = %+v, %v", res, err)
	}
}

func TestDestroyRestrictsUsersToTheirOwnSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCredential(t, "tok_1", "ghp_one", "octo")
	env.fake.SeedRepo("octo", "untracked")
	env.track(t, "alices", "tok_1", 60, time.Minute, true)

	if _, err := env.rec.Destroy(ctx, DestroyRequest{Owner: "octo", Repo: "untracked", Username: "bob"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("untracked repo: err = %v, want ErrNotFound", err)
	}
	if _, err := env.rec.Destroy(ctx, DestroyRequest{Owner: "octo", Repo: "alices", Username: "bob"}); !errors.Is(err, ErrNotSessionOwner) {
		t.Fatalf("foreign session: err = %v, want ErrNotSessionOwner", err)
	}
	if !env.fake.RepoExists("octo", "untracked") || !env.fake.RepoExists("octo", "alices") || !env.tracked(t, "alices") {
		t.Fatal("refused deletions must not touch the host or tracking state")
	}
}

func TestDestroyOwnSessionDoesNotBorrowCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.addCredential(t, "tok_2", "ghp_two", "octo")
	env.track(t, "mine", "tok_gone", 60, time.Minute, true)

	_, err := env.rec.Destroy(context.Background(), DestroyRequest{Owner: "octo", Repo: "mine", Username: "alice"})
	if !errors.Is(err, tokenpool.ErrNoCredentialAvailable) {
		t.Fatalf("err = %v, want ErrNoCredentialAvailable", err)
	}
	if !env.fake.RepoExists("octo", "mine") {
		t.Fatal("repository should be untouched")
	}
}

func TestDestroyWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.rec.Destroy(context.Background(), DestroyRequest{Owner: "octo", Repo: "x", Admin: true})
	if !errors.Is(err, tokenpool.ErrNoCredentialAvailable) {
		t.Fatalf("err = %v, want ErrNoCredentialAvailable", err)
	}
}
