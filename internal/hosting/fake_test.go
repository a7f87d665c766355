package hosting

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestFakeDispatchNeedsWorkflowFile(t *testing.T) {
	ctx := context.Background()
	f := NewFake(nil)
	f.AddToken("tkn", "octo")
	api := f.WithToken("tkn")

	if _, err := api.CreateRepo(ctx, CreateRepoRequest{Name: "vps-1", Private: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := api.DispatchWorkflow(ctx, "octo", "vps-1", "run.yml", "main")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before push, got %v", err)
	}

	if err := api.PutFile(ctx, "octo", "vps-1", File{Path: ".github/workflows/run.yml", Content: []byte("x")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := api.DispatchWorkflow(ctx, "octo", "vps-1", "run.yml", "main"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	runs, err := api.ListRuns(ctx, "octo", "vps-1", ListRunsOptions{PerPage: 1})
	if err != nil || len(runs) != 1 || runs[0].Status != "queued" {
		t.Fatalf("unexpected runs %+v err=%v", runs, err)
	}
}

func TestFakeUnknownTokenIsUnauthorized(t *testing.T) {
	f := NewFake(nil)
	_, err := f.WithToken("nope").Identity(context.Background())
	if StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestFakeCancelMarksRunCancelled(t *testing.T) {
	ctx := context.Background()
	f := NewFake(nil)
	f.AddToken("tkn", "octo")
	run := f.AddRun("octo", "vps-1", Run{Status: "in_progress"})

	if err := f.WithToken("tkn").CancelRun(ctx, "octo", "vps-1", run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	runs, _ := f.WithToken("tkn").ListRuns(ctx, "octo", "vps-1", ListRunsOptions{Status: "in_progress", PerPage: 50})
	if len(runs) != 0 {
		t.Fatalf("expected no in-progress runs, got %+v", runs)
	}
}
