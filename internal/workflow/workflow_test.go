package workflow

import (
	"errors"
	"strings"
	"testing"
)

func TestWindow(t *testing.T) {
	tests := []struct {
		name        string
		plan        PlanID
		requested   int
		wantDur     int
		wantTimeout int
	}{
		{name: "default", plan: Linux, requested: 0, wantDur: 60, wantTimeout: 85},
		{name: "passthrough", plan: WindowsWeb, requested: 120, wantDur: 120, wantTimeout: 145},
		{name: "negative clamps to min", plan: WindowsRDP, requested: -5, wantDur: 1, wantTimeout: 26},
		{name: "over max", plan: Linux, requested: 999, wantDur: 360, wantTimeout: 385},
		{name: "tailscale fixed", plan: WindowsTailscale, requested: 30, wantDur: 360, wantTimeout: 395},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, to := Window(tt.plan, tt.requested)
			if d != tt.wantDur || to != tt.wantTimeout {
				t.Fatalf("Window(%s, %d) = %d/%d, want %d/%d", tt.plan, tt.requested, d, to, tt.wantDur, tt.wantTimeout)
			}
		})
	}
}

func TestBuildRendersEveryPlan(t *testing.T) {
	tests := []struct {
		id      PlanID
		runner  string
		wantSub []string
	}{
		{id: Linux, runner: "ubuntu-latest", wantSub: []string{"timeout-minutes: 85", "sleep 60m", "/vnc.html|Vps@abcdefgh2"}},
		{id: WindowsWeb, runner: "windows-latest", wantSub: []string{"timeout-minutes: 85", "(60 * 60)", "VALUE_OF_PASSWORD=Vps@abcdefgh2"}},
		{id: WindowsRDP, runner: "windows-latest", wantSub: []string{"add-authtoken \"2abcDEF_ghijklmnop\"", "\"--region\",\"ap\""}},
		{id: WindowsTailscale, runner: "windows-latest", wantSub: []string{"timeout-minutes: 395", "(360 * 60)", "WAITING_AUTH|", "overwrite: true"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			plan, err := Build(tt.id, "Vps@abcdefgh2", 60, Secrets{NgrokToken: "2abcDEF_ghijklmnop"})
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if plan.Runner() != tt.runner {
				t.Fatalf("runner = %q", plan.Runner())
			}
			doc, err := plan.Render()
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			text := string(doc)
			for _, sub := range tt.wantSub {
				if !strings.Contains(text, sub) {
					t.Fatalf("rendered %s missing %q", tt.id, sub)
				}
			}
			if strings.Contains(text, "[[") {
				t.Fatal("unrendered placeholder left in descriptor")
			}
			if !strings.Contains(text, "${{ github.repository }}") {
				t.Fatal("expected concurrency expression to survive rendering")
			}
		})
	}
}

func TestBuildUnknownPlan(t *testing.T) {
	_, err := Build("mac_vnc", "Vps@abcdefgh2", 60, Secrets{})
	if !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestRenderRejectsUnsafeParams(t *testing.T) {
	tests := []struct {
		name    string
		plan    PlanID
		pw      string
		secrets Secrets
	}{
		{name: "quote in password", plan: Linux, pw: `Vps@abc"; rm`, secrets: Secrets{}},
		{name: "missing ngrok token", plan: WindowsRDP, pw: "Vps@abcdefgh2", secrets: Secrets{}},
		{name: "newline in ngrok token", plan: WindowsRDP, pw: "Vps@abcdefgh2", secrets: Secrets{NgrokToken: "abcdefghij\nrun: x"}},
		{name: "bad region", plan: WindowsRDP, pw: "Vps@abcdefgh2", secrets: Secrets{NgrokToken: "abcdefghijkl", NgrokRegion: "mars"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Build(tt.plan, tt.pw, 60, tt.secrets)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if _, err := plan.Render(); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := `
name: x
on:
  workflow_dispatch:
jobs:
  a:
    runs-on: ubuntu-latest
    timeout-minutes: 85
    steps:
      - uses: actions/upload-artifact@v4
        with:
          name: result
          path: info.txt
`
	if err := Validate([]byte(good), "ubuntu-latest", 85); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		runner  string
		timeout int
	}{
		{name: "not yaml", doc: "jobs: [", runner: "ubuntu-latest", timeout: 85},
		{name: "wrong runner", doc: good, runner: "windows-latest", timeout: 85},
		{name: "wrong timeout", doc: good, runner: "ubuntu-latest", timeout: 60},
		{name: "no upload", doc: strings.Replace(good, "name: result", "name: logs", 1), runner: "ubuntu-latest", timeout: 85},
		{name: "no dispatch", doc: strings.Replace(good, "workflow_dispatch", "push", 1), runner: "ubuntu-latest", timeout: 85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate([]byte(tt.doc), tt.runner, tt.timeout); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRequiresAuthOnlyForTailscale(t *testing.T) {
	for _, info := range Plans() {
		plan, err := Build(info.ID, "Vps@abcdefgh2", 60, Secrets{NgrokToken: "abcdefghijkl"})
		if err != nil {
			t.Fatalf("build %s: %v", info.ID, err)
		}
		if plan.RequiresAuth() != (info.ID == WindowsTailscale) {
			t.Fatalf("%s RequiresAuth = %v", info.ID, plan.RequiresAuth())
		}
		if plan.Name() != info.Name {
			t.Fatalf("%s name = %q, want %q", info.ID, plan.Name(), info.Name)
		}
	}
}
