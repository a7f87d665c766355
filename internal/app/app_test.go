package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/codecloud/vps-control-plane/internal/api"
	"github.com/codecloud/vps-control-plane/internal/config"
	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/kv"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:           "test-secret",
		JWTTTL:              time.Hour,
		CronSecret:          "cron-secret",
		KVBackend:           "memory",
		HostProvider:        "fake",
		AdminAccounts:       map[string]string{"root": "admin-pass"},
		FreeMinutes:         30,
		SweepMaxSessions:    25,
		SweepMaxTokenChecks: 20,
		DiscoveryCacheTTL:   20 * time.Second,
	}
}

func TestOpenWithoutUpstashDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.KVBackend = "upstash"
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, ok := s.KV.(kv.Unconfigured); !ok {
		t.Fatalf("kv = %T, want kv.Unconfigured", s.KV)
	}
	if _, err := s.Store.CredentialIDs(context.Background()); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestOpenSelectsBackends(t *testing.T) {
	s, err := Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, ok := s.KV.(*kv.Memory); !ok {
		t.Fatalf("kv = %T", s.KV)
	}
	if _, ok := s.Host.(*hosting.Fake); !ok {
		t.Fatalf("host = %T", s.Host)
	}
	if got := s.SweepOptions(); got.MaxSessions != 25 || got.MaxTokenChecks != 20 {
		t.Fatalf("sweep options = %+v", got)
	}
}

func TestOpenSealer(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	cfg := testConfig()
	cfg.AgeIdentity = id.String()
	sealer, err := openSealer(cfg)
	if err != nil {
		t.Fatalf("open sealer: %v", err)
	}
	if _, ok := sealer.(*tokenpool.AgeSealer); !ok {
		t.Fatalf("sealer = %T", sealer)
	}

	cfg = testConfig()
	cfg.AgeRecipient = id.Recipient().String()
	if _, err := openSealer(cfg); err == nil {
		t.Fatal("recipient without identity must fail")
	}
}

func TestWiredRouterServesAccountsAndTokens(t *testing.T) {
	s, err := Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	s.Host.(*hosting.Fake).AddToken("ghp_live_token_1234", "octo")
	router := api.NewRouter(s.Config, s.Deps())

	rr := post(router, "/api/v1/auth/register", "", map[string]any{"username": "alice", "password": "secret1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("register status = %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decode(t, rr); body["timeMinutes"] != float64(30) {
		t.Fatalf("unexpected register body: %v", body)
	}

	rr = post(router, "/api/v1/auth/login", "", map[string]any{"username": "root", "password": "admin-pass"})
	admin, _ := decode(t, rr)["token"].(string)
	if admin == "" {
		t.Fatalf("admin login failed: %s", rr.Body.String())
	}

	rr = post(router, "/api/v1/tokens", admin, map[string]any{"token": "ghp_live_token_1234"})
	if body := decode(t, rr); body["success"] != true || body["owner"] != "octo" {
		t.Fatalf("add token: %v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	items, _ := decode(t, rr)["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["masked"] != "ghp_live****1234" {
		t.Fatalf("unexpected token listing: %v", items)
	}
}

func post(h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}
