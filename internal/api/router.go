package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codecloud/vps-control-plane/internal/accounts"
	"github.com/codecloud/vps-control-plane/internal/auth"
	"github.com/codecloud/vps-control-plane/internal/config"
	"github.com/codecloud/vps-control-plane/internal/discovery"
	"github.com/codecloud/vps-control-plane/internal/kv"
	"github.com/codecloud/vps-control-plane/internal/metrics"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/provision"
	"github.com/codecloud/vps-control-plane/internal/reconcile"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
)

type Accounts interface {
	Login(ctx context.Context, req accounts.LoginRequest) (accounts.LoginResult, error)
	Register(ctx context.Context, req accounts.RegisterRequest) (accounts.LoginResult, error)
	Minutes(ctx context.Context, name string) (int, error)
	UpdateMinutes(ctx context.Context, req accounts.TimeUpdate) (accounts.TimeChange, error)
	Ban(ctx context.Context, req accounts.BanRequest) (accounts.BanResult, error)
	Unban(ctx context.Context, username string, client accounts.Client) error
	ListUsers(ctx context.Context) ([]accounts.UserSummary, error)
}

type Provisioner interface {
	Provision(ctx context.Context, req provision.ProvisionRequest) (provision.ProvisionResult, error)
}

type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (discovery.Result, error)
}

type Reconciler interface {
	Sweep(ctx context.Context, opts reconcile.SweepOptions) (reconcile.Summary, error)
	Destroy(ctx context.Context, req reconcile.DestroyRequest) (reconcile.DestroyResult, error)
}

type Credentials interface {
	List(ctx context.Context) ([]tokenpool.Listing, error)
	Add(ctx context.Context, secret string) (tokenpool.Lease, error)
	Check(ctx context.Context, id string) (tokenpool.Probe, error)
	Remove(ctx context.Context, id string) error
}

type Store interface {
	ScanSessions(ctx context.Context) (store.SessionScan, error)
	RecentAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

type TokenIssuer interface {
	Issue(username string, admin bool) (string, time.Time, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Accounts    Accounts
	Provisioner Provisioner
	Discovery   Discoverer
	Reconciler  Reconciler
	Credentials Credentials
	Store       Store
	Tokens      TokenIssuer
}

type Server struct {
	cfg  config.Config
	deps Deps
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	s := &Server{cfg: cfg, deps: deps}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	// Provisioning waits for the workflow to start, which can take minutes.
	r.Use(middleware.Timeout(3 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.With(auth.SharedSecret(cfg.CronSecret)).Group(func(cron chi.Router) {
		cron.Get("/api/cron", s.handleCron)
		cron.Post("/api/cron", s.handleCron)
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/auth/login", s.handleLogin)
		v1.Post("/auth/register", s.handleRegister)

		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Get("/auth/time", s.handleTime)
			authed.Post("/vps", s.handleCreate)
			authed.Post("/vps/discover", s.handleDiscover)
			authed.Post("/vps/delete", s.handleDelete)

			authed.With(auth.RequireAdmin).Group(func(admin chi.Router) {
				admin.Get("/admin/users", s.handleListUsers)
				admin.Post("/admin/users/{username}/time", s.handleUpdateTime)
				admin.Post("/admin/users/{username}/ban", s.handleBan)
				admin.Post("/admin/users/{username}/unban", s.handleUnban)

				admin.Get("/vps/active", s.handleActive)
				admin.Get("/logs", s.handleLogs)
				admin.Get("/deployments", s.handleDeployments)

				admin.Get("/tokens", s.handleListTokens)
				admin.Post("/tokens", s.handleAddToken)
				admin.Post("/tokens/{id}/check", s.handleCheckToken)
				admin.Delete("/tokens/{id}", s.handleDeleteToken)
			})
		})
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	writeJSON(w, http.StatusOK, fields)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

const msgStoreUnavailable = "Storage is not configured. Set UPSTASH_REDIS_REST_URL and UPSTASH_REDIS_REST_TOKEN."

// writeError maps service errors onto the response envelope. Anything not
// recognised is logged and reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var accErr *accounts.Error
	var provErr *provision.Error
	switch {
	case errors.Is(err, kv.ErrUnavailable):
		writeAPIError(w, http.StatusServiceUnavailable, "store_unavailable", msgStoreUnavailable)
	case errors.As(err, &accErr):
		writeAPIError(w, accountStatus(accErr.Kind), string(accErr.Kind), accErr.Message)
	case errors.As(err, &provErr):
		writeProvisionError(w, provErr)
	case errors.Is(err, tokenpool.ErrNoCredentialAvailable):
		writeAPIError(w, http.StatusServiceUnavailable, "no_token", "No hosting token available. An admin must add one.")
	case errors.Is(err, store.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, reconcile.ErrNotSessionOwner):
		writeAPIError(w, http.StatusForbidden, "forbidden", "Only the owner or an admin can delete this VPS")
	default:
		log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Code: "internal_error", Message: "internal error", Error: err.Error()})
	}
}

func accountStatus(kind accounts.Kind) int {
	switch kind {
	case accounts.KindInvalid:
		return http.StatusBadRequest
	case accounts.KindConflict:
		return http.StatusConflict
	case accounts.KindUnauthorized:
		return http.StatusUnauthorized
	case accounts.KindBanned:
		return http.StatusForbidden
	case accounts.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeProvisionError(w http.ResponseWriter, e *provision.Error) {
	status := http.StatusBadGateway
	code := string(e.Kind)
	switch e.Kind {
	case provision.KindValidation:
		status = http.StatusBadRequest
	case provision.KindCredential:
		status = http.StatusServiceUnavailable
		code = "no_token"
		if errors.Is(e, provision.ErrCredentialExpired) {
			code = "token_expired"
		}
	case provision.KindStartTimeout:
		status = http.StatusGatewayTimeout
	}
	body := map[string]any{
		"success": false,
		"code":    code,
		"message": e.Message,
	}
	if e.RepoURL != "" {
		body["repoUrl"] = e.RepoURL
		body["actionsUrl"] = e.ActionsURL
	}
	writeJSON(w, status, body)
}

func identityOf(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
	}
	return id, ok
}
