package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
)

const (
	logsLimit        = 200
	deploymentsLimit = 50
	redacted         = "REDACTED"
)

type addTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	scan, err := s.deps.Store.ScanSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := scan.Sessions
	if items == nil {
		items = []model.Session{}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	writeOK(w, map[string]any{"items": items})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.RecentAudit(r.Context(), logsLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeOK(w, map[string]any{"items": entries})
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.RecentAudit(r.Context(), store.AuditLogCap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]model.AuditEntry, 0, deploymentsLimit)
	for _, e := range entries {
		if e.Type != "vps_created" {
			continue
		}
		if e.VPSPassword != "" {
			e.VPSPassword = redacted
		}
		items = append(items, e)
		if len(items) == deploymentsLimit {
			break
		}
	}
	writeOK(w, map[string]any{"items": items})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Credentials.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []tokenpool.Listing{}
	}
	writeOK(w, map[string]any{"items": items})
}

// deadReason strips the sentinel prefix so the probe's reason reads on its own.
func deadReason(err error) string {
	return strings.TrimPrefix(err.Error(), tokenpool.ErrInvalidCredential.Error()+": ")
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "Missing token")
		return
	}
	lease, err := s.deps.Credentials.Add(r.Context(), req.Token)
	if errors.Is(err, tokenpool.ErrInvalidCredential) {
		body := map[string]any{
			"success": false,
			"code":    "token_dead",
			"message": "Token DIE: " + deadReason(err),
		}
		if lease.Owner != "" {
			body["owner"] = lease.Owner
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{
		"message": "Token LIVE - Đã lưu!",
		"owner":   lease.Owner,
		"id":      lease.ID,
	})
}

func (s *Server) handleCheckToken(w http.ResponseWriter, r *http.Request) {
	probe, err := s.deps.Credentials.Check(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "not_found", "Token not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	message := "Token LIVE"
	if !probe.Live {
		message = "Token DIE: " + probe.Reason
	}
	writeOK(w, map[string]any{
		"live":        probe.Live,
		"rateLimited": probe.RateLimited,
		"message":     message,
		"owner":       probe.Owner,
	})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Credentials.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"message": "Đã xoá token"})
}
