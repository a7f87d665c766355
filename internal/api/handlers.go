package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/codecloud/vps-control-plane/internal/accounts"
	"github.com/codecloud/vps-control-plane/internal/discovery"
	"github.com/codecloud/vps-control-plane/internal/kv"
	"github.com/codecloud/vps-control-plane/internal/provision"
	"github.com/codecloud/vps-control-plane/internal/reconcile"
	"github.com/codecloud/vps-control-plane/internal/workflow"
)

type createRequest struct {
	PlanID          string `json:"planId"`
	DurationMinutes int    `json:"durationMinutes"`
	RepoName        string `json:"repoName"`
	RepoVisibility  string `json:"repoVisibility"`
	NgrokToken      string `json:"ngrokToken"`
	NgrokRegion     string `json:"ngrokRegion"`
}

type discoverRequest struct {
	Owner              string `json:"owner"`
	RepoName           string `json:"repoName"`
	CheckTailscaleAuth bool   `json:"checkTailscaleAuth"`
}

type deleteRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

const (
	msgDispatched       = "Workflow đã kích hoạt thành công!"
	msgDispatchDeferred = "Workflow đã tạo nhưng chưa kích hoạt được (%s). Vào Actions để kích hoạt thủ công."
	msgDeleted          = "VPS deleted"
	msgDeletedLocally   = "Cleaned from database (GitHub deletion may have failed)"
)

func provisionClient(c accounts.Client) provision.Client {
	return provision.Client{IP: c.IP, IPRaw: c.IPRaw, UA: c.UA}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOf(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RepoName) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "Thiếu tên Repository")
		return
	}

	in := provision.ProvisionRequest{
		Plan:            workflow.PlanID(req.PlanID),
		DurationMinutes: req.DurationMinutes,
		RepoName:        req.RepoName,
		Private:         req.RepoVisibility == "private",
		Secrets:         workflow.Secrets{NgrokToken: req.NgrokToken, NgrokRegion: req.NgrokRegion},
		CreatedBy:       id.Username,
		Client:          provisionClient(accounts.ClientFromRequest(r)),
	}
	// Admin balances are not tracked.
	if !id.Admin {
		in.Username = id.Username
	}
	res, err := s.deps.Provisioner.Provision(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	message := msgDispatched
	if !res.Dispatched {
		message = fmt.Sprintf(msgDispatchDeferred, res.DispatchError)
	}
	visibility := "public"
	if res.Private {
		visibility = "private"
	}
	writeOK(w, map[string]any{
		"pending":               true,
		"dispatched":            res.Dispatched,
		"message":               message,
		"vpsPassword":           res.Password,
		"repoUrl":               res.RepoURL,
		"actionsUrl":            res.ActionsURL,
		"planId":                res.Plan.ID,
		"planName":              res.Plan.Name,
		"duration":              res.DurationMinutes,
		"specs":                 res.Specs,
		"repoVisibility":        visibility,
		"owner":                 res.Owner,
		"runId":                 res.RunID,
		"startedAt":             res.CreatedAt.UTC().Format(time.RFC3339),
		"requiresTailscaleAuth": res.RequiresAuth,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if _, ok := identityOf(w, r); !ok {
		return
	}
	var req discoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" || req.RepoName == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "Missing owner or repoName")
		return
	}
	res, err := s.deps.Discovery.Discover(r.Context(), discovery.Request{
		Owner:     req.Owner,
		Repo:      req.RepoName,
		CheckAuth: req.CheckTailscaleAuth,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		discovery.Result
	}{Success: true, Result: res})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOf(w, r)
	if !ok {
		return
	}
	var req deleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" || req.Repo == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "Missing owner or repo")
		return
	}
	res, err := s.deps.Reconciler.Destroy(r.Context(), reconcile.DestroyRequest{
		Owner:    req.Owner,
		Repo:     req.Repo,
		Username: id.Username,
		Admin:    id.Admin,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	message := msgDeleted
	if !res.Deleted {
		message = msgDeletedLocally
	}
	log.Info("vps delete", "owner", req.Owner, "repo", req.Repo, "username", id.Username, "deleted", res.Deleted)
	writeJSON(w, http.StatusOK, struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		reconcile.DestroyResult
	}{Success: true, Message: message, DestroyResult: res})
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Reconciler.Sweep(r.Context(), reconcile.SweepOptions{
		MaxSessions:    s.cfg.SweepMaxSessions,
		MaxTokenChecks: s.cfg.SweepMaxTokenChecks,
	})
	// Partial failures are listed in the summary; only a dead store fails the call.
	if errors.Is(err, kv.ErrUnavailable) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		reconcile.Summary
	}{Success: true, Summary: sum})
}
