package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codecloud/vps-control-plane/internal/accounts"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type timeRequest struct {
	Operation string `json:"operation"`
	Minutes   *int   `json:"minutes"`
}

type banRequest struct {
	Unit     string `json:"banUnit"`
	Duration int    `json:"banDuration"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Accounts.Login(r.Context(), accounts.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		Client:   accounts.ClientFromRequest(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSession(w, r, res)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Accounts.Register(r.Context(), accounts.RegisterRequest{
		Username: req.Username,
		Password: req.Password,
		Confirm:  req.ConfirmPassword,
		Client:   accounts.ClientFromRequest(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSession(w, r, res)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, res accounts.LoginResult) {
	token, exp, err := s.deps.Tokens.Issue(res.Account.Username, res.Account.IsAdmin)
	if err != nil {
		writeError(w, r, fmt.Errorf("issue token: %w", err))
		return
	}
	writeOK(w, map[string]any{
		"user":        res.Account,
		"timeMinutes": res.Minutes,
		"token":       token,
		"expiresAt":   exp.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOf(w, r)
	if !ok {
		return
	}
	if id.Admin {
		writeOK(w, map[string]any{"minutes": accounts.AdminMinutes})
		return
	}
	minutes, err := s.deps.Accounts.Minutes(r.Context(), id.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"minutes": minutes})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Accounts.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"users": users})
}

func (s *Server) handleUpdateTime(w http.ResponseWriter, r *http.Request) {
	var req timeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Minutes == nil {
		writeAPIError(w, http.StatusBadRequest, string(accounts.KindInvalid), "Invalid minutes")
		return
	}
	change, err := s.deps.Accounts.UpdateMinutes(r.Context(), accounts.TimeUpdate{
		Username:  chi.URLParam(r, "username"),
		Operation: accounts.Operation(strings.ToLower(req.Operation)),
		Minutes:   *req.Minutes,
		Client:    accounts.ClientFromRequest(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{
		"previousMinutes": change.Previous,
		"newMinutes":      change.New,
	})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Accounts.Ban(r.Context(), accounts.BanRequest{
		Username: chi.URLParam(r, "username"),
		Unit:     accounts.BanUnit(req.Unit),
		Duration: req.Duration,
		Client:   accounts.ClientFromRequest(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{
		"message":  res.Reason,
		"username": res.Username,
		"banUntil": res.Until,
	})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "username")
	if err := s.deps.Accounts.Unban(r.Context(), name, accounts.ClientFromRequest(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"message": "Đã unban user " + strings.ToLower(name)})
}
