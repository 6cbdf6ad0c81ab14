// Package api exposes the mirroring engine to operators over HTTP: linked
// accounts, copy sessions, mirrored trades, stats and a live event stream.
//
// Tokens are write-only. Responses only ever carry a masked form.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/engine"
	"github.com/atmx/mirror-engine/internal/model"
	"github.com/atmx/mirror-engine/internal/registry"
	"github.com/atmx/mirror-engine/internal/session"
)

// Service handles operator requests against one engine.
type Service struct {
	engine *engine.Engine
}

// NewService creates the operator API for e.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

// Routes registers the operator endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/accounts", s.ListAccounts)
	r.Post("/accounts", s.AddAccount)
	r.Delete("/accounts/{accountID}", s.RemoveAccount)
	r.Post("/accounts/{accountID}/validate", s.ValidateAccount)
	r.Put("/accounts/{accountID}/active", s.SetAccountActive)

	r.Get("/sessions", s.ListSessions)
	r.Post("/sessions/{traderID}", s.StartSession)
	r.Delete("/sessions/{traderID}", s.StopSession)

	r.Get("/trades", s.ListTrades)
	r.Get("/stats", s.GetStats)
	r.Get("/traders", s.ListTraders)
	r.Get("/master", s.GetMaster)
	r.Put("/mirror-mode", s.SetMirrorMode)
}

// --- Request/Response types ---

// AddAccountRequest is the JSON body for POST /accounts.
type AddAccountRequest struct {
	Token string `json:"token"`
}

// SetActiveRequest is the JSON body for PUT /accounts/{accountID}/active.
type SetActiveRequest struct {
	IsActive *bool `json:"is_active"`
}

// MirrorModeRequest is the JSON body for PUT /mirror-mode.
type MirrorModeRequest struct {
	Enabled *bool `json:"enabled"`
}

// MirrorModeResponse reports the engine's mirroring state.
type MirrorModeResponse struct {
	Mode    string `json:"mode"`
	Enabled bool   `json:"enabled"`
}

// AccountView is a linked account as shown to operators.
type AccountView struct {
	model.LinkedAccount
	Token string `json:"token"` // masked
}

func viewOf(a model.LinkedAccount) AccountView {
	return AccountView{LinkedAccount: a, Token: a.MaskedToken()}
}

// --- Accounts ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.engine.Accounts.List()
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewOf(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// AddAccount handles POST /api/v1/accounts
func (s *Service) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req AddAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.engine.Accounts.Add(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("account linked via api", "operator", Operator(r.Context()), "account_id", acct.AccountID)
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

// RemoveAccount handles DELETE /api/v1/accounts/{accountID}
func (s *Service) RemoveAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.engine.Accounts.Remove(r.Context(), accountID); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("account unlinked via api", "operator", Operator(r.Context()), "account_id", accountID)
	w.WriteHeader(http.StatusNoContent)
}

// ValidateAccount handles POST /api/v1/accounts/{accountID}/validate
func (s *Service) ValidateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.Accounts.Revalidate(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(acct))
}

// SetAccountActive handles PUT /api/v1/accounts/{accountID}/active
func (s *Service) SetAccountActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		writeError(w, "is_active is required", http.StatusBadRequest)
		return
	}
	acct, err := s.engine.Accounts.SetActive(r.Context(), chi.URLParam(r, "accountID"), *req.IsActive)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(acct))
}

// --- Sessions ---

// ListSessions handles GET /api/v1/sessions
func (s *Service) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Sessions.List())
}

// StartSession handles POST /api/v1/sessions/{traderID}
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Sessions.Start(r.Context(), chi.URLParam(r, "traderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("session started via api", "operator", Operator(r.Context()), "trader_id", sess.TraderID)
	writeJSON(w, http.StatusCreated, sess)
}

// StopSession handles DELETE /api/v1/sessions/{traderID}
func (s *Service) StopSession(w http.ResponseWriter, r *http.Request) {
	traderID := chi.URLParam(r, "traderID")
	if err := s.engine.Sessions.Stop(traderID); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("session stopped via api", "operator", Operator(r.Context()), "trader_id", traderID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Trades and stats ---

// ListTrades handles GET /api/v1/trades?limit=N
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.engine.Trades(r.Context(), limit)
	if err != nil {
		slog.Error("list trades failed", "err", err)
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.MirroredTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// ListTraders handles GET /api/v1/traders
func (s *Service) ListTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := s.engine.Catalog.Traders(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, traders)
}

// GetMaster handles GET /api/v1/master
func (s *Service) GetMaster(w http.ResponseWriter, r *http.Request) {
	if m, ok := s.engine.Master(); ok {
		writeJSON(w, http.StatusOK, m)
		return
	}
	m, err := s.engine.ResolveMaster(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SetMirrorMode handles PUT /api/v1/mirror-mode
func (s *Service) SetMirrorMode(w http.ResponseWriter, r *http.Request) {
	var req MirrorModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	s.engine.SetMirroring(*req.Enabled)
	writeJSON(w, http.StatusOK, MirrorModeResponse{Mode: s.engine.Mode(), Enabled: s.engine.Mirroring()})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var authErr *registry.AuthError
	switch {
	case errors.Is(err, registry.ErrEmptyToken):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, registry.ErrAccountNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, engine.ErrNoMasterToken):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateAccount),
		errors.Is(err, session.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoLinkedAccounts):
		return http.StatusUnprocessableEntity
	case deriv.IsNetworkError(err), deriv.IsAPIError(err), errors.Is(err, deriv.ErrEmptyResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
