// Package admin exposes the account management API under /admin, protected
// by HTTP basic auth.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kirogate/internal/account"
	"kirogate/internal/store"
)

// Handler serves the admin API.
type Handler struct {
	username string
	password string
	accounts *account.Service
}

// NewHandler builds the admin handler with the configured credentials.
func NewHandler(username, password string, accounts *account.Service) *Handler {
	return &Handler{username: username, password: password, accounts: accounts}
}

// Routes returns the admin router, every route behind basic auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.basicAuth)

	r.Get("/check-auth", h.checkAuth)
	r.Get("/accounts", h.listAccounts)
	r.Post("/accounts", h.createAccount)
	r.Get("/accounts/{name}", h.getAccount)
	r.Put("/accounts/{name}", h.updateAccount)
	r.Delete("/accounts/{name}", h.deleteAccount)
	r.Post("/accounts/{name}/toggle", h.toggleAccount)
	r.Post("/accounts/{name}/token", h.updateToken)
	r.Post("/accounts/{name}/refresh", h.refreshToken)
	r.Post("/accounts/{name}/test", h.testAccount)
	return r
}

// basicAuth enforces the configured credentials with constant-time
// comparison.
func (h *Handler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Message: "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type createRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key,omitempty"`
}

type updateRequest struct {
	APIKey  *string `json:"api_key,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

type tokenRequest struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	ClientIDHash string `json:"client_id_hash,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Admin] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Message: "Account not found"})
	case errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Message: err.Error()})
	}
}

func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      h.username,
	})
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	infos, err := h.accounts.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	info, err := h.accounts.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "name is required"})
		return
	}
	created, err := h.accounts.Create(req.Name, req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid request body"})
		return
	}
	updated, err := h.accounts.Update(chi.URLParam(r, "name"), store.AccountUpdate{
		APIKey:  req.APIKey,
		Enabled: req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.accounts.Delete(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Account '" + name + "' deleted"})
}

func (h *Handler) toggleAccount(w http.ResponseWriter, r *http.Request) {
	toggled, err := h.accounts.Toggle(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toggled)
}

func (h *Handler) updateToken(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: "invalid request body"})
		return
	}
	blob := &store.TokenBlob{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		ClientIDHash: req.ClientIDHash,
	}
	if err := h.accounts.SaveToken(name, blob); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Token updated for '" + name + "'"})
}

func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	expiresAt, err := h.accounts.RefreshToken(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: "Token refreshed for '" + name + "'",
		Data:    map[string]string{"expires_at": expiresAt},
	})
}

func (h *Handler) testAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	reply, err := h.accounts.Test(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Message: "Account '" + name + "' is working",
		Data:    map[string]string{"response": reply},
	})
}
