package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/idlewatch/idlewatch/server/auth"
	"github.com/idlewatch/idlewatch/server/middleware"
	"github.com/idlewatch/idlewatch/server/observability"
)

const minPasswordLength = 8

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Per-IP window so a credential stuffer cannot hammer the endpoint.
	ip := middleware.ClientIP(r)
	allowed, err := a.loginWindow.Allow(r.Context(), ip)
	if err != nil {
		log.Printf("Login rate limiter unavailable: %v", err)
		writeError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
		return
	}
	if !allowed {
		observability.LoginsTotal.WithLabelValues("rate_limited").Inc()
		a.writeRateLimitError(w, "login")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}

	u, err := a.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	// Same response for unknown user and wrong password.
	if u == nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		observability.LoginsTotal.WithLabelValues("failure").Inc()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(u.Username, a.sessionTTL)
	if err != nil {
		writeFleetError(w, err)
		return
	}

	observability.LoginsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"username":   u.Username,
		"expires_in": int64(a.sessionTTL / time.Second),
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, err := middleware.GetUser(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": user,
		"valid":    true,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user, err := middleware.GetUser(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeError(w, http.StatusUnprocessableEntity, "new password must be at least 8 characters")
		return
	}

	u, err := a.store.GetUserByUsername(r.Context(), user)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	if u == nil || !auth.CheckPassword(u.PasswordHash, req.CurrentPassword) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	if err := a.store.UpdateUserPassword(r.Context(), u.ID, hash); err != nil {
		writeFleetError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}
