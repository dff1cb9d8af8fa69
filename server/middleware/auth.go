package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/idlewatch/idlewatch/server/auth"
	"github.com/idlewatch/idlewatch/server/store"
)

// ContextKey is the typed key namespace for request-scoped values.
type ContextKey string

const (
	UserContextKey      ContextKey = "user"
	ClaimsContextKey    ContextKey = "claims"
	MachineContextKey   ContextKey = "machine_id"
	RequestIDContextKey ContextKey = "request_id"
)

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid Authorization format, expected 'Bearer <token>'")
	}
	return parts[1], nil
}

// SessionAuth enforces dashboard JWT authentication and injects the
// authenticated username into the request context.
func SessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			writeUnauthorized(w, fmt.Sprintf("unauthorized: %v", err))
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims.Username)
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFinder resolves a presented agent token hash to its record.
type TokenFinder interface {
	FindAgentToken(ctx context.Context, tokenHash string) (*store.AgentToken, error)
}

// AgentAuth authenticates fleet agents by their issued token and injects
// the owning machine ID into the request context. Revoked and expired
// tokens are rejected, so a re-registered machine's old credential stops
// working immediately.
func AgentAuth(tokens TokenFinder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}

		tok, err := tokens.FindAgentToken(r.Context(), auth.HashAgentToken(raw))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication lookup failed"})
			return
		}
		if tok == nil || tok.Revoked {
			writeUnauthorized(w, "invalid agent token")
			return
		}
		if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
			writeUnauthorized(w, "agent token expired")
			return
		}

		ctx := context.WithValue(r.Context(), MachineContextKey, tok.MachineID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetMachineID retrieves the authenticated agent's machine ID.
func GetMachineID(ctx context.Context) (int64, error) {
	val := ctx.Value(MachineContextKey)
	if val == nil {
		return 0, fmt.Errorf("machine id not found in context")
	}
	id, ok := val.(int64)
	if !ok {
		return 0, fmt.Errorf("machine id in context is not an int64")
	}
	return id, nil
}

// GetUser retrieves the authenticated dashboard username.
func GetUser(ctx context.Context) (string, error) {
	val := ctx.Value(UserContextKey)
	if val == nil {
		return "", fmt.Errorf("user not found in context")
	}
	user, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("user in context is not a string")
	}
	return user, nil
}
