package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/imgforge/imgforge/internal/auth"
	"github.com/imgforge/imgforge/internal/broker"
)

type contextKey string

const ownerKey contextKey = "owner"

// Owner returns the authenticated owner from the request context, or "".
func Owner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

// CorrelationID requires a caller-supplied correlation id on every request
// and echoes it on the response so callers can trace a request through the
// pipeline logs. Websocket clients cannot set headers, so a corr_id query
// parameter is accepted as a fallback.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get(broker.HeaderCorrelationID)
		if corrID == "" {
			corrID = r.URL.Query().Get("corr_id")
		}
		if corrID == "" {
			writeError(w, http.StatusBadRequest, "MISSING_CORRELATION_ID",
				"x-correlation-id is required")
			return
		}
		w.Header().Set(broker.HeaderCorrelationID, corrID)
		next.ServeHTTP(w, r)
	})
}

// Auth verifies the bearer token on every request and stores the owner in
// the request context. Websocket clients cannot set headers, so a token
// query parameter is accepted as a fallback.
func Auth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}
			claims, err := svc.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), ownerKey, claims.Owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
