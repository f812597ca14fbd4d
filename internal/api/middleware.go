package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type contextKey string

const identityKey contextKey = "identity"

type principal struct {
	orgID  string
	userID string
}

// requireIdentity reads the authenticated principal from the ingress
// headers. Tenancy is never accepted from the request body.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get("X-Org-ID")
		userID := r.Header.Get("X-User-ID")
		if orgID == "" || userID == "" {
			writeError(w, http.StatusUnauthorized, "missing identity headers")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, principal{orgID: orgID, userID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identity(r *http.Request) (string, string) {
	p, _ := r.Context().Value(identityKey).(principal)
	return p.orgID, p.userID
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
