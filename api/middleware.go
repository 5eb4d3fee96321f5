package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"backend-go-simulation-api/internal/logger"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// publicPaths bypass API key authentication (probes and scraping).
var publicPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/metrics": true,
}

// apiKeyMiddleware validates the X-API-Key header (or a bearer token) against
// apiKey. An empty apiKey disables authentication.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	authEnabled := strings.TrimSpace(apiKey) != ""

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authEnabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get("X-API-Key")
			if providedKey == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					providedKey = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
				logger.NewContextLogger(r.Context()).Warn(
					"auth_failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeJSONError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// traceIDMiddleware generates or extracts a trace ID from the request header
// and adds it to the request context.
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(string(logger.TraceIDKey))
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// Propagate ID in response header for client visibility.
		w.Header().Set(string(logger.TraceIDKey), traceID)

		ctx := context.WithValue(r.Context(), logger.TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogMiddleware logs one line per request, always including trace_id when present.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.NewContextLogger(r.Context()).Info(
			"http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}
