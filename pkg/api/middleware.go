package api

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

type contextKey string

const userContextKey contextKey = "user"

// userIDHeader carries the acting user, set by the authenticating proxy.
const userIDHeader = "X-User-ID"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireUser reads the acting user id and injects it into the request
// context.
func (s *server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(userIDHeader)
		if raw == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"missing " + userIDHeader + " header"})

			return
		}

		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid " + userIDHeader + " header"})

			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFromContext extracts the acting user id from the request context.
func userFromContext(ctx context.Context) int64 {
	userID, _ := ctx.Value(userContextKey).(int64)

	return userID
}
