package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/serverbackup/internal/auth"
)

const (
	authRealm           = `Basic realm="serverbackup"`
	msgNotAuthenticated = "You are not authenticated!"
	msgAdminRequired    = "You are not authorized to perform this action."
)

// WriteJSONError writes {"message": msg} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// RequireAuth validates HTTP basic credentials and populates AuthContext.
func RequireAuth(users *auth.Users) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}
			ac, ok := users.Authenticate(username, password)
			if !ok {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// RequireAdmin rejects callers without the admin role. msg overrides the
// default 403 message.
func RequireAdmin(msg string) func(http.Handler) http.Handler {
	if msg == "" {
		msg = msgAdminRequired
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.IsAdmin(r.Context()) {
				WriteJSONError(w, http.StatusForbidden, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", authRealm)
	WriteJSONError(w, http.StatusUnauthorized, msgNotAuthenticated)
}
