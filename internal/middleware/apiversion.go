package middleware

import (
	"mime"
	"net/http"
	"strings"
)

const msgUnsupportedVersion = "Requested api version is not supported."

// RequireAccept only lets requests through whose Accept header names
// mediaType, and labels the response with it.
func RequireAccept(mediaType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !accepts(r.Header.Values("Accept"), mediaType) {
				WriteJSONError(w, http.StatusNotFound, msgUnsupportedVersion)
				return
			}
			w.Header().Set("Content-Type", mediaType+"; charset=utf-8")
			next.ServeHTTP(w, r)
		})
	}
}

func accepts(values []string, mediaType string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err == nil && strings.EqualFold(mt, mediaType) {
				return true
			}
		}
	}
	return false
}
