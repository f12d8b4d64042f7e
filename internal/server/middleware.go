package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks roomsync API keys.
const APIKeyPrefix = "rs_"

const wwwAuthNoToken = `Bearer realm="roomsync"`

const wwwAuthInvalid = `Bearer realm="roomsync", error="invalid_token"`

// BearerAuth returns HTTP middleware that requires an Authorization
// header carrying a key matching keyHash, a bcrypt hash. Unauthenticated
// requests get a 401 with a WWW-Authenticate header.
func BearerAuth(keyHash []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			key := strings.TrimPrefix(authHeader, "Bearer ")
			if !strings.HasPrefix(key, APIKeyPrefix) || bcrypt.CompareHashAndPassword(keyHash, []byte(key)) != nil {
				logger.Warn("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
