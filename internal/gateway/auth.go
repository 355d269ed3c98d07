package gateway

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TokenFile is the bearer token file under the warden home directory.
const TokenFile = "auth.token"

// LoadAuthToken returns WARDEN_AUTH_TOKEN when set, otherwise the token
// stored in <homeDir>/auth.token, generating one on first use.
func LoadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("WARDEN_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, TokenFile)
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read auth token: %w", err)
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// ExtractToken returns the caller's token. It checks, in order:
// Authorization: Bearer <token>, X-API-Key, and the token query param (for
// websocket clients that cannot set headers).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// unauthenticated lists paths served without a token.
func unauthenticated(path string) bool {
	return path == "/healthz"
}

// authMiddleware rejects requests without the server token. An empty token
// rejects everything except unauthenticated paths.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticated(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		got := ExtractToken(r)
		if got == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		// Constant-time comparison to avoid leaking the token through timing.
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
