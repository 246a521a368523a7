package server

import (
	"net/http"
	"strings"

	"github.com/rakunlabs/gatewire/internal/identity"
)

// requestFingerprint derives the session fingerprint for sticky scheduling
// from the caller's source address, declared user agent, and shared-secret
// token prefix (SPEC_FULL §3 "Session Fingerprint").
func requestFingerprint(r *http.Request) string {
	token := bearerToken(r)
	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return identity.Fingerprint(r.RemoteAddr, r.UserAgent(), prefix)
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if token := strings.TrimPrefix(auth, "Bearer "); token != auth {
		return token
	}
	return r.URL.Query().Get("key")
}
