// Package transportauth is the thin seam where a real authenticated
// transport (HMAC signing, time-delta handshake) would plug in. Per
// spec.md §1 and §7 rule 3, the actual inbound/outbound REST transport
// layer — including authentication — is an external collaborator; the
// core only needs to see that requests reaching it were authenticated.
// This package is intentionally not that collaborator: it is a minimal
// shared-secret check standing in for it in this self-contained module,
// so the control API has something to wrap.
package transportauth

import (
	"crypto/subtle"
	"net/http"
)

const headerName = "X-Pollingserver-Key"

// RequireSharedSecret wraps next so that requests must carry headerName
// matching key (constant-time compared). Requests failing the check
// receive 401; this is not the HMAC/time-delta handshake the real
// transport layer performs, only a boundary placeholder for it.
func RequireSharedSecret(key []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(headerName))
		if len(got) != len(key) || subtle.ConstantTimeCompare(got, key) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
