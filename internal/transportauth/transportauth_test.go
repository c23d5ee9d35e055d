package transportauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireSharedSecretAcceptsMatchingKey(t *testing.T) {
	key := []byte("correct-horse-battery-staple-0123456789abcdef")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/state/active", nil)
	req.Header.Set(headerName, string(key))
	rec := httptest.NewRecorder()

	RequireSharedSecret(key, next).ServeHTTP(rec, req)

	if !called {
		t.Error("expected the wrapped handler to run with a matching key")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireSharedSecretRejectsWrongKey(t *testing.T) {
	key := []byte("correct-horse-battery-staple-0123456789abcdef")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("wrapped handler must not run on a key mismatch")
	})

	req := httptest.NewRequest(http.MethodPost, "/state/active", nil)
	req.Header.Set(headerName, "wrong-key")
	rec := httptest.NewRecorder()

	RequireSharedSecret(key, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireSharedSecretRejectsMissingHeader(t *testing.T) {
	key := []byte("correct-horse-battery-staple-0123456789abcdef")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("wrapped handler must not run without the header")
	})

	req := httptest.NewRequest(http.MethodPost, "/state/active", nil)
	rec := httptest.NewRecorder()

	RequireSharedSecret(key, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
