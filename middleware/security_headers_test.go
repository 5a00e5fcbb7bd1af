package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("development", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewSecurityHeaders(false).Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		h := rec.Header()
		if h.Get("Strict-Transport-Security") != "" {
			t.Fatal("HSTS set outside production")
		}
		if h.Get("X-Frame-Options") != "DENY" || h.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("headers: %v", h)
		}
		if h.Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
			t.Fatalf("referrer policy: %q", h.Get("Referrer-Policy"))
		}
	})

	t.Run("production with photo origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewSecurityHeaders(true, "https://photos.example.com").Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		h := rec.Header()
		if h.Get("Strict-Transport-Security") != "max-age=31536000; includeSubDomains" {
			t.Fatalf("hsts: %q", h.Get("Strict-Transport-Security"))
		}
		csp := h.Get("Content-Security-Policy")
		if !strings.Contains(csp, "img-src 'self' data: blob: https://photos.example.com;") {
			t.Fatalf("csp: %q", csp)
		}
		if !strings.Contains(csp, "frame-ancestors 'none'") {
			t.Fatalf("csp: %q", csp)
		}
	})

	t.Run("empty fields are skipped", func(t *testing.T) {
		rec := httptest.NewRecorder()
		(&SecurityHeaders{}).Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		h := rec.Header()
		if h.Get("Content-Security-Policy") != "" || h.Get("X-Frame-Options") != "" {
			t.Fatalf("headers: %v", h)
		}
		if h.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatal("nosniff missing")
		}
	})
}
