package gateway_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BrandonDucar/dream-net-sub003/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware([]string{"https://example.com"})
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/event", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://example.com" {
		t.Fatalf("expected origin https://example.com, got %q", origin)
	}
	headers := rec.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(headers, "X-StarBridge-Signature") {
		t.Fatalf("expected signature header to be allowed, got %q", headers)
	}
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"allowed", []string{"https://allowed.com"}, "https://allowed.com", "https://allowed.com"},
		{"disallowed", []string{"https://allowed.com"}, "https://evil.com", ""},
		{"wildcard", []string{"*"}, "https://any-origin.com", "https://any-origin.com"},
		{"disabled", nil, "https://example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := gateway.NewCORSMiddleware(tt.allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/events", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if !called || rec.Code != http.StatusOK {
				t.Fatalf("expected inner handler to run, code %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("expected allow-origin %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	wrap := gateway.RequestSizeLimitMiddleware(100)
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/log", strings.NewReader("small"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for small body, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/log", strings.NewReader(strings.Repeat("x", 200)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", rec.Code)
	}
}
