package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/adapter/repo"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/http/handlers"
)

const validRun = `{"workflow":{"1":{"class_type":"SaveImage"}}}`

func newTestRouter(opts Options) http.Handler {
	app := handlers.NewApp(repo.NewMemoryJobRepository(), zerolog.Nop())
	opts.Logger = zerolog.Nop()
	return NewRouter(app, opts)
}

func post(h http.Handler, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesJobEndpoints(t *testing.T) {
	h := newTestRouter(Options{})
	tests := []struct {
		method string
		target string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/stats", http.StatusOK},
		{http.MethodGet, "/status/missing", http.StatusNotFound},
		{http.MethodPost, "/admin/cleanup", http.StatusOK},
		{http.MethodPost, "/admin/reset-stuck", http.StatusOK},
		{http.MethodDelete, "/admin/job/missing", http.StatusNotFound},
		{http.MethodGet, "/run", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Fatalf("missing X-Request-ID header")
			}
		})
	}
}

func TestRouterLimitsRequestBody(t *testing.T) {
	h := newTestRouter(Options{MaxRequestBytes: 128})
	if rec := post(h, "/run", validRun); rec.Code != http.StatusOK {
		t.Fatalf("small body: status = %d, body %s", rec.Code, rec.Body.String())
	}
	big := `{"workflow":{"1":{"text":"` + strings.Repeat("x", 512) + `"}}}`
	if rec := post(h, "/run", big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body: status = %d, want 413", rec.Code)
	}
}

func TestRouterRateLimitsSubmit(t *testing.T) {
	h := newTestRouter(Options{RateLimitPerMin: 2})
	for i := 0; i < 2; i++ {
		if rec := post(h, "/run", validRun); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := post(h, "/run", validRun)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// Reads are not rate limited.
	for i := 0; i < 5; i++ {
		r := httptest.NewRecorder()
		h.ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/stats", nil))
		if r.Code != http.StatusOK {
			t.Fatalf("stats request %d: status = %d", i, r.Code)
		}
	}
}
