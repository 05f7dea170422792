package shield_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/shield"
)

func newRouter(rl *shield.RateLimiter) *chi.Mux {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}
	r.Get("/v1/jobs/{jobID}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(kit.GetTraceID(r.Context())))
	})
	r.Post("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil && err != io.EOF {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	return r
}

func TestAPIStack_SecurityHeaders(t *testing.T) {
	// WHAT: responses carry the API security headers and a trace id.
	// WHY: the status endpoint is polled by browsers; it must never be framed or sniffed.
	r := newRouter(nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/jobs/job_1", nil))

	checks := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
	}
	for header, expected := range checks {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s: got %q, want %q", header, got, expected)
		}
	}
	traceID := w.Header().Get("X-Trace-ID")
	if len(traceID) != 16 {
		t.Errorf("X-Trace-ID: got %q (len %d), want 16 hex chars", traceID, len(traceID))
	}
	if w.Body.String() != traceID {
		t.Errorf("context trace id %q != header %q", w.Body.String(), traceID)
	}
}

func TestTraceID_ReusesIncoming(t *testing.T) {
	r := newRouter(nil)

	req := httptest.NewRequest("GET", "/v1/jobs/job_1", nil)
	req.Header.Set("X-Trace-ID", "0123456789abcdef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Trace-ID"); got != "0123456789abcdef" {
		t.Fatalf("X-Trace-ID = %q, want incoming id", got)
	}

	req = httptest.NewRequest("GET", "/v1/jobs/job_1", nil)
	req.Header.Set("X-Trace-ID", "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Trace-ID"); got == "<script>" {
		t.Fatal("invalid incoming trace id was echoed")
	}
}

func TestMaxBody(t *testing.T) {
	h := shield.MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, err := r.Body.Read(buf)
		for err == nil {
			_, err = r.Body.Read(buf)
		}
		if err != io.EOF {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 32))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: got %d, want 413", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("small")))
	if w.Code != http.StatusOK {
		t.Fatalf("small body: got %d, want 200", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	// WHAT: the matching rule blocks after MaxRequests per IP; other routes pass.
	// WHY: job creation is the expensive entry point and must be bounded per client.
	rl := shield.NewRateLimiter([]shield.Rule{
		{Method: "POST", Prefix: "/v1/jobs", MaxRequests: 2, Window: time.Minute},
	})
	r := newRouter(rl)

	post := func(ip string) int {
		req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader("{}"))
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if c := post("1.2.3.4"); c != http.StatusCreated {
		t.Fatalf("request 1: got %d", c)
	}
	if c := post("1.2.3.4"); c != http.StatusCreated {
		t.Fatalf("request 2: got %d", c)
	}
	if c := post("1.2.3.4"); c != http.StatusTooManyRequests {
		t.Fatalf("request 3: got %d, want 429", c)
	}
	if c := post("5.6.7.8"); c != http.StatusCreated {
		t.Fatalf("other ip: got %d", c)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/jobs/job_1", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET not covered by rule: got %d", w.Code)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	if got := shield.ExtractIP(req); got != "9.9.9.9" {
		t.Fatalf("ExtractIP = %q, want 9.9.9.9", got)
	}
}
