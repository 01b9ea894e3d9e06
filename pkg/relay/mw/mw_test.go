package mw

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
)

func TestRecover_PanicReturnsJSON(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	h = RequestID(h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/channels", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env struct {
		Error ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != "api_error" {
		t.Fatalf("type=%q", env.Error.Type)
	}
	if env.Error.RequestID == "" || env.Error.RequestID != rr.Header().Get("X-Request-ID") {
		t.Fatalf("request id mismatch: body=%q header=%q", env.Error.RequestID, rr.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_KeepsIncomingHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if seen != "req_abc" || rr.Header().Get("X-Request-ID") != "req_abc" {
		t.Fatalf("seen=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}
}

func TestAccessLog_LogsAndCountsKnownRoutes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := metrics.New("")

	h := AccessLog(logger, m, []string{"/channels"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/channels", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/123", nil))

	if !strings.Contains(buf.String(), "status=418") {
		t.Fatalf("expected status in log, got %q", buf.String())
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/channels", "418")); got != 1 {
		t.Fatalf("requests{/channels,418}=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("other", "418")); got != 1 {
		t.Fatalf("requests{other,418}=%v, want 1", got)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatalf("expected hijack error for recorder")
	}
}

func TestCORS_AllowlistedOrigin(t *testing.T) {
	allowed := map[string]struct{}{"http://localhost:3000": {}}
	h := CORS(allowed, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/channels", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("preflight status=%d, want 403", rr.Code)
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := map[string]struct{}{"https://app.example": {}}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !OriginAllowed(allowed, req) {
		t.Fatalf("origin-less request should be allowed")
	}
	req.Header.Set("Origin", "https://app.example")
	if !OriginAllowed(allowed, req) {
		t.Fatalf("listed origin should be allowed")
	}
	req.Header.Set("Origin", "https://other.example")
	if OriginAllowed(allowed, req) {
		t.Fatalf("unlisted origin should be rejected")
	}
	if OriginAllowed(nil, req) {
		t.Fatalf("empty allow-list rejects browser origins")
	}
}
