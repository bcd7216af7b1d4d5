package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"registry-proxy-go/internal/client"
	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/geo"
	"registry-proxy-go/internal/metrics"
	"registry-proxy-go/internal/middleware"
	"registry-proxy-go/internal/model"
	"registry-proxy-go/internal/regexcache"
	"registry-proxy-go/internal/route"
	"registry-proxy-go/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig trusts 192.0.2.1, the peer address of httptest requests, as the edge.
func testConfig(upstream *httptest.Server) *config.Config {
	retries := 1
	return &config.Config{
		Registry: config.RegistryConfig{
			Hostname: strings.TrimPrefix(upstream.URL, "http://"),
			Protocol: "http",
		},
		Upstream: config.UpstreamConfig{TimeoutMS: 2000, MaxRetries: &retries, IdleConnections: 10},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Server:   config.ServerConfig{TrustedProxies: []string{"192.0.2.1"}},
	}
}

func newTestHandler(t *testing.T, cfg *config.Config) (*ProxyHandler, *metrics.Metrics) {
	t.Helper()
	logger := discardLogger()
	m := metrics.New()
	c := client.NewRegistryClient(cfg, logger, m)
	r := route.NewRouter(route.NewMirrorSelector(logger), logger)
	svc, err := service.NewProxyService(c, r, regexcache.New(), cfg, m, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	resolver, err := geo.NewResolver(cfg, logger)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	trust, err := middleware.NewTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		t.Fatalf("NewTrustedProxies: %v", err)
	}
	return NewProxyHandler(svc, resolver, trust, m, cfg, logger), m
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestProxyHandler_Handle_RewritesBody(t *testing.T) {
	var upstreamHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "http://"+upstreamHost+"/v2/library/alpine/tags/list?last=3")
		_, _ = w.Write([]byte(`{"name":"library/alpine","next":"http://` + upstreamHost + `/v2/library/alpine/tags/list?last=3"}`))
	}))
	defer upstream.Close()
	upstreamHost = strings.TrimPrefix(upstream.URL, "http://")

	h, m := newTestHandler(t, testConfig(upstream))

	req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/library/alpine/tags/list", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := `{"name":"library/alpine","next":"http://myproxy.example/v2/library/alpine/tags/list?last=3"}`
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got := rec.Header().Get("Location"); got != "http://myproxy.example/v2/library/alpine/tags/list?last=3" {
		t.Errorf("Location = %q", got)
	}

	s := m.Pipeline.Snapshot()
	if s.Requests != 1 || s.Errors != 0 || s.InFlight != 0 {
		t.Errorf("snapshot = %+v, want 1 request, 0 errors, 0 in flight", s)
	}
}

func TestProxyHandler_Handle_AccessDenied(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	tests := []struct {
		name       string
		access     config.AccessConfig
		redirect   string
		header     map[string]string
		wantStatus int
		wantReason string
	}{
		{
			name:       "edge client ip blacklisted",
			access:     config.AccessConfig{IPBlacklistRegex: `^10\.`},
			header:     map[string]string{middleware.HeaderConnectingIP: "10.0.0.5"},
			wantStatus: http.StatusForbidden,
			wantReason: "ip_blacklisted",
		},
		{
			name:       "region blacklisted",
			access:     config.AccessConfig{RegionBlacklistRegex: `^(DE|FR)$`},
			header:     map[string]string{geo.HeaderCountry: "DE"},
			wantStatus: http.StatusForbidden,
			wantReason: "region_blacklisted",
		},
		{
			name:       "user agent not whitelisted",
			access:     config.AccessConfig{UAWhitelistRegex: `^docker/`},
			header:     map[string]string{"User-Agent": "curl/8.0"},
			wantStatus: http.StatusForbidden,
			wantReason: "ua_not_whitelisted",
		},
		{
			name:       "path mismatch",
			access:     config.AccessConfig{PathnameRegex: `^/v2/library/`},
			wantStatus: http.StatusForbidden,
			wantReason: "pathname_mismatch",
		},
		{
			name:       "redirect configured",
			access:     config.AccessConfig{IPBlacklistRegex: `^10\.`},
			redirect:   "https://example.com/blocked",
			header:     map[string]string{middleware.HeaderConnectingIP: "10.0.0.5"},
			wantStatus: http.StatusFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(upstream)
			cfg.Access = tt.access
			cfg.Registry.RedirectURL = tt.redirect
			h, m := newTestHandler(t, cfg)

			req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/team/app/manifests/latest", http.NoBody)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := serve(t, h, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusFound {
				if got := rec.Header().Get("Location"); got != tt.redirect {
					t.Errorf("Location = %q, want %q", got, tt.redirect)
				}
			} else {
				body := decodeBody(t, rec)
				if body["error"] != "ACCESS_DENIED" {
					t.Errorf("error = %q, want ACCESS_DENIED", body["error"])
				}
				if body["reason"] != tt.wantReason {
					t.Errorf("reason = %q, want %q", body["reason"], tt.wantReason)
				}
			}

			s := m.Pipeline.Snapshot()
			if s.Denied != 1 || s.Errors != 0 {
				t.Errorf("denied/errors = %d/%d, want 1/0", s.Denied, s.Errors)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream contacted %d times, want 0", n)
	}
}

func TestProxyHandler_Handle_IgnoresSpoofedClientHeaders(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	tests := []struct {
		name       string
		access     config.AccessConfig
		header     string
		value      string
		wantReason string
	}{
		{"edge client ip", config.AccessConfig{IPBlacklistRegex: `^10\.`}, middleware.HeaderConnectingIP, "203.0.113.9", "ip_blacklisted"},
		{"forwarded for", config.AccessConfig{IPBlacklistRegex: `^10\.`}, echo.HeaderXForwardedFor, "203.0.113.9", "ip_blacklisted"},
		{"real ip", config.AccessConfig{IPBlacklistRegex: `^10\.`}, echo.HeaderXRealIP, "203.0.113.9", "ip_blacklisted"},
		{"edge country", config.AccessConfig{RegionWhitelistRegex: `^US$`}, geo.HeaderCountry, "US", "region_not_whitelisted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits.Store(0)
			cfg := testConfig(upstream)
			cfg.Server.TrustedProxies = nil
			cfg.Access = tt.access
			h, _ := newTestHandler(t, cfg)

			req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/team/app/manifests/latest", http.NoBody)
			req.RemoteAddr = "10.0.0.5:1234"
			req.Header.Set(tt.header, tt.value)
			rec := serve(t, h, req)

			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if body := decodeBody(t, rec); body["reason"] != tt.wantReason {
				t.Errorf("reason = %q, want %q", body["reason"], tt.wantReason)
			}
			if n := hits.Load(); n != 0 {
				t.Errorf("upstream contacted %d times, want 0", n)
			}
		})
	}
}

func TestProxyHandler_Handle_DuplicateClientRequestID(t *testing.T) {
	var arrived atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		arrived.Add(1)
		<-release
	}))
	defer upstream.Close()

	h, m := newTestHandler(t, testConfig(upstream))

	e := echo.New()
	e.Use(middleware.RequestID())
	e.Any("/*", h.Handle)

	ids := make(chan string, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/", http.NoBody)
			req.Header.Set(echo.HeaderXRequestID, "same-id")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			ids <- rec.Header().Get(echo.HeaderXRequestID)
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for arrived.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Pipeline.InFlight(); got != 2 {
		t.Errorf("in flight = %d, want 2", got)
	}
	close(release)
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if id == "" || id == "same-id" {
			t.Errorf("X-Request-ID = %q, want a generated id", id)
		}
		seen[id] = true
	}
	if len(seen) != 2 {
		t.Errorf("request ids = %v, want two distinct ids", seen)
	}
	if got := m.Pipeline.InFlight(); got != 0 {
		t.Errorf("in flight after completion = %d, want 0", got)
	}
}

func TestProxyHandler_Handle_ForwardsRawQuery(t *testing.T) {
	got := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.RawQuery
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, testConfig(upstream))

	const raw = "scope=repository:library/alpine:pull&service=registry.docker.io&flag"
	req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/library/alpine/tags/list?"+raw, http.NoBody)
	serve(t, h, req)

	if q := <-got; q != raw {
		t.Errorf("upstream query = %q, want %q", q, raw)
	}
}

func TestProxyHandler_Handle_InvalidDigest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream should not be contacted")
	}))
	defer upstream.Close()

	h, m := newTestHandler(t, testConfig(upstream))

	req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/library/alpine/blobs/sha256:XYZ", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "INVALID_SHA256" {
		t.Errorf("error = %q, want INVALID_SHA256", body["error"])
	}
	if _, ok := decodeBody(t, rec)["detail"]; ok {
		t.Error("detail should be omitted outside debug mode")
	}
	if got := m.Pipeline.Snapshot().Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestProxyHandler_Handle_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	cfg := testConfig(upstream)
	cfg.Upstream.TimeoutMS = 50
	h, m := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if body := decodeBody(t, rec); body["error"] != "REQUEST_TIMEOUT" {
		t.Errorf("error = %q, want REQUEST_TIMEOUT", body["error"])
	}
	s := m.Pipeline.Snapshot()
	if s.Timeouts != 1 || s.Errors != 1 {
		t.Errorf("timeouts/errors = %d/%d, want 1/1", s.Timeouts, s.Errors)
	}
}

func TestProxyHandler_Handle_FetchExceptionDebug(t *testing.T) {
	retries := 1
	cfg := &config.Config{
		Registry: config.RegistryConfig{Hostname: "127.0.0.1:1", Protocol: "http", Debug: true},
		Upstream: config.UpstreamConfig{TimeoutMS: 2000, MaxRetries: &retries, IdleConnections: 10},
	}
	h, _ := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "FETCH_EXCEPTION" {
		t.Errorf("error = %q, want FETCH_EXCEPTION", body["error"])
	}
	if body["detail"] == "" {
		t.Error("detail should be present in debug mode")
	}
}

func TestProxyHandler_Handle_RecoversPanic(t *testing.T) {
	h := NewProxyHandler(nil, nil, nil, nil, &config.Config{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "http://myproxy.example/v2/", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "UNKNOWN_ERROR" {
		t.Errorf("error = %q, want UNKNOWN_ERROR", body["error"])
	}
}

func TestProxyHandler_mapError_PlainError(t *testing.T) {
	h := NewProxyHandler(nil, nil, nil, nil, &config.Config{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/v2/", http.NoBody)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	pr := &model.ProxyRequest{Ctx: req.Context(), RC: model.RequestContext{RequestID: "req-1"}}
	if err := h.mapError(c, pr, errors.New("boom")); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "UNKNOWN_ERROR" {
		t.Errorf("error = %q, want UNKNOWN_ERROR", body["error"])
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "1"},
		{50 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{30 * time.Second, "30"},
	}

	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			if got := retryAfter(tt.d); got != tt.want {
				t.Errorf("retryAfter(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts signed blob url",
			err:  `Get "https://cdn.example/blob?X-Amz-Credential=AKIA&X-Amz-Signature=abc123": EOF`,
			want: `Get "https://cdn.example/blob?X-Amz-Credential=[REDACTED]&X-Amz-Signature=[REDACTED]": EOF`,
		},
		{
			name: "redacts token",
			err:  `Get "https://auth.example/token?access_token=secret": connection refused`,
			want: `Get "https://auth.example/token?access_token=[REDACTED]": connection refused`,
		},
		{
			name: "no credentials unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeError(fmt.Errorf("%s", tt.err)); got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
