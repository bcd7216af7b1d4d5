package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/metrics"
)

func newTestClient(m *metrics.Metrics) *RegistryClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewRegistryClient(cfg, logger, m)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func newRequest(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestRegistryClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.ContentLength != int64(len(`{"status":"ok"}`)) {
		t.Errorf("ContentLength = %d", resp.ContentLength)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestRegistryClient_RetryCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(m)
	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if n := hits.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want final upstream status 503", resp.StatusCode)
	}
	if got := m.Pipeline.Snapshot().Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestRegistryClient_TransportErrorCeiling(t *testing.T) {
	m := metrics.New()
	c := newTestClient(m)

	_, err := c.Do(newRequest(t, context.Background(), "http://127.0.0.1:1/v2/"), RetryPolicy{Attempts: 3, Timeout: time.Second})
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want transport error, not timeout", err)
	}
	if got := m.Pipeline.Snapshot().Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestRegistryClient_TimeoutCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(m)
	_, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 3, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}

	s := m.Pipeline.Snapshot()
	if s.Timeouts != 3 {
		t.Errorf("timeouts = %d, want 3", s.Timeouts)
	}
	if s.Retries != 2 {
		t.Errorf("retries = %d, want 2", s.Retries)
	}
}

func TestRegistryClient_RecoversAfterFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestRegistryClient_NoRetryStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"not modified", http.StatusNotModified},
		{"created", http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(nil)
			resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 3, Timeout: time.Second})
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, tt.status)
			}
			if n := hits.Load(); n != 1 {
				t.Errorf("attempts = %d, want 1", n)
			}
		})
	}
}

func TestRegistryClient_ZeroAttemptsMeansOne(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 0, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestRegistryClient_StreamedBodyAttemptedOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v2/app/blobs/uploads/1", io.NopCloser(strings.NewReader("layer")))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	c := newTestClient(nil)
	resp, err := c.Do(req, RetryPolicy{Attempts: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestRegistryClient_ReplaysBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d body = %q, want payload", hits.Load()+1, body)
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	// strings.Reader bodies get a GetBody from NewRequest.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v2/app/blobs/uploads/", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	c := newTestClient(nil)
	resp, err := c.Do(req, RetryPolicy{Attempts: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
}

func TestRegistryClient_CanceledContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := newTestClient(nil)
	_, err := c.Do(newRequest(t, ctx, srv.URL+"/v2/"), RetryPolicy{Attempts: 3, Timeout: 5 * time.Second})
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want cancellation, not timeout", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1 (no retry after cancellation)", n)
	}
}

func TestRegistryClient_TimerStopsAtHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("slow body"))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/"), RetryPolicy{Attempts: 1, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v (body must outlive the attempt timer)", err)
	}
	if string(body) != "slow body" {
		t.Errorf("body = %q", body)
	}
}

func TestRegistryClient_FollowsRedirects(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("layer bytes"))
	}))
	defer cdn.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdn.URL+"/blob", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := newTestClient(nil)
	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/v2/app/blobs/sha256:x"), RetryPolicy{Attempts: 1, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200 after redirect", resp.StatusCode)
	}
}
