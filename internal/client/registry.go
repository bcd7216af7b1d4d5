// Package client provides the upstream HTTP client for registry backends.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/metrics"
	"registry-proxy-go/internal/model"
)

// ErrTimeout is returned when the final attempt exceeded the per-attempt timeout.
var ErrTimeout = errors.New("upstream request timed out")

// drainLimit caps how much of a discarded response body is read so the
// connection can be reused.
const drainLimit = 64 << 10

// RetryPolicy bounds one upstream call.
type RetryPolicy struct {
	Attempts int           // total attempts; values below 1 mean 1
	Timeout  time.Duration // per attempt, until response headers arrive
}

type outcome string

const (
	outcomeSuccess   outcome = "success"
	outcomeTimeout   outcome = "timeout"
	outcomeTransport outcome = "transport_error"
)

// attempt describes one try inside Do. It is only logged.
type attempt struct {
	number    int
	startedAt time.Time
	outcome   outcome
	latency   time.Duration
}

// RegistryClient sends requests to registry backends with per-attempt
// timeouts and retry.
type RegistryClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff
}

// NewRegistryClient creates a RegistryClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewRegistryClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RegistryClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &RegistryClient{
		// No client-level timeout: attempts are bounded by RetryPolicy and a
		// blob body may legitimately stream for much longer.
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "registry_client"),
		metrics:    m,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Do executes req under policy p and returns the upstream response. Redirects
// are followed. Timeouts, transport errors and statuses of 400 and above
// other than 401 are retried while attempts remain; the last attempt's
// response is returned whatever its status. A request whose body cannot be
// replayed is attempted once. When the final attempt timed out the error
// wraps ErrTimeout.
//
// The caller is responsible for closing the response body.
func (c *RegistryClient) Do(req *http.Request, p RetryPolicy) (*model.ProxyResponse, error) {
	attempts := max(p.Attempts, 1)
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attempts = 1
	}

	ctx := req.Context()
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(attempts-1)), ctx)

	var (
		resp     *model.ProxyResponse
		n        int
		timedOut bool
	)
	op := func() error {
		n++
		if n > 1 && c.metrics != nil {
			c.metrics.Pipeline.RecordRetry()
		}

		r, err := c.try(req, n, p.Timeout)
		timedOut = errors.Is(err, ErrTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		if n < attempts && retryable(r.StatusCode) {
			discard(r.Body)
			return fmt.Errorf("upstream status %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying upstream request",
			"path", req.URL.Path,
			"attempt", n,
			"err", err,
			"backoff_ms", wait.Milliseconds(),
		)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if timedOut {
			return nil, fmt.Errorf("%w after %d attempt(s)", ErrTimeout, n)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}

// try performs a single attempt. The attempt context is cancelled by a timer
// that stops once headers arrive; after that it lives until the body is closed.
func (c *RegistryClient) try(req *http.Request, n int, timeout time.Duration) (*model.ProxyResponse, error) {
	a := attempt{number: n, startedAt: time.Now()}

	ctx, cancel := context.WithCancel(req.Context())
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}

	out := req.Clone(ctx)
	if n > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}

	resp, err := c.httpClient.Do(out) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	// A timer that can no longer be stopped has cancelled, or is about to
	// cancel, the attempt context.
	expired := timer != nil && !timer.Stop()
	a.latency = time.Since(a.startedAt)

	switch {
	case expired:
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		a.outcome = outcomeTimeout
		c.record(req.Method, a, 0)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case err != nil:
		cancel()
		a.outcome = outcomeTransport
		c.record(req.Method, a, 0)
		return nil, err
	}

	a.outcome = outcomeSuccess
	c.record(req.Method, a, resp.StatusCode)

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		ContentLength: resp.ContentLength,
	}, nil
}

func (c *RegistryClient) record(method string, a attempt, status int) {
	c.logger.Debug("upstream attempt",
		"method", method,
		"attempt", a.number,
		"outcome", a.outcome,
		"status", status,
		"latency_ms", a.latency.Milliseconds(),
	)

	if c.metrics == nil {
		return
	}
	m := metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(m).Observe(a.latency.Seconds())
	c.metrics.UpstreamAttempts.WithLabelValues(string(a.outcome)).Inc()
	switch a.outcome {
	case outcomeSuccess:
		c.metrics.UpstreamResponses.WithLabelValues(m, strconv.Itoa(status)).Inc()
	case outcomeTimeout:
		c.metrics.Pipeline.RecordTimeout()
	}
}

// retryable reports whether a response status should be retried. 401 is a
// normal auth challenge.
func retryable(status int) bool {
	return status >= http.StatusBadRequest && status != http.StatusUnauthorized
}

func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}

// cancelOnClose releases the attempt context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
