package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector counts pipeline outcomes for the life of the process. Counters
// are independent atomics; a Snapshot is not a consistent cut across them.
type Collector struct {
	requests         atomic.Int64
	errors           atomic.Int64
	timeouts         atomic.Int64
	retries          atomic.Int64
	denied           atomic.Int64
	bytesTransferred atomic.Int64

	inFlight sync.Map // request id -> start time.Time
}

// Snapshot is a point-in-time view of the pipeline counters. Rates are
// fractions of Requests and are 0 when no request has been seen.
type Snapshot struct {
	Requests         int64     `json:"requests"`
	Errors           int64     `json:"errors"`
	Timeouts         int64     `json:"timeouts"`
	Retries          int64     `json:"retries"`
	Denied           int64     `json:"denied"`
	BytesTransferred int64     `json:"bytesTransferred"`
	InFlight         int       `json:"inFlight"`
	ErrorRate        float64   `json:"errorRate"`
	TimeoutRate      float64   `json:"timeoutRate"`
	RetryRate        float64   `json:"retryRate"`
	DeniedRate       float64   `json:"deniedRate"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewCollector creates a zeroed Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequestStart counts a request and remembers when it started.
func (c *Collector) RecordRequestStart(id string) {
	c.requests.Add(1)
	c.inFlight.Store(id, time.Now())
}

// RecordRequestEnd forgets the request and returns how long it ran, or 0 if
// id was never started.
func (c *Collector) RecordRequestEnd(id string) time.Duration {
	v, ok := c.inFlight.LoadAndDelete(id)
	if !ok {
		return 0
	}
	return time.Since(v.(time.Time))
}

// RecordError counts a request that ended in an error response.
func (c *Collector) RecordError() { c.errors.Add(1) }

// RecordTimeout counts an upstream attempt that hit the timeout.
func (c *Collector) RecordTimeout() { c.timeouts.Add(1) }

// RecordRetry counts an upstream attempt after the first.
func (c *Collector) RecordRetry() { c.retries.Add(1) }

// RecordDenied counts a request rejected by access rules.
func (c *Collector) RecordDenied() { c.denied.Add(1) }

// AddBytes accumulates a response Content-Length. Negative values (unknown
// length) are ignored.
func (c *Collector) AddBytes(n int64) {
	if n > 0 {
		c.bytesTransferred.Add(n)
	}
}

// InFlight returns the number of requests started but not yet ended.
func (c *Collector) InFlight() int {
	n := 0
	c.inFlight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns the current counters and derived rates.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Requests:         c.requests.Load(),
		Errors:           c.errors.Load(),
		Timeouts:         c.timeouts.Load(),
		Retries:          c.retries.Load(),
		Denied:           c.denied.Load(),
		BytesTransferred: c.bytesTransferred.Load(),
		InFlight:         c.InFlight(),
		Timestamp:        time.Now().UTC(),
	}
	s.ErrorRate = rate(s.Errors, s.Requests)
	s.TimeoutRate = rate(s.Timeouts, s.Requests)
	s.RetryRate = rate(s.Retries, s.Requests)
	s.DeniedRate = rate(s.Denied, s.Requests)
	return s
}

func rate(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// Register exports the counters to reg as counter funcs.
func (c *Collector) Register(reg prometheus.Registerer) {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(v.Load()) })
	}

	reg.MustRegister(
		counter("registry_proxy_requests_total", "Requests entering the proxy pipeline.", &c.requests),
		counter("registry_proxy_errors_total", "Requests that ended in an error response.", &c.errors),
		counter("registry_proxy_upstream_timeouts_total", "Upstream attempts cut off by the request timeout.", &c.timeouts),
		counter("registry_proxy_upstream_retries_total", "Upstream attempts beyond the first.", &c.retries),
		counter("registry_proxy_access_denied_total", "Requests denied by access rules.", &c.denied),
		counter("registry_proxy_upstream_bytes_total", "Upstream response bytes by Content-Length.", &c.bytesTransferred),
	)
}
