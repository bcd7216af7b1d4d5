// Package metrics provides Prometheus metrics and pipeline counters for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Blob pulls run long, so the
// upper buckets reach further than an API proxy would need.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds the Prometheus collectors for the registry proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Inbound registry API traffic, labelled by Endpoint.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Traffic to the registry, auth and index backends.
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamAttempts  *prometheus.CounterVec
	RouteDecisions    *prometheus.CounterVec

	// Pipeline holds the process-wide counters behind /proxy/metrics. They
	// are exported to the registry as counter funcs.
	Pipeline *Collector
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	inbound := []string{"method", "status_code", "endpoint"}
	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_http_requests_total",
			Help: "Registry API requests served, by method, status and endpoint (manifests, blobs, uploads, tags).",
		}, inbound),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_proxy_http_request_duration_seconds",
			Help:    "Time to serve a registry API request including the streamed body, by method, status and endpoint.",
			Buckets: defaultBuckets,
		}, inbound),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_proxy_http_requests_in_flight",
			Help: "Registry API requests currently being served, including open blob streams.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_proxy_upstream_request_duration_seconds",
			Help:    "Backend attempt latency until response headers arrive, by method.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_upstream_responses_total",
			Help: "Responses received from the registry, auth and index backends, by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_upstream_attempts_total",
			Help: "Backend attempts by outcome: success, timeout or transport_error.",
		}, []string{"outcome"}),

		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_proxy_route_decisions_total",
			Help: "Requests routed to a backend, by rule: default, token_endpoint, search_endpoint or catalog_endpoint.",
		}, []string{"reason"}),

		Pipeline: NewCollector(),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamAttempts,
		m.RouteDecisions,
	)
	m.Pipeline.Register(reg)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Endpoint labels.
const (
	EndpointBase      = "/v2"
	EndpointCatalog   = "/v2/_catalog"
	EndpointManifests = "/v2/*/manifests"
	EndpointBlobs     = "/v2/*/blobs"
	EndpointUploads   = "/v2/*/blobs/uploads"
	EndpointTags      = "/v2/*/tags"
	EndpointReferrers = "/v2/*/referrers"
	EndpointOther     = "other"
)

// fixedEndpoints are matched as a path or a path prefix outside /v2.
var fixedEndpoints = []string{"/v1", "/token", "/healthz", "/proxy/status", "/proxy/metrics", "/metrics"}

// Endpoint maps a request path to a bounded label. Repository names and
// references are collapsed so /v2/library/alpine/manifests/latest and
// /v2/team/app/manifests/sha256:... share a series.
func Endpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "/v2" || strings.HasPrefix(path, "/v2/") {
		return v2Endpoint(strings.TrimPrefix(path, "/v2"))
	}
	for _, p := range fixedEndpoints {
		if path == p || strings.HasPrefix(path, p+"/") {
			return p
		}
	}
	return EndpointOther
}

// v2Endpoint classifies the part of a distribution API path after /v2.
// The action is read from the end because repository names may hold any
// number of segments.
func v2Endpoint(rest string) string {
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return EndpointBase
	}
	if rest == "_catalog" {
		return EndpointCatalog
	}

	segs := strings.Split(rest, "/")
	n := len(segs)
	switch {
	case n >= 3 && segs[n-2] == "blobs" && segs[n-1] == "uploads",
		n >= 4 && segs[n-3] == "blobs" && segs[n-2] == "uploads":
		return EndpointUploads
	case n >= 3 && segs[n-2] == "blobs":
		return EndpointBlobs
	case n >= 3 && segs[n-2] == "manifests":
		return EndpointManifests
	case n >= 3 && segs[n-2] == "tags" && segs[n-1] == "list":
		return EndpointTags
	case n >= 3 && segs[n-2] == "referrers":
		return EndpointReferrers
	}
	return EndpointBase
}
