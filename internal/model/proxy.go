// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RequestContext identifies one inbound request for the lifetime of the pipeline.
type RequestContext struct {
	RequestID      string
	OriginHostname string
	StartTime      time.Time
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser

	// RawQuery is the client's query string, forwarded without re-encoding.
	// When empty, Query is encoded instead.
	RawQuery string

	// ContentLength is the inbound body length, or -1 when unknown.
	ContentLength int64

	// Client attributes used by access control. Missing values are empty.
	ClientIP  string
	UserAgent string
	Region    string

	RC RequestContext
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// ContentLength is the upstream body length, or -1 when unknown.
	ContentLength int64
}
