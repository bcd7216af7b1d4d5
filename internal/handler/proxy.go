package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/geo"
	"registry-proxy-go/internal/metrics"
	"registry-proxy-go/internal/middleware"
	"registry-proxy-go/internal/model"
	"registry-proxy-go/internal/service"
)

// signedParamPattern matches credential-bearing query values (pre-signed blob
// redirects, bearer tokens) in URLs embedded in error messages.
var signedParamPattern = regexp.MustCompile(`(?i)((?:signature|credential|token|sig)=)[^&\s"]+`)

// errorMessages are the client-facing messages for each failure kind.
var errorMessages = map[model.Kind]string{
	model.KindConfig:        "proxy configuration is invalid",
	model.KindAccessDenied:  "access denied",
	model.KindInvalidDigest: "invalid sha256 digest",
	model.KindTimeout:       "upstream request timed out",
	model.KindFetch:         "upstream request failed",
	model.KindUnknown:       "internal error",
}

// ProxyHandler forwards registry requests to the upstream backends.
type ProxyHandler struct {
	service *service.ProxyService
	geo     *geo.Resolver
	trust   *middleware.TrustedProxies
	metrics *metrics.Collector
	debug   bool
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(
	svc *service.ProxyService,
	resolver *geo.Resolver,
	trust *middleware.TrustedProxies,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *ProxyHandler {
	h := &ProxyHandler{
		service: svc,
		geo:     resolver,
		trust:   trust,
		debug:   cfg.Registry.Debug,
		logger:  logger.With("component", "proxy_handler"),
	}
	if m != nil {
		h.metrics = m.Pipeline
	} else {
		h.metrics = metrics.NewCollector()
	}
	return h
}

// Handle proxies the request to the routed backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// The id keys the in-flight set, so it must not come from the client.
	id := c.Response().Header().Get(echo.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
		c.Response().Header().Set(echo.HeaderXRequestID, id)
	}

	ip := h.trust.ClientIP(c)
	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		Query:         req.URL.Query(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientIP:      ip,
		UserAgent:     req.UserAgent(),
		Region:        h.geo.Region(ip, h.trust.EdgeHeader(req)),
		RC: model.RequestContext{
			RequestID:      id,
			OriginHostname: req.Host,
			StartTime:      time.Now(),
		},
	}

	h.metrics.RecordRequestStart(id)
	defer h.metrics.RecordRequestEnd(id)

	resp, err := h.forward(pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"request_id", id,
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}
	return nil
}

// forward runs the pipeline, turning a panic into an UNKNOWN_ERROR.
func (h *ProxyHandler) forward(pr *model.ProxyRequest) (resp *model.ProxyResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = model.NewError(model.KindUnknown, model.StageError, fmt.Errorf("panic: %v", r))
		}
	}()
	return h.service.Forward(pr)
}

// mapError writes the response for a failed request and logs the error record.
func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	var pe *model.ProxyError
	if !errors.As(err, &pe) {
		pe = model.NewError(model.KindUnknown, model.StageError, err)
	}
	status := pe.Kind.Status()

	if pe.Kind == model.KindAccessDenied {
		h.metrics.RecordDenied()
		if pe.RedirectURL != "" {
			status = http.StatusFound
		}
	} else {
		h.metrics.RecordError()
	}

	level := slog.LevelError
	if pe.Kind == model.KindAccessDenied || pe.Kind == model.KindInvalidDigest {
		level = slog.LevelWarn
	}
	h.logger.Log(pr.Ctx, level, "proxy error",
		"request_id", pr.RC.RequestID,
		"client_request_id", middleware.ClientRequestID(c),
		"message", sanitizeError(err),
		"type", pe.Kind,
		"status_code", status,
		"client_ip", pr.ClientIP,
		"user_agent", pr.UserAgent,
		"url", c.Request().URL.String(),
	)

	if status == http.StatusFound {
		return c.Redirect(status, pe.RedirectURL)
	}

	body := map[string]string{
		"error":   string(pe.Kind),
		"message": errorMessages[pe.Kind],
	}
	if pe.Reason != "" {
		body["reason"] = pe.Reason
	}
	if h.debug {
		body["detail"] = sanitizeError(err)
	}
	if pe.Kind == model.KindTimeout {
		c.Response().Header().Set("Retry-After", retryAfter(pe.RetryAfter))
	}
	return c.JSON(status, body)
}

// retryAfter renders d as whole seconds, at least 1.
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// sanitizeError redacts signed URL parameters and tokens from error messages.
func sanitizeError(err error) string {
	return signedParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
