// Package service implements the core proxy pipeline: configuration, routing,
// access control, upstream forwarding and response rewriting.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"registry-proxy-go/internal/access"
	"registry-proxy-go/internal/client"
	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/metrics"
	"registry-proxy-go/internal/model"
	"registry-proxy-go/internal/regexcache"
	"registry-proxy-go/internal/route"
)

// ProxyService runs one request through the pipeline.
type ProxyService struct {
	client  *client.RegistryClient
	router  *route.Router
	cache   *regexcache.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
	bag     config.Bag
}

// NewProxyService creates a ProxyService. The configuration bag is checked
// once here so a broken deployment fails at startup.
func NewProxyService(
	c *client.RegistryClient,
	router *route.Router,
	cache *regexcache.Cache,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*ProxyService, error) {
	bag := cfg.Bag()
	if _, err := config.Resolve(bag, cache); err != nil {
		return nil, fmt.Errorf("resolve proxy config: %w", err)
	}

	return &ProxyService{
		client:  c,
		router:  router,
		cache:   cache,
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
		bag:     bag,
	}, nil
}

// Forward sends a ProxyRequest through the pipeline and returns the rewritten
// upstream response. Every failure is a *model.ProxyError.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	cfg, err := config.Resolve(s.bag, s.cache)
	if err != nil {
		return nil, model.NewError(model.KindConfig, model.StageStart, err)
	}

	d := s.router.Route(pr.Ctx, pr.Path, cfg)
	if s.metrics != nil {
		s.metrics.RouteDecisions.WithLabelValues(string(d.Reason)).Inc()
	}

	decision := access.Evaluate(access.Subject{
		Path:      pr.Path,
		UserAgent: pr.UserAgent,
		ClientIP:  pr.ClientIP,
		Region:    pr.Region,
	}, cfg)
	if !decision.Allowed {
		if cfg.Debug {
			s.logger.Info("access denied",
				"request_id", pr.RC.RequestID,
				"reason", decision.Reason,
				"path", pr.Path,
				"client_ip", pr.ClientIP,
				"region", pr.Region,
			)
		}
		return nil, &model.ProxyError{
			Kind:        model.KindAccessDenied,
			Stage:       model.StageRouted,
			Reason:      string(decision.Reason),
			RedirectURL: cfg.RedirectURL,
		}
	}

	req, err := s.buildUpstreamRequest(pr, d)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req, client.RetryPolicy{Attempts: cfg.MaxRetries, Timeout: cfg.Timeout})
	if err != nil {
		if errors.Is(err, client.ErrTimeout) {
			pe := model.NewError(model.KindTimeout, model.StageAccessChecked, err)
			pe.RetryAfter = cfg.Timeout
			return nil, pe
		}
		return nil, model.NewError(model.KindFetch, model.StageAccessChecked, err)
	}

	if s.metrics != nil {
		s.metrics.Pipeline.AddBytes(resp.ContentLength)
	}

	s.rewriteResponse(pr, resp, d, cfg)

	s.logger.Debug("forwarded request",
		"request_id", pr.RC.RequestID,
		"method", pr.Method,
		"path", pr.Path,
		"backend", d.Host,
		"route", d.Reason,
		"status", resp.StatusCode,
	)
	return resp, nil
}
