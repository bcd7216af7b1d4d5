package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"registry-proxy-go/internal/config"
)

// RateLimiter returns a per-client rate limiter keyed by the trusted client
// address, so clients behind the edge are limited individually rather than
// per edge node.
// Proxy endpoints under /proxy/ and /healthz are never limited.
func RateLimiter(cfg config.RateLimitConfig, trust *TrustedProxies, logger *slog.Logger) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/healthz" || strings.HasPrefix(p, "/proxy/")
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return trust.ClientIP(c), nil
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			logger.Warn("rate limit exceeded",
				"client_ip", identifier,
				"path", c.Request().URL.Path,
			)
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error":   "RATE_LIMITED",
				"message": "too many requests",
			})
		},
	})
}
