// Package middleware provides Echo middleware for logging, rate limiting,
// metrics and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors log at error level, client errors at warn.
func RequestLogger(logger *slog.Logger, trust *TrustedProxies) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let Echo write the error response so the logged status is final.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			switch {
			case res.Status >= 500:
				level = slog.LevelError
			case res.Status >= 400:
				level = slog.LevelWarn
			}

			attrs := []any{
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"method", req.Method,
				"url", req.URL.RequestURI(),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user_agent", req.UserAgent(),
				"client_ip", trust.ClientIP(c),
				"bytes_out", res.Size,
			}
			if id := ClientRequestID(c); id != "" {
				attrs = append(attrs, "client_request_id", id)
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return nil
		}
	}
}
