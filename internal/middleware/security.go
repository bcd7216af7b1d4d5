package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// every response and drops the Proxy-Authorization credential meant for the
// edge. Other hop-by-hop headers are left to the pipeline, which also strips
// the headers a Connection header names.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Request().Header.Del("Proxy-Authorization")

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "DENY")
				if h.Get("Content-Security-Policy") == "" {
					h.Set("Content-Security-Policy", "default-src 'none'")
				}
			})

			return next(c)
		}
	}
}
