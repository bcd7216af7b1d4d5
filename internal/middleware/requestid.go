package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// ClientRequestIDKey is the context key holding the X-Request-ID the client
// sent, if any.
const ClientRequestIDKey = "client_request_id"

// RequestID assigns every request a fresh id in the X-Request-ID response
// header. An inbound X-Request-ID is never reused; it is kept under
// ClientRequestIDKey for logging and is not forwarded upstream.
func RequestID() echo.MiddlewareFunc {
	assign := echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := assign(next)
		return func(c echo.Context) error {
			req := c.Request()
			if v := req.Header.Get(echo.HeaderXRequestID); v != "" {
				c.Set(ClientRequestIDKey, v)
				req.Header.Del(echo.HeaderXRequestID)
			}
			return h(c)
		}
	}
}

// ClientRequestID returns the id the client supplied, or "".
func ClientRequestID(c echo.Context) string {
	v, _ := c.Get(ClientRequestIDKey).(string)
	return v
}
