package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout sets a context deadline on each request. The handler runs on
// the request goroutine; when it gives up with context.DeadlineExceeded the
// client gets a 504. WebSocket upgrades on /ws are long-lived and skipped.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Skipper: isWebSocketPath,
		Timeout: timeout,
		ErrorHandler: func(err error, c echo.Context) error {
			if errors.Is(err, context.DeadlineExceeded) {
				return gatewayTimeout(c)
			}
			return err
		},
	})
}

func isWebSocketPath(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/ws" || strings.HasPrefix(path, "/ws/")
}

func gatewayTimeout(c echo.Context) error {
	// A partially written response cannot be replaced.
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, errorBody("timeout", "request processing exceeded the allowed time"))
}
