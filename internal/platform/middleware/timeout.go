package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request with a context deadline. Paths under a
// longLived prefix (the WebSocket feed) run without one.
//
// A request that exceeds the deadline answers 504 with Retry-After: the
// engine rolled the transaction back, so repeating the call is safe.
func RequestTimeout(timeout time.Duration, longLived ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, prefix := range longLived {
				if strings.HasPrefix(c.Request().URL.Path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				rid, _ := c.Get("request_id").(string)
				c.Response().Header().Set("Retry-After", "1")
				return echo.NewHTTPError(http.StatusGatewayTimeout, map[string]any{
					"error":      "request exceeded " + timeout.String(),
					"request_id": rid,
					"retryable":  true,
				})
			}
		}
	}
}
