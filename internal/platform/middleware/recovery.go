package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/platform/auth"
)

// PanicRecorder counts recovered panics per route. *metrics.Metrics
// implements it.
type PanicRecorder interface {
	Panicked(route string)
}

// Recovery turns a handler panic into a 500 carrying the request id, so the
// caller can quote it. The transaction the handler was running is rolled back
// by its own deferred cleanup. rec may be nil.
func Recovery(logger zerolog.Logger, rec PanicRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				stack := make([]byte, 4096)
				stack = stack[:runtime.Stack(stack, false)]
				rid, _ := c.Get("request_id").(string)
				route := c.Path()
				if route == "" {
					route = c.Request().URL.Path
				}

				logger.Error().
					Str("request_id", rid).
					Str("route", route).
					Str("actor", auth.UserIDFromContext(c.Request().Context())).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("panic recovered")
				if rec != nil {
					rec.Panicked(route)
				}

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"error":      "internal server error",
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
