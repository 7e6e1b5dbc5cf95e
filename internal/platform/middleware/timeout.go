package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. Handlers observe it
// through the engine; when the deadline passed and nothing has been written
// yet, the client gets a 504 OperationOutcome. Requests for which exempt
// returns true (streaming bulk operations) run without a deadline.
func RequestTimeout(timeout time.Duration, exempt func(*http.Request) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || (exempt != nil && exempt(c.Request())) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, "timeout", "request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
