package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/observability/metrics"
)

// NewMetrics records request counts and latency by matched route. Requests
// that match no route are reported under "unmatched".
func NewMetrics(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			m.InFlight(1)
			defer m.InFlight(-1)

			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = 500
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RecordRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
