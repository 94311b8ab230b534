package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"quic-proxy-go/internal/metrics"
)

// unmatchedRoute labels requests that hit no registered route.
const unmatchedRoute = "unmatched"

// MetricsMiddleware returns an Echo middleware that counts admin requests by
// method, status and route pattern.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			// A returned *echo.HTTPError is written later by the central error
			// handler, so the response does not carry its status yet.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			// The route pattern, not the raw path, keeps label cardinality bounded.
			route := c.Path()
			if route == "" || statusCode == http.StatusNotFound {
				route = unmatchedRoute
			}

			m.AdminRequests.WithLabelValues(
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusCode),
				route,
			).Inc()

			return err
		}
	}
}
