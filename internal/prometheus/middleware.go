package prometheus

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsMiddleware counts requests by route and status class and observes
// their duration by route.
func MetricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		path := pathLabel(ctx.Path())
		timer := prometheus.NewTimer(httpDuration.WithLabelValues(path))
		defer timer.ObserveDuration()

		err := next(ctx)
		TotalRequests.WithLabelValues(path, statusClass(responseStatus(ctx, err))).Inc()
		return err
	}
}
