package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"leaderd/pkg/metrics"
)

// unmatchedRoute labels requests no route matched, so arbitrary paths do not
// grow the label set.
const unmatchedRoute = "unmatched"

// MetricsMiddleware records each status API answer by matched route.
// Scrapes of the routes in skip are not recorded.
func MetricsMiddleware(skip ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		for _, s := range skip {
			if route == s {
				c.Next()
				return
			}
		}
		if route == "" {
			route = unmatchedRoute
		}

		start := time.Now()
		c.Next()
		metrics.ObserveAPIRequest(route, c.Writer.Status(), time.Since(start))
	}
}
