package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// unmatchedRoute labels requests no route claimed, so scans of random paths
// do not grow the metric label set.
const unmatchedRoute = "unmatched"

// HTTP logs and counts every request served by role ("relay" or "daemon").
// Scrapes and health checks log at trace; routes keyed by session id, tag or
// pid carry that key.
func HTTP(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		took := time.Since(start)
		RecordHTTPRequest(role, c.Request.Method, route, status, took)

		event := requestEvent(route, status)
		for _, key := range []string{"id", "tag", "pid"} {
			if v := c.Param(key); v != "" {
				event = event.Str(key, v)
			}
		}
		event.Msgf("%s.http %s %s status=%d took=%s", role, c.Request.Method, route, status, took.Round(time.Microsecond))
	}
}

func requestEvent(route string, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return log.Error()
	case status >= 400:
		return log.Warn()
	case route == "/metrics" || route == "/health":
		return log.Trace()
	default:
		return log.Debug()
	}
}
