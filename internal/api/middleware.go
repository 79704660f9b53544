package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const slowRequest = time.Second

// requestLogger logs failed or slow requests. Health checks are skipped.
func requestLogger() gin.HandlerFunc {
	logger := log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		if status < 400 && duration <= slowRequest {
			return
		}
		ev := logger.Info()
		if status >= 500 {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request")
	}
}
