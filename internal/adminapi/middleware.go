package adminapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"distributed-vdb/internal/logx"
)

// Logger is a Gin middleware logging every request through the shared
// structured logger, in place of the teacher's stdlib log.Printf.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logx.WithComponent("adminapi").Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Recovery wraps Gin's default recovery with a structured log line.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logx.WithComponent("adminapi").Error().Interface("panic", err).Msg("recovered from panic")
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
