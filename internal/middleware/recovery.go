package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall/pkg/logger"
	"peercall/pkg/metrics"
	"peercall/pkg/response"
)

// Recovery turns a handler panic into a 500. A panic while a call is being
// set up must not take the agent (and the call) down with it.
func Recovery(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(c.Request.Context()).Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("route", c.FullPath()),
					zap.ByteString("stack", debug.Stack()))
				m.RecordPanic(c.FullPath())

				if !c.Writer.Written() {
					response.InternalError(c, "Internal server error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
