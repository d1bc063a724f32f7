// Package middleware holds the gin middleware for the local server.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
)

// RPCTokenHeader carries the local control-surface auth token.
const RPCTokenHeader = "X-CodexManager-Rpc-Token"

// RPCTokenAuth rejects control calls whose token does not match the
// configured one. An empty configured token locks the surface entirely.
func RPCTokenAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(RPCTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"type": "permission_error", "message": "invalid rpc token"},
			})
			return
		}
		c.Next()
	}
}

// RequestLogging emits one structured line per request.
func RequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L().Debug("http.request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Recovery converts panics into a 502 with an OpenAI-shaped body.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.L().Error("http.panic_recovered", zap.Any("panic", r))
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
						"error": gin.H{"type": "upstream_error", "message": "internal gateway error"},
					})
				}
			}
		}()
		c.Next()
	}
}
