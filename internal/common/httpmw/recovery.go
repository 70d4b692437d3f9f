package httpmw

import (
	"net/http"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery recovers from handler panics, logs them, and replies 500.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"kind":    "INTERNAL",
						"message": "internal server error",
					},
				})
			}
		}()

		c.Next()
	}
}
