package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyRequestID is the Gin context key for the per-request id.
const ContextKeyRequestID = "request_id"

// RequestIDMiddleware assigns a request id to every request, honoring an
// incoming X-Request-ID header when present, and echoes it on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}
