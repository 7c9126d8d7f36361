// Package middleware contains gin middleware shared by the HTTP surface
// (the WebSocket upgrade route, /metrics, /health).
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lattice-chat/server/internal/logging"
)

// HeaderXCorrelationID is the header key carrying a request's correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID attaches a correlation id to the request context and echoes
// it back on the response, generating one when the caller didn't supply it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID))
		c.Next()
	}
}
