package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header carrying the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID is
	// stored so handlers and later middleware can read it without going
	// back to the headers.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware tags every request with an identifier for log
// correlation. An X-Request-ID supplied by the caller (a gateway, a worker
// retrying a callback) is reused so one logical operation keeps one ID
// across hops; otherwise a fresh UUID v4 is generated. The ID is stored
// under RequestIDKey and echoed in the response header.
//
// Register it right after gin.Recovery so every downstream log line,
// including the request logger's, carries the ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
