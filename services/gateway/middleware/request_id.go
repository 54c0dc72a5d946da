// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway service.
//
// This package contains middleware for request correlation and client
// rate limiting. Tracing middleware comes from otelgin and is wired in
// the route setup, not here.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is the correlation header honored and emitted by the
// gateway.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the context key for the correlation id. A typed key
// prevents collisions with other context values.
const requestIDKey = "quill_request_id"

// GetRequestID retrieves the correlation id from the Gin context.
// Returns empty string when RequestID middleware did not run.
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(requestIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// RequestID creates a middleware that assigns each request a correlation
// id. An id supplied by the client in X-Request-ID is honored; otherwise
// a fresh UUID is generated. The id is stored in the context and echoed
// in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}
