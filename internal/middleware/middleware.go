// Package middleware contains gin middleware for the local development server.
// Requests refused here are answered the way API Gateway answers them, before
// the function is invoked.
package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RequestIDKey is the gin context key holding the request id
const RequestIDKey = "request_id"

// Error types API Gateway reports in the x-amzn-ErrorType header
const (
	ErrorTypeThrottled     = "ThrottlingException"
	ErrorTypeTooLarge      = "RequestTooLongException"
	ErrorTypeBadRequest    = "BadRequestException"
	ErrorTypeInternalError = "InternalServerErrorException"
)

// Rejection is the body of a request answered by the gateway itself
type Rejection struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Reject aborts c with a gateway error response
func Reject(c *gin.Context, status int, errorType, message string) {
	c.Header("x-amzn-ErrorType", errorType)
	c.AbortWithStatusJSON(status, Rejection{Message: message, RequestID: c.GetString(RequestIDKey)})
}

// RequestID takes the caller's X-Request-ID or assigns a new one. The id is
// echoed in both the X-Request-ID and x-amzn-RequestId response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Header("x-amzn-RequestId", id)
		c.Next()
	}
}

// StructuredLogger logs every request with logger
func StructuredLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"request_id":  c.GetString(RequestIDKey),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"latency_ms":  float64(time.Since(start).Nanoseconds()) / 1000000,
			"client_ip":   c.ClientIP(),
		}
		if raw := c.Request.URL.RawQuery; raw != "" {
			fields["query"] = raw
		}
		if errType := c.Writer.Header().Get("x-amzn-ErrorType"); errType != "" {
			fields["error_type"] = errType
		}

		entry := logger.WithFields(fields)
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("Request completed")
		case status >= 400:
			entry.Warn("Request completed")
		default:
			entry.Info("Request completed")
		}
	}
}

// Throttle refuses requests beyond the stage throttling limits with 429
func Throttle(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			Reject(c, http.StatusTooManyRequests, ErrorTypeThrottled, "Too Many Requests")
			return
		}
		c.Next()
	}
}

// PayloadLimit refuses bodies above maxSize with 413. A body without a
// declared length is capped while it is read; see IsTooLarge.
func PayloadLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			Reject(c, http.StatusRequestEntityTooLarge, ErrorTypeTooLarge, "Request Too Long")
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsTooLarge reports whether err came from reading past the PayloadLimit cap
func IsTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
