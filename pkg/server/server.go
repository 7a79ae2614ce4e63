// Package server serves a wrapped Lambda handler over plain HTTP for local
// development, emulating the API Gateway proxy integration.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/config"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/invocation"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/middleware"
	"github.com/LeVarneBV/AWSLambdaHelper/pkg/lambda"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxPayloadSize = 10 << 20

// Server is the local HTTP front of a function
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger logrus.FieldLogger
}

// New creates a Server that forwards every request under /*proxy to handler
func New(cfg *config.Config, rt *lambda.Runtime, handler lambda.ProxyHandler) *Server {
	if cfg.Environment == "production" || cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger(rt.Logger))
	router.Use(middleware.Throttle(cfg.Local.RateLimitRPS, cfg.Local.RateLimitBurst))
	router.Use(middleware.PayloadLimit(maxPayloadSize))

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if !rt.IsHealthy() {
			status = "idle"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"function":  cfg.FunctionName,
			"timestamp": time.Now().UTC(),
		})
	})

	router.NoRoute(Gateway(cfg.FunctionName, handler))

	return &Server{
		router: router,
		srv: &http.Server{
			Addr:              ":" + cfg.Local.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: rt.Logger,
	}
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.WithField("addr", s.srv.Addr).Info("Server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// Gateway converts HTTP requests to proxy events for handler and writes the
// resulting envelope back
func Gateway(functionName string, handler lambda.ProxyHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			if middleware.IsTooLarge(err) {
				middleware.Reject(c, http.StatusRequestEntityTooLarge, middleware.ErrorTypeTooLarge, "Request Too Long")
				return
			}
			middleware.Reject(c, http.StatusBadRequest, middleware.ErrorTypeBadRequest, "Failed to read request body")
			return
		}

		event := ToProxyRequest(c.Request, raw, c.GetString(middleware.RequestIDKey), c.ClientIP())
		ctx := lambdacontext.NewContext(c.Request.Context(), &lambdacontext.LambdaContext{
			AwsRequestID:       event.RequestContext.RequestID,
			InvokedFunctionArn: "arn:aws:lambda:local:000000000000:function:" + functionName,
		})

		resp, err := handler(ctx, event)
		if err != nil {
			var respErr *invocation.ResponseError
			if !errors.As(err, &respErr) {
				// API Gateway answers a failed invocation with a bare 502
				middleware.Reject(c, http.StatusBadGateway, middleware.ErrorTypeInternalError, "Internal server error")
				return
			}
			resp = respErr.Envelope
		}
		WriteResponse(c, resp)
	}
}

// ToProxyRequest builds the proxy event API Gateway would send for r
func ToProxyRequest(r *http.Request, body []byte, requestID, sourceIP string) events.APIGatewayProxyRequest {
	headers := make(map[string]string, len(r.Header))
	multi := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ",")
		multi[k] = append([]string(nil), v...)
	}

	var query map[string]string
	var multiQuery map[string][]string
	if values := r.URL.Query(); len(values) > 0 {
		query = make(map[string]string, len(values))
		multiQuery = make(map[string][]string, len(values))
		for k, v := range values {
			query[k] = v[len(v)-1]
			multiQuery[k] = append([]string(nil), v...)
		}
	}

	event := events.APIGatewayProxyRequest{
		Resource:                        "/{proxy+}",
		Path:                            r.URL.Path,
		HTTPMethod:                      r.Method,
		Headers:                         headers,
		MultiValueHeaders:               multi,
		QueryStringParameters:           query,
		MultiValueQueryStringParameters: multiQuery,
		PathParameters:                  map[string]string{"proxy": strings.TrimPrefix(r.URL.Path, "/")},
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID:  requestID,
			Stage:      "local",
			HTTPMethod: r.Method,
			Path:       r.URL.Path,
			Identity: events.APIGatewayRequestIdentity{
				SourceIP:  sourceIP,
				UserAgent: r.UserAgent(),
			},
		},
	}

	if len(body) > 0 {
		if utf8.Valid(body) {
			event.Body = string(body)
		} else {
			event.Body = base64.StdEncoding.EncodeToString(body)
			event.IsBase64Encoded = true
		}
	}
	return event
}

// WriteResponse writes a proxy response envelope to c
func WriteResponse(c *gin.Context, resp events.APIGatewayProxyResponse) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	for k, values := range resp.MultiValueHeaders {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}

	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err == nil {
			body = decoded
		}
	}

	contentType := c.Writer.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}
