// Package httpclient sends raw HTTP(S) requests to third-party services.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const opRequest = "http.Request"

// Request describes an outbound call. Body may be nil, []byte, string or any
// value encoded as JSON.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON decodes the response body into out
func (r *Response) JSON(out any) error {
	return json.Unmarshal(r.Body, out)
}

// Client sends requests through a traced transport
type Client struct {
	http   *http.Client
	logger *logrus.Logger
}

// New creates a Client with the given timeout
func New(timeout time.Duration, logger *logrus.Logger) *Client {
	return NewWithTransport(http.DefaultTransport, timeout, logger)
}

// NewWithTransport creates a Client on top of base
func NewWithTransport(base http.RoundTripper, timeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		},
		logger: logger,
	}
}

// Do sends req. A non-2xx answer returns both the response and a
// CollaboratorFailure carrying its status.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	fields := logrus.Fields{"method": method, "url": httpReq.URL.Redacted()}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(fields).Error("HTTP request failed")
		appErr := apperror.CollaboratorFailure(opRequest, http.StatusBadGateway, "Error calling "+httpReq.URL.Host, err)
		logship.RecordError(ctx, appErr, fields)
		return nil, appErr
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		appErr := apperror.CollaboratorFailure(opRequest, http.StatusBadGateway, "Error reading response from "+httpReq.URL.Host, err)
		logship.RecordError(ctx, appErr, fields)
		return nil, appErr
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       raw,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithContext(ctx).WithFields(fields).WithField("status", resp.StatusCode).Warn("HTTP request returned an error status")
		appErr := apperror.CollaboratorFailure(opRequest, resp.StatusCode, httpReq.URL.Host+" returned "+http.StatusText(resp.StatusCode), nil)
		appErr.Details = details(raw)
		return resp, appErr
	}

	return resp, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	case string:
		return bytes.NewReader([]byte(b)), "", nil
	case io.Reader:
		return b, "", nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(raw), "application/json", nil
}

func details(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
