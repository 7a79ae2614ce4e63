package lambda

import (
	"context"
	"net/http"
	"strings"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/snapshot"
)

// Request is the validated request handed to a HandlerFunc
type Request struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"query_params"`
	PathParams  map[string]string `json:"path_params"`
	Body        map[string]any    `json:"body"`
	RawBody     string            `json:"-"`

	// Snapshot is the masked copy of the event and context attached to shipped records
	Snapshot snapshot.Snapshot `json:"-"`
}

// Header returns the value of the header name, matched case-insensitively
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Principal returns the caller identified by the bearer token, if any
func (r *Request) Principal() *snapshot.Principal {
	return r.Snapshot.Event.Principal
}

// Response is what a HandlerFunc answers with. Body is encoded as JSON.
type Response struct {
	StatusCode int `json:"status_code"`
	Body       any `json:"body"`
}

// OK responds with 200
func OK(body any) *Response {
	return &Response{StatusCode: http.StatusOK, Body: body}
}

// Created responds with 201
func Created(body any) *Response {
	return &Response{StatusCode: http.StatusCreated, Body: body}
}

// Status responds with an arbitrary status
func Status(statusCode int, body any) *Response {
	return &Response{StatusCode: statusCode, Body: body}
}

// HandlerFunc handles a request that already passed the parameter gate.
// Returned errors are mapped to a response by their status code.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)
