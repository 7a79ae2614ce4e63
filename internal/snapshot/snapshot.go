// Package snapshot captures a read-only, log-safe copy of the inbound API Gateway
// event and the Lambda invocation context.
package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/golang-jwt/jwt/v5"
)

// Snapshot is the event and context pair attached to every shipped log record
type Snapshot struct {
	Event   Event   `json:"event"`
	Context Context `json:"context"`
}

// Event is the subset of an API Gateway proxy event kept for diagnostics
type Event struct {
	Resource              string              `json:"resource,omitempty"`
	Path                  string              `json:"path,omitempty"`
	HTTPMethod            string              `json:"httpMethod,omitempty"`
	Headers               map[string]string   `json:"headers,omitempty"`
	MultiValueHeaders     map[string][]string `json:"multiValueHeaders,omitempty"`
	QueryStringParameters map[string]string   `json:"queryStringParameters,omitempty"`
	PathParameters        map[string]string   `json:"pathParameters,omitempty"`
	StageVariables        map[string]string   `json:"stageVariables,omitempty"`
	RequestContext        RequestContext      `json:"requestContext"`
	Body                  any                 `json:"body,omitempty"`
	IsBase64Encoded       bool                `json:"isBase64Encoded"`
	Principal             *Principal          `json:"principal,omitempty"`
}

// RequestContext holds the API Gateway request metadata worth logging
type RequestContext struct {
	RequestID string `json:"requestId,omitempty"`
	Stage     string `json:"stage,omitempty"`
	SourceIP  string `json:"sourceIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Principal identifies the caller from the claims of a bearer token
type Principal struct {
	Subject string `json:"sub,omitempty"`
	Issuer  string `json:"iss,omitempty"`
}

// Context is the Lambda invocation context
type Context struct {
	AwsRequestID       string    `json:"awsRequestId,omitempty"`
	InvokedFunctionArn string    `json:"invokedFunctionArn,omitempty"`
	FunctionName       string    `json:"functionName,omitempty"`
	FunctionVersion    string    `json:"functionVersion,omitempty"`
	MemoryLimitInMB    int       `json:"memoryLimitInMB,omitempty"`
	LogGroupName       string    `json:"logGroupName,omitempty"`
	LogStreamName      string    `json:"logStreamName,omitempty"`
	Deadline           time.Time `json:"deadline,omitempty"`
}

// DecodeBody decodes the request body into a JSON object. An empty body
// returns nil without error. Numbers are kept as json.Number.
func DecodeBody(event events.APIGatewayProxyRequest) (map[string]any, error) {
	v, err := ParseBody(event)
	if err != nil || v == nil {
		return nil, err
	}
	body, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("request body is not a JSON object")
	}
	return body, nil
}

// ParseBody decodes the request body as a single JSON value. Trailing data
// after the value is an error.
func ParseBody(event events.APIGatewayProxyRequest) (any, error) {
	raw, err := rawBody(event)
	if err != nil || len(raw) == 0 {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

func rawBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if event.Body == "" {
		return nil, nil
	}
	if event.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(event.Body)
	}
	return []byte(event.Body), nil
}

// snapshotBody returns the body as kept in a snapshot. A body that is not JSON is
// replaced by a placeholder so that it can never reach the logs unmasked.
func snapshotBody(event events.APIGatewayProxyRequest) any {
	v, err := ParseBody(event)
	if err != nil {
		n := len(event.Body)
		if raw, rawErr := rawBody(event); rawErr == nil {
			n = len(raw)
		}
		return fmt.Sprintf("<unparseable body, %d bytes>", n)
	}
	return v
}

// Capture builds an unmasked snapshot of the event and the Lambda context in ctx
func Capture(ctx context.Context, event events.APIGatewayProxyRequest) Snapshot {
	return Snapshot{
		Event: Event{
			Resource:              event.Resource,
			Path:                  event.Path,
			HTTPMethod:            event.HTTPMethod,
			Headers:               copyStrings(event.Headers),
			MultiValueHeaders:     copyMulti(event.MultiValueHeaders),
			QueryStringParameters: copyStrings(event.QueryStringParameters),
			PathParameters:        copyStrings(event.PathParameters),
			StageVariables:        copyStrings(event.StageVariables),
			RequestContext: RequestContext{
				RequestID: event.RequestContext.RequestID,
				Stage:     event.RequestContext.Stage,
				SourceIP:  event.RequestContext.Identity.SourceIP,
				UserAgent: event.RequestContext.Identity.UserAgent,
			},
			Body:            snapshotBody(event),
			IsBase64Encoded: event.IsBase64Encoded,
			Principal:       PrincipalFrom(event.Headers),
		},
		Context: CaptureContext(ctx),
	}
}

// CaptureContext reads the Lambda context values from ctx and the runtime environment
func CaptureContext(ctx context.Context) Context {
	c := Context{
		FunctionName:    lambdacontext.FunctionName,
		FunctionVersion: lambdacontext.FunctionVersion,
		MemoryLimitInMB: lambdacontext.MemoryLimitInMB,
		LogGroupName:    lambdacontext.LogGroupName,
		LogStreamName:   lambdacontext.LogStreamName,
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		c.AwsRequestID = lc.AwsRequestID
		c.InvokedFunctionArn = lc.InvokedFunctionArn
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Deadline = deadline
	}
	return c
}

// PrincipalFrom extracts the subject and issuer of a bearer token without
// verifying it. Verification belongs to the authorizer in front of the function.
func PrincipalFrom(headers map[string]string) *Principal {
	var auth string
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") {
			auth = v
			break
		}
	}

	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return nil
	}

	sub, _ := claims.GetSubject()
	iss, _ := claims.GetIssuer()
	if sub == "" && iss == "" {
		return nil
	}
	return &Principal{Subject: sub, Issuer: iss}
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMulti(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
