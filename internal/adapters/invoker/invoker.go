// Package invoker calls other Lambda functions of the same environment and
// unwraps the API Gateway style envelope they answer with.
package invoker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/sirupsen/logrus"
)

const opInvoke = "lambda.Invoke"

// LambdaAPI is the part of the Lambda client used by the Invoker
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Envelope is the response shape returned by functions built with this library
type Envelope struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// Invoker invokes functions named <function>-<environment>
type Invoker struct {
	client      LambdaAPI
	environment string
	logger      *logrus.Logger
}

// New creates an Invoker for the given environment
func New(client LambdaAPI, environment string, logger *logrus.Logger) *Invoker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Invoker{client: client, environment: environment, logger: logger}
}

// Option adjusts the invoke request
type Option func(*lambda.InvokeInput)

// WithInvocationType sets the invocation type, e.g. types.InvocationTypeEvent
func WithInvocationType(t types.InvocationType) Option {
	return func(in *lambda.InvokeInput) {
		in.InvocationType = t
	}
}

// WithQualifier targets a version or alias
func WithQualifier(qualifier string) Option {
	return func(in *lambda.InvokeInput) {
		in.Qualifier = aws.String(qualifier)
	}
}

// WithClientContext passes client context data to the callee
func WithClientContext(data map[string]any) Option {
	return func(in *lambda.InvokeInput) {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		in.ClientContext = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
}

// WithLogTail asks for the last 4 KB of the callee's execution log
func WithLogTail() Option {
	return func(in *lambda.InvokeInput) {
		in.LogType = types.LogTypeTail
	}
}

// FunctionName returns the deployed name of function in this environment
func (i *Invoker) FunctionName(function string) string {
	if i.environment == "" {
		return function
	}
	return function + "-" + i.environment
}

// Invoke calls function with payload and decodes the 2xx response body into
// out, which may be nil. Non-2xx envelopes are returned as CollaboratorFailure
// errors carrying the callee's status and decoded body.
func (i *Invoker) Invoke(ctx context.Context, function string, payload any, out any, opts ...Option) error {
	name := i.FunctionName(function)

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", name, err)
	}

	input := &lambda.InvokeInput{
		FunctionName: aws.String(name),
		Payload:      raw,
	}
	for _, opt := range opts {
		opt(input)
	}

	result, err := i.client.Invoke(ctx, input)
	if err != nil {
		i.logger.WithContext(ctx).WithError(err).WithField("invokedFunction", name).Error("Error invoking " + name)
		appErr := apperror.CollaboratorFailure(opInvoke, http.StatusInternalServerError, "Error invoking "+name, err)
		logship.RecordError(ctx, appErr, logrus.Fields{"invokedFunction": name})
		return appErr
	}

	if input.InvocationType == types.InvocationTypeEvent || input.InvocationType == types.InvocationTypeDryRun {
		return nil
	}

	if result.FunctionError != nil {
		appErr := apperror.CollaboratorFailure(opInvoke, http.StatusBadGateway, name+" failed: "+aws.ToString(result.FunctionError), nil)
		appErr.Details = decodeLoose(result.Payload)
		i.logger.WithContext(ctx).WithFields(appErr.LogFields()).Error("Invoked function returned an error")
		logship.RecordError(ctx, appErr, logrus.Fields{"invokedFunction": name})
		return appErr
	}

	var envelope Envelope
	if err := json.Unmarshal(result.Payload, &envelope); err != nil {
		appErr := apperror.CollaboratorFailure(opInvoke, http.StatusBadGateway, "Invalid response from "+name, err)
		logship.RecordError(ctx, appErr, logrus.Fields{"invokedFunction": name})
		return appErr
	}

	if envelope.StatusCode < 200 || envelope.StatusCode >= 300 {
		appErr := apperror.CollaboratorFailure(opInvoke, envelope.StatusCode, messageOf(envelope.Body, name), nil)
		appErr.Details = decodeLoose([]byte(envelope.Body))
		return appErr
	}

	if out == nil || envelope.Body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(envelope.Body), out); err != nil {
		return apperror.CollaboratorFailure(opInvoke, http.StatusBadGateway, "Invalid response body from "+name, err)
	}
	return nil
}

// messageOf extracts the message field of an error body
func messageOf(body, function string) string {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	return function + " returned an error"
}

func decodeLoose(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
