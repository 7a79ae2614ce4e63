// Package invocation holds the state of a single handler invocation: the
// captured request, the record buffer and the response lifecycle.
package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/snapshot"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/validation"
	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"
)

// Deps are the process-wide collaborators shared by all invocations
type Deps struct {
	FunctionName string
	Gate         *validation.Gate
	Masker       *snapshot.Masker
	Shipper      *logship.Shipper
	Logger       *logrus.Logger
	Now          func() time.Time
}

// Completion receives the final result of an invocation
type Completion func(events.APIGatewayProxyResponse, error)

// ResponseError completes an invocation whose status is 5xx. Its message is
// the JSON encoded envelope.
type ResponseError struct {
	Envelope events.APIGatewayProxyResponse
}

func (e *ResponseError) Error() string {
	raw, err := json.Marshal(e.Envelope)
	if err != nil {
		return e.Envelope.Body
	}
	return string(raw)
}

// ErrorBody is the response body of a failed request
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Details    any    `json:"details,omitempty"`
}

// Invocation is owned by exactly one handler call
type Invocation struct {
	deps  Deps
	ctx   context.Context
	start time.Time

	Event    events.APIGatewayProxyRequest
	Body     map[string]any
	Snapshot snapshot.Snapshot
	Buffer   *logship.Buffer

	flushOnce sync.Once
	flushed   logship.FlushResult
}

// Init captures the event and context, starts a fresh record buffer and runs
// the parameter gate. The returned context carries the buffer. On a decode or
// gate error the Invocation is still returned so the caller can respond with it.
func Init(ctx context.Context, deps Deps, event events.APIGatewayProxyRequest) (*Invocation, context.Context, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	inv := &Invocation{
		deps:   deps,
		start:  deps.Now(),
		Event:  event,
		Buffer: logship.NewBuffer(deps.FunctionName, deps.Logger),
	}
	ctx = logship.WithRecorder(ctx, inv.Buffer)
	inv.ctx = ctx

	body, decodeErr := snapshot.DecodeBody(event)
	inv.Body = body

	snap := snapshot.Capture(ctx, event)
	if deps.Masker != nil {
		snap = deps.Masker.Snapshot(snap)
	}
	inv.Snapshot = snap

	logger := deps.Logger.WithContext(ctx)
	logger.Info("Received event:\n" + indent(snap.Event))
	logger.Info("Received context:\n" + indent(snap.Context))

	if decodeErr != nil {
		return inv, ctx, apperror.MalformedBody(decodeErr)
	}

	if deps.Gate != nil {
		if err := deps.Gate.Check(event.Headers, body); err != nil {
			return inv, ctx, err
		}
	}

	return inv, ctx, nil
}

// Context returns the invocation context carrying the record buffer
func (inv *Invocation) Context() context.Context {
	return inv.ctx
}

// Record adds a record to the buffer
func (inv *Invocation) Record(level logrus.Level, err error, opts logrus.Fields) {
	inv.Buffer.Record(level, err, opts)
}

// Respond builds the response envelope and hands it to done. Statuses of 500
// and above complete as a failure. Records are flushed after done returns.
func (inv *Invocation) Respond(statusCode int, body any, done Completion) {
	resp, err := inv.Finish(statusCode, body)
	done(resp, err)
	inv.Flush(inv.ctx)
}

// RespondError responds with the status and message carried by err
func (inv *Invocation) RespondError(err error, done Completion) {
	inv.Respond(apperror.StatusCode(err), errorBody(err), done)
}

// Finish builds the envelope and logs it without flushing. The result is what
// a Completion would receive.
func (inv *Invocation) Finish(statusCode int, body any) (events.APIGatewayProxyResponse, error) {
	resp := Envelope(statusCode, body)
	if resp.StatusCode != statusCode {
		inv.deps.Logger.WithContext(inv.ctx).WithField("statusCode", statusCode).Error("Response body could not be encoded")
	}

	logger := inv.deps.Logger.WithContext(inv.ctx)
	logger.Info("Response:\n" + indent(inv.loggable(resp)))
	logger.WithField("duration_ms", inv.deps.Now().Sub(inv.start).Milliseconds()).Info("Invocation finished")

	if resp.StatusCode >= http.StatusInternalServerError {
		return events.APIGatewayProxyResponse{}, &ResponseError{Envelope: resp}
	}
	return resp, nil
}

// Flush ships the buffered records once. Later calls return the first result.
func (inv *Invocation) Flush(ctx context.Context) logship.FlushResult {
	inv.flushOnce.Do(func() {
		records := inv.Buffer.Seal()
		if inv.deps.Shipper == nil {
			inv.flushed = logship.FlushResult{Outcome: logship.OutcomeSkipped, Count: len(records)}
			return
		}
		inv.flushed = inv.deps.Shipper.Flush(context.WithoutCancel(ctx), records, inv.Snapshot)
	})
	return inv.flushed
}

// Envelope builds an API Gateway proxy response allowing any origin
func Envelope(statusCode int, body any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Access-Control-Allow-Origin":      "*",
			"Access-Control-Allow-Credentials": "true",
		},
	}

	if body == nil {
		return resp
	}

	raw, err := json.Marshal(body)
	if err != nil {
		resp.StatusCode = http.StatusInternalServerError
		raw, _ = json.Marshal(ErrorBody{
			Code:       string(apperror.KindInternal),
			Message:    "Response body could not be encoded",
			StatusCode: http.StatusInternalServerError,
		})
	}
	resp.Body = string(raw)
	return resp
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{
		Code:       apperror.Code(err),
		Message:    apperror.Message(err),
		StatusCode: apperror.StatusCode(err),
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Kind == apperror.KindCollaboratorFailure && appErr.StatusCode < http.StatusInternalServerError {
		body.Details = appErr.Details
	}
	return body
}

// loggable returns resp with secret keys of its body masked
func (inv *Invocation) loggable(resp events.APIGatewayProxyResponse) map[string]any {
	var body any = resp.Body
	var decoded any
	if err := json.Unmarshal([]byte(resp.Body), &decoded); err == nil {
		body = decoded
	}
	if inv.deps.Masker != nil {
		body = inv.deps.Masker.Value(body)
	}
	return map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    resp.Headers,
		"body":       body,
	}
}

func indent(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "<unencodable: " + err.Error() + ">"
	}
	return string(raw)
}
