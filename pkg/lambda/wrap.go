package lambda

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/invocation"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ProxyHandler is the signature expected by lambda.Start for API Gateway proxy events
type ProxyHandler func(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// Start builds the runtime from the environment and serves the handler that
// build returns for it
func Start(build func(rt *Runtime) HandlerFunc) {
	rt, err := GetRuntime(context.Background())
	if err != nil {
		panic("Failed to initialize runtime: " + err.Error())
	}
	awslambda.Start(rt.Serve(build))
}

// Serve wraps the handler that build returns for rt
func (rt *Runtime) Serve(build func(rt *Runtime) HandlerFunc) ProxyHandler {
	return rt.Wrap(build(rt))
}

// Wrap adapts h to an API Gateway proxy handler. The request passes the
// parameter gate before h runs; buffered records are shipped once the
// response is final and before the handler returns.
func (rt *Runtime) Wrap(h HandlerFunc) ProxyHandler {
	return func(ctx context.Context, event events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
		rt.UpdateLastUsed()

		ctx, span := rt.Tracer.Start(ctx, rt.Config.FunctionName,
			attribute.String("http.method", event.HTTPMethod),
			attribute.String("http.route", event.Resource),
		)

		done := func(r events.APIGatewayProxyResponse, e error) {
			resp, err = r, e
		}

		inv, ctx, initErr := invocation.Init(ctx, rt.Deps(), event)
		if initErr != nil {
			inv.RespondError(initErr, done)
		} else {
			out, handlerErr := rt.call(ctx, h, inv)
			switch {
			case handlerErr != nil:
				if apperror.KindOf(handlerErr) == apperror.KindInternal {
					logship.RecordError(ctx, handlerErr, nil)
				}
				inv.RespondError(handlerErr, done)
			case out == nil:
				inv.Respond(http.StatusNoContent, nil, done)
			default:
				inv.Respond(out.StatusCode, out.Body, done)
			}
		}

		status := resp.StatusCode
		if err != nil {
			status = http.StatusInternalServerError
		}
		span.Annotate(attribute.Int("http.status_code", status))
		if err != nil {
			span.Fail(err)
		} else {
			span.Success()
		}

		if flushErr := rt.Tracer.ForceFlush(context.WithoutCancel(ctx)); flushErr != nil {
			rt.Logger.WithError(flushErr).Warn("Failed to flush traces")
		}
		return resp, err
	}
}

// call runs h, turning a panic into an internal error
func (rt *Runtime) call(ctx context.Context, h HandlerFunc, inv *invocation.Invocation) (out *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.Logger.WithContext(ctx).WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	req := &Request{
		Method:      inv.Event.HTTPMethod,
		Path:        inv.Event.Path,
		Headers:     inv.Event.Headers,
		QueryParams: inv.Event.QueryStringParameters,
		PathParams:  inv.Event.PathParameters,
		Body:        inv.Body,
		RawBody:     inv.Event.Body,
		Snapshot:    inv.Snapshot,
	}
	return h(ctx, req)
}
