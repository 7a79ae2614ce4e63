package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/adapters/tracing"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/config"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/invocation"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	awslambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeLogs struct {
	mu      sync.Mutex
	streams []string
	events  [][]string
}

func (f *fakeLogs) CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, aws.ToString(params.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogs) PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := make([]string, 0, len(params.LogEvents))
	for _, e := range params.LogEvents {
		messages = append(messages, aws.ToString(e.Message))
	}
	f.events = append(f.events, messages)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

type fakeLambda struct {
	payload []byte
}

func (f *fakeLambda) Invoke(ctx context.Context, params *awslambdasvc.InvokeInput, optFns ...func(*awslambdasvc.Options)) (*awslambdasvc.InvokeOutput, error) {
	return &awslambdasvc.InvokeOutput{StatusCode: 200, Payload: f.payload}, nil
}

type failingDynamo struct{}

func (failingDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return nil, errors.New("RequestLimitExceeded")
}

func (failingDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
}

func (failingDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return nil, errors.New("not used")
}

func (failingDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return nil, errors.New("not used")
}

func (failingDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return nil, errors.New("not used")
}

func (failingDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return nil, errors.New("not used")
}

func testConfig(group string) *config.Config {
	return &config.Config{
		FunctionName: "orders-prod-create",
		Environment:  "prod",
		Region:       "eu-west-1",
		Params: config.ParamsConfig{
			RequiredHeaders: []string{"x-tenant"},
			RequiredBody:    []string{"amount"},
		},
		Logs: config.LogsConfig{GroupName: group, Level: "info", Format: "json"},
		HTTP: config.HTTPConfig{Timeout: time.Second},
	}
}

func newTestRuntime(t *testing.T, group string, clients Clients) (*Runtime, *tracetest.SpanRecorder) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	recorder := tracetest.NewSpanRecorder()
	tracer := tracing.New(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")

	rt, err := Assemble(testConfig(group), logger, tracer, clients)
	require.NoError(t, err)
	return rt, recorder
}

func validEvent() events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/orders",
		Resource:   "/orders",
		Headers:    map[string]string{"x-tenant": "t1", "Authorization": "Bearer secret"},
		Body:       `{"amount":0,"password":"hunter2"}`,
	}
}

func TestWrapSuccess(t *testing.T) {
	logs := &fakeLogs{}
	rt, recorder := newTestRuntime(t, "/app/orders", Clients{Logs: logs})

	handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
		assert.Equal(t, "t1", req.Header("X-Tenant"))
		assert.Equal(t, json.Number("0"), req.Body["amount"])
		assert.Equal(t, "hunter2", req.Body["password"])
		return Created(map[string]string{"id": "o-1"}), nil
	})

	resp, err := handler(context.Background(), validEvent())
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"o-1"}`, resp.Body)
	assert.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])

	assert.Empty(t, logs.streams, "nothing recorded, nothing shipped")

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orders-prod-create", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestWrapGateFailure(t *testing.T) {
	rt, _ := newTestRuntime(t, "", Clients{})
	called := false

	handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
		called = true
		return OK(nil), nil
	})

	event := validEvent()
	delete(event.Headers, "x-tenant")

	resp, err := handler(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body invocation.ErrorBody
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, "x-tenant is required", body.Message)
	assert.Equal(t, "InvalidParameterException", body.Code)
}

func TestWrapCollaboratorFailureIsShipped(t *testing.T) {
	logs := &fakeLogs{}
	rt, recorder := newTestRuntime(t, "/app/orders", Clients{Logs: logs, Dynamo: failingDynamo{}})

	handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
		var out map[string]any
		if _, err := rt.Store.Get(ctx, "orders", map[string]string{"pk": "o-1"}, &out); err != nil {
			return nil, err
		}
		return OK(out), nil
	})

	resp, err := handler(context.Background(), validEvent())
	require.Error(t, err)
	assert.Equal(t, events.APIGatewayProxyResponse{}, resp)

	var respErr *invocation.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusInternalServerError, respErr.Envelope.StatusCode)

	require.Len(t, logs.streams, 1)
	assert.Contains(t, logs.streams[0], "orders-prod-create/")
	require.Len(t, logs.events, 1)
	require.Len(t, logs.events[0], 1)

	var shipped map[string]any
	require.NoError(t, json.Unmarshal([]byte(logs.events[0][0]), &shipped))
	assert.Equal(t, "ERROR", shipped["level"])
	assert.Equal(t, "orders", shipped["table"])
	event := shipped["event"].(map[string]any)
	assert.Equal(t, "*****", event["headers"].(map[string]any)["Authorization"])
	assert.Equal(t, "*****", event["body"].(map[string]any)["password"])

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestWrapConditionalCheckIsNotShipped(t *testing.T) {
	logs := &fakeLogs{}
	rt, _ := newTestRuntime(t, "/app/orders", Clients{Logs: logs, Dynamo: failingDynamo{}})

	handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, rt.Store.Put(ctx, "orders", map[string]string{"pk": "o-1"})
	})

	resp, err := handler(context.Background(), validEvent())
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, logs.streams)
}

func TestWrapInvokerError(t *testing.T) {
	rt, _ := newTestRuntime(t, "", Clients{Lambda: &fakeLambda{payload: []byte(`{"statusCode":404,"body":"{\"message\":\"order not found\"}"}`)}})

	handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, rt.Invoker.Invoke(ctx, "orders-get", map[string]string{"id": "o-1"}, nil)
	})

	resp, err := handler(context.Background(), validEvent())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"code":"CollaboratorFailure","message":"order not found","statusCode":404,"details":{"message":"order not found"}}`, resp.Body)
}

func TestWrapUnknownErrorAndPanic(t *testing.T) {
	logs := &fakeLogs{}
	rt, _ := newTestRuntime(t, "/app/orders", Clients{Logs: logs})

	t.Run("unknown error is recorded", func(t *testing.T) {
		handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
			return nil, errors.New("nil map write")
		})
		_, err := handler(context.Background(), validEvent())
		assert.Equal(t, http.StatusInternalServerError, apperror.StatusCode(err))
		assert.Len(t, logs.streams, 1)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
			panic("boom")
		})
		_, err := handler(context.Background(), validEvent())
		var respErr *invocation.ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Len(t, logs.streams, 2)
	})
}

func TestWrapNilResponse(t *testing.T) {
	rt, _ := newTestRuntime(t, "", Clients{})
	handler := rt.Wrap(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, nil
	})

	resp, err := handler(context.Background(), validEvent())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Body)
}

func TestServe(t *testing.T) {
	rt, _ := newTestRuntime(t, "", Clients{})

	var built *Runtime
	handler := rt.Serve(func(got *Runtime) HandlerFunc {
		built = got
		return func(ctx context.Context, req *Request) (*Response, error) {
			return OK(map[string]string{"function": got.Config.FunctionName}), nil
		}
	})

	resp, err := handler(context.Background(), validEvent())
	require.NoError(t, err)
	assert.Same(t, rt, built)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"function":"orders-prod-create"}`, resp.Body)
}

func TestAssemble(t *testing.T) {
	cfg := testConfig("")
	cfg.Logs.SecretFieldPattern = "(?i)^iban$"
	cfg.Logs.UnmaskedFields = []string{"tokenType"}

	rt, err := Assemble(cfg, logrus.New(), tracing.New(sdktrace.NewTracerProvider(), "test"), Clients{})
	require.NoError(t, err)

	assert.True(t, rt.Masker.IsSecret("IBAN"))
	assert.False(t, rt.Masker.IsSecret("tokenType"))
	assert.Equal(t, "orders-get-prod", rt.Invoker.FunctionName("orders-get"))
	assert.True(t, rt.IsHealthy())
	assert.Equal(t, "orders-prod-create", rt.Deps().FunctionName)

	t.Run("invalid pattern", func(t *testing.T) {
		cfg := testConfig("")
		cfg.Logs.SecretFieldPattern = "("
		_, err := Assemble(cfg, logrus.New(), tracing.New(sdktrace.NewTracerProvider(), "test"), Clients{})
		assert.Error(t, err)
	})
}
