package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/snapshot"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/validation"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequence records the order in which completion and shipping happen
type sequence struct {
	steps []string
	puts  []*cloudwatchlogs.PutLogEventsInput
}

func (s *sequence) CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	s.steps = append(s.steps, "create:"+aws.ToString(params.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (s *sequence) PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	s.steps = append(s.steps, "put")
	s.puts = append(s.puts, params)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func newDeps(t *testing.T, seq *sequence, gate *validation.Gate) Deps {
	t.Helper()
	logger, _ := test.NewNullLogger()
	masker, err := snapshot.NewMasker("", nil)
	require.NoError(t, err)

	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return Deps{
		FunctionName: "orders-prod-create",
		Gate:         gate,
		Masker:       masker,
		Shipper: logship.NewShipper(seq, "/app/orders", "orders-prod-create", masker,
			logship.WithLogger(logger),
			logship.WithIDGenerator(func() string { return "abc" })),
		Logger: logger,
		Now: func() time.Time {
			clock = clock.Add(10 * time.Millisecond)
			return clock
		},
	}
}

func (s *sequence) completion(got *events.APIGatewayProxyResponse, gotErr *error) Completion {
	return func(resp events.APIGatewayProxyResponse, err error) {
		s.steps = append(s.steps, "done")
		*got = resp
		*gotErr = err
	}
}

func TestInitRunsGate(t *testing.T) {
	tests := []struct {
		name    string
		event   events.APIGatewayProxyRequest
		wantErr string
		kind    apperror.Kind
	}{
		{
			name:  "all present",
			event: events.APIGatewayProxyRequest{Headers: map[string]string{"x-tenant": "t1"}, Body: `{"amount":0}`},
		},
		{
			name:    "missing header",
			event:   events.APIGatewayProxyRequest{Headers: map[string]string{"x-other": "1"}, Body: `{"amount":5}`},
			wantErr: "x-tenant is required",
			kind:    apperror.KindMissingField,
		},
		{
			name:    "missing body",
			event:   events.APIGatewayProxyRequest{Headers: map[string]string{"x-tenant": "t1"}},
			wantErr: "No body found in the request",
			kind:    apperror.KindMissingSection,
		},
		{
			name:    "malformed body",
			event:   events.APIGatewayProxyRequest{Headers: map[string]string{"x-tenant": "t1"}, Body: `{"amount":`},
			wantErr: "Request body is not valid JSON",
			kind:    apperror.KindMalformedBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newDeps(t, &sequence{}, validation.NewGate([]string{"x-tenant"}, []string{"amount"}))

			inv, ctx, err := Init(context.Background(), deps, tt.event)
			require.NotNil(t, inv)
			require.NotNil(t, ctx)

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperror.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitMasksSnapshot(t *testing.T) {
	deps := newDeps(t, &sequence{}, nil)
	event := events.APIGatewayProxyRequest{
		Headers: map[string]string{"Authorization": "Bearer abc", "x-tenant": "t1"},
		Body:    `{"username":"ann","password":"hunter2"}`,
	}

	inv, _, err := Init(context.Background(), deps, event)
	require.NoError(t, err)

	assert.Equal(t, snapshot.Mask, inv.Snapshot.Event.Headers["Authorization"])
	assert.Equal(t, "t1", inv.Snapshot.Event.Headers["x-tenant"])
	body := inv.Snapshot.Event.Body.(map[string]any)
	assert.Equal(t, snapshot.Mask, body["password"])

	assert.Equal(t, "hunter2", inv.Body["password"])
	assert.Equal(t, "Bearer abc", inv.Event.Headers["Authorization"])
}

func TestNonObjectBodiesNeverLogSecrets(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "array", body: `[{"password":"hunter2"}]`},
		{name: "truncated object", body: `{"password":"hunter2",`},
		{name: "trailing data", body: `{"password":"hunter2"} x`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := &sequence{}
			deps := newDeps(t, seq, nil)
			logger, hook := test.NewNullLogger()
			deps.Logger = logger

			inv, _, err := Init(context.Background(), deps, events.APIGatewayProxyRequest{Body: tt.body})
			require.Error(t, err)
			assert.Equal(t, apperror.KindMalformedBody, apperror.KindOf(err))

			inv.Record(logrus.ErrorLevel, err, nil)
			var resp events.APIGatewayProxyResponse
			var respErr error
			inv.RespondError(err, seq.completion(&resp, &respErr))

			snap, err := json.Marshal(inv.Snapshot)
			require.NoError(t, err)
			assert.NotContains(t, string(snap), "hunter2")

			require.NotEmpty(t, hook.AllEntries())
			for _, entry := range hook.AllEntries() {
				assert.NotContains(t, entry.Message, "hunter2")
			}

			require.Len(t, seq.puts, 1)
			for _, e := range seq.puts[0].LogEvents {
				assert.NotContains(t, aws.ToString(e.Message), "hunter2")
			}
		})
	}
}

func TestRespond(t *testing.T) {
	t.Run("success envelope", func(t *testing.T) {
		seq := &sequence{}
		inv, _, err := Init(context.Background(), newDeps(t, seq, nil), events.APIGatewayProxyRequest{})
		require.NoError(t, err)

		var resp events.APIGatewayProxyResponse
		var respErr error
		inv.Respond(http.StatusCreated, map[string]int{"id": 7}, seq.completion(&resp, &respErr))

		require.NoError(t, respErr)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, `{"id":7}`, resp.Body)
		assert.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
		assert.Equal(t, "true", resp.Headers["Access-Control-Allow-Credentials"])
		assert.Equal(t, []string{"done"}, seq.steps)
	})

	t.Run("5xx completes as failure and ships after completion", func(t *testing.T) {
		seq := &sequence{}
		inv, ctx, err := Init(context.Background(), newDeps(t, seq, nil), events.APIGatewayProxyRequest{Path: "/orders"})
		require.NoError(t, err)

		logship.RecordError(ctx, errors.New("db down"), logrus.Fields{"orderId": "o-1"})

		var resp events.APIGatewayProxyResponse
		var respErr error
		inv.Respond(http.StatusInternalServerError, map[string]string{"message": "db down"}, seq.completion(&resp, &respErr))

		var respError *ResponseError
		require.ErrorAs(t, respErr, &respError)
		assert.Equal(t, http.StatusInternalServerError, respError.Envelope.StatusCode)
		assert.Equal(t, events.APIGatewayProxyResponse{}, resp)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(respErr.Error()), &decoded))
		assert.EqualValues(t, 500, decoded["statusCode"])

		assert.Equal(t, []string{"done", "create:orders-prod-create/abc", "put"}, seq.steps)
		require.Len(t, seq.puts[0].LogEvents, 1)

		var shipped map[string]any
		require.NoError(t, json.Unmarshal([]byte(aws.ToString(seq.puts[0].LogEvents[0].Message)), &shipped))
		assert.Equal(t, "db down", shipped["message"])
		assert.Equal(t, "o-1", shipped["orderId"])
		assert.Equal(t, "/orders", shipped["event"].(map[string]any)["path"])
	})

	t.Run("499 completes as success", func(t *testing.T) {
		seq := &sequence{}
		inv, _, _ := Init(context.Background(), newDeps(t, seq, nil), events.APIGatewayProxyRequest{})

		var resp events.APIGatewayProxyResponse
		var respErr error
		inv.Respond(499, map[string]string{}, seq.completion(&resp, &respErr))
		assert.NoError(t, respErr)
		assert.Equal(t, 499, resp.StatusCode)
	})

	t.Run("unencodable body becomes 500", func(t *testing.T) {
		seq := &sequence{}
		inv, _, _ := Init(context.Background(), newDeps(t, seq, nil), events.APIGatewayProxyRequest{})

		var resp events.APIGatewayProxyResponse
		var respErr error
		inv.Respond(http.StatusOK, map[string]any{"ch": make(chan int)}, seq.completion(&resp, &respErr))

		var respError *ResponseError
		require.ErrorAs(t, respErr, &respError)
		assert.Equal(t, http.StatusInternalServerError, respError.Envelope.StatusCode)
	})
}

func TestRespondError(t *testing.T) {
	seq := &sequence{}
	deps := newDeps(t, seq, validation.NewGate([]string{"x-tenant"}, nil))
	inv, _, gateErr := Init(context.Background(), deps, events.APIGatewayProxyRequest{})
	require.Error(t, gateErr)

	var resp events.APIGatewayProxyResponse
	var respErr error
	inv.RespondError(gateErr, seq.completion(&resp, &respErr))

	require.NoError(t, respErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"code":"InvalidParameterException","message":"No headers found in the request","statusCode":400}`, resp.Body)
	assert.Equal(t, []string{"done"}, seq.steps, "gate errors are not shipped")
}

func TestFlushRunsOnce(t *testing.T) {
	seq := &sequence{}
	inv, ctx, err := Init(context.Background(), newDeps(t, seq, nil), events.APIGatewayProxyRequest{})
	require.NoError(t, err)

	logship.RecordError(ctx, errors.New("first"), nil)

	first := inv.Flush(ctx)
	assert.Equal(t, logship.OutcomeShipped, first.Outcome)

	logship.RecordError(ctx, errors.New("late"), nil)
	second := inv.Flush(ctx)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"create:orders-prod-create/abc", "put"}, seq.steps)
	assert.Len(t, inv.Buffer.Records(), 1)
}

func TestFlushWithoutShipper(t *testing.T) {
	logger, _ := test.NewNullLogger()
	inv, ctx, err := Init(context.Background(), Deps{FunctionName: "fn", Logger: logger}, events.APIGatewayProxyRequest{})
	require.NoError(t, err)

	inv.Record(logrus.WarnLevel, errors.New("slow"), nil)
	result := inv.Flush(ctx)
	assert.Equal(t, logship.OutcomeSkipped, result.Outcome)
	assert.Equal(t, 1, result.Count)
}
