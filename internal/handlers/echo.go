// Package handlers contains example handlers built on the lambda toolkit.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/adapters/kvstore"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/pkg/lambda"
	"github.com/google/uuid"
)

// ItemWriter stores items
type ItemWriter interface {
	Put(ctx context.Context, table string, item any, opts ...kvstore.WriteOption) error
}

// Echo is the record returned, and optionally stored, for every request
type Echo struct {
	ID         string         `json:"id" dynamodbav:"id"`
	Method     string         `json:"method" dynamodbav:"method"`
	Path       string         `json:"path" dynamodbav:"path"`
	Caller     string         `json:"caller,omitempty" dynamodbav:"caller,omitempty"`
	Body       map[string]any `json:"body,omitempty" dynamodbav:"body,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt" dynamodbav:"receivedAt"`
}

// EchoHandler answers with the request it received
type EchoHandler struct {
	store ItemWriter
	table string
	now   func() time.Time
	newID func() string
}

// NewEchoHandler creates an EchoHandler. Echoes are stored in table when it is set.
func NewEchoHandler(store ItemWriter, table string) *EchoHandler {
	return &EchoHandler{
		store: store,
		table: table,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Handle echoes req. A caller supplied Idempotency-Key is used as the echo id,
// so a replayed request conflicts instead of being stored twice.
func (h *EchoHandler) Handle(ctx context.Context, req *lambda.Request) (*lambda.Response, error) {
	echo := Echo{
		ID:         req.Header("Idempotency-Key"),
		Method:     req.Method,
		Path:       req.Path,
		Body:       req.Body,
		ReceivedAt: h.now().UTC(),
	}
	if echo.ID == "" {
		echo.ID = h.newID()
	}
	if p := req.Principal(); p != nil {
		echo.Caller = p.Subject
	}

	if h.table == "" || h.store == nil {
		return lambda.OK(echo), nil
	}

	if err := h.store.Put(ctx, h.table, echo, kvstore.IfNotExists("id")); err != nil {
		if apperror.IsConditionalCheckFailed(err) {
			return lambda.Status(http.StatusConflict, map[string]string{"message": "Echo " + echo.ID + " already exists"}), nil
		}
		return nil, err
	}
	return lambda.Created(echo), nil
}
