// Package kvstore reads and writes items in DynamoDB tables.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
)

const (
	opGet    = "dynamodb.GetItem"
	opPut    = "dynamodb.PutItem"
	opUpdate = "dynamodb.UpdateItem"
	opDelete = "dynamodb.DeleteItem"
	opQuery  = "dynamodb.Query"
	opScan   = "dynamodb.Scan"
)

// DynamoAPI is the part of the DynamoDB client used by the Store
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store is a thin item store over DynamoDB
type Store struct {
	client DynamoAPI
	logger *logrus.Logger
}

// New creates a Store
func New(client DynamoAPI, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{client: client, logger: logger}
}

// WriteOption adds a condition to a write
type WriteOption func(*writeOptions)

type writeOptions struct {
	conditions []expression.ConditionBuilder
}

// IfNotExists only writes when no item with attr exists yet
func IfNotExists(attr string) WriteOption {
	return func(o *writeOptions) {
		o.conditions = append(o.conditions, expression.AttributeNotExists(expression.Name(attr)))
	}
}

// IfExists only writes when an item with attr already exists
func IfExists(attr string) WriteOption {
	return func(o *writeOptions) {
		o.conditions = append(o.conditions, expression.AttributeExists(expression.Name(attr)))
	}
}

// IfEquals only writes when attr currently holds value
func IfEquals(attr string, value any) WriteOption {
	return func(o *writeOptions) {
		o.conditions = append(o.conditions, expression.Name(attr).Equal(expression.Value(value)))
	}
}

func (o writeOptions) condition() (expression.ConditionBuilder, bool) {
	return and(o.conditions)
}

func and(conds []expression.ConditionBuilder) (expression.ConditionBuilder, bool) {
	switch len(conds) {
	case 0:
		return expression.ConditionBuilder{}, false
	case 1:
		return conds[0], true
	}
	return expression.And(conds[0], conds[1], conds[2:]...), true
}

func collect(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get loads the item with key into out. It reports false when there is no such item.
func (s *Store) Get(ctx context.Context, table string, key any, out any) (bool, error) {
	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return false, fmt.Errorf("failed to marshal key: %w", err)
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       av,
	})
	if err != nil {
		return false, s.fail(ctx, opGet, table, err)
	}
	if len(result.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return true, nil
}

// Put writes item, replacing any item with the same key
func (s *Store) Put(ctx context.Context, table string, item any, opts ...WriteOption) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}
	if cond, ok := collect(opts).condition(); ok {
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("failed to build condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		return s.fail(ctx, opPut, table, err)
	}
	return nil
}

// Update sets the given attributes on the item with key and decodes the
// updated item into out, which may be nil.
func (s *Store) Update(ctx context.Context, table string, key any, changes map[string]any, out any, opts ...WriteOption) error {
	if len(changes) == 0 {
		return errors.New("update requires at least one change")
	}

	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	update := expression.Set(expression.Name(names[0]), expression.Value(changes[names[0]]))
	for _, name := range names[1:] {
		update = update.Set(expression.Name(name), expression.Value(changes[name]))
	}

	builder := expression.NewBuilder().WithUpdate(update)
	if cond, ok := collect(opts).condition(); ok {
		builder = builder.WithCondition(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       av,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return s.fail(ctx, opUpdate, table, err)
	}
	if out == nil {
		return nil
	}
	if err := attributevalue.UnmarshalMap(result.Attributes, out); err != nil {
		return fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return nil
}

// Delete removes the item with key
func (s *Store) Delete(ctx context.Context, table string, key any, opts ...WriteOption) error {
	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       av,
	}
	if cond, ok := collect(opts).condition(); ok {
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("failed to build condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.DeleteItem(ctx, input); err != nil {
		return s.fail(ctx, opDelete, table, err)
	}
	return nil
}

// QueryInput selects items of one partition
type QueryInput struct {
	Index          string
	PartitionKey   string
	PartitionValue any
	SortKey        string
	SortPrefix     string
	Limit          int32
	Descending     bool
}

// Query loads the matching items into out, which must point to a slice.
// All pages are read unless Limit is reached first.
func (s *Store) Query(ctx context.Context, table string, in QueryInput, out any) error {
	keyCond := expression.Key(in.PartitionKey).Equal(expression.Value(in.PartitionValue))
	if in.SortKey != "" && in.SortPrefix != "" {
		keyCond = keyCond.And(expression.Key(in.SortKey).BeginsWith(in.SortPrefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return fmt.Errorf("failed to build key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(!in.Descending),
	}
	if in.Index != "" {
		input.IndexName = aws.String(in.Index)
	}

	var items []map[string]types.AttributeValue
	for {
		if in.Limit > 0 {
			input.Limit = aws.Int32(in.Limit - int32(len(items)))
		}
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return s.fail(ctx, opQuery, table, err)
		}
		items = append(items, page.Items...)
		if len(page.LastEvaluatedKey) == 0 || (in.Limit > 0 && int32(len(items)) >= in.Limit) {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	return unmarshalList(items, out)
}

// ScanInput filters a full table scan by attribute equality
type ScanInput struct {
	Index  string
	Equals map[string]any
	Limit  int32
}

// Scan loads the matching items into out, which must point to a slice.
// Limit caps the number of returned items, not the number evaluated.
func (s *Store) Scan(ctx context.Context, table string, in ScanInput, out any) error {
	input := &dynamodb.ScanInput{TableName: aws.String(table)}
	if in.Index != "" {
		input.IndexName = aws.String(in.Index)
	}

	if len(in.Equals) > 0 {
		names := make([]string, 0, len(in.Equals))
		for name := range in.Equals {
			names = append(names, name)
		}
		sort.Strings(names)

		conds := make([]expression.ConditionBuilder, 0, len(names))
		for _, name := range names {
			conds = append(conds, expression.Name(name).Equal(expression.Value(in.Equals[name])))
		}
		filter, _ := and(conds)
		expr, err := expression.NewBuilder().WithFilter(filter).Build()
		if err != nil {
			return fmt.Errorf("failed to build filter: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var items []map[string]types.AttributeValue
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return s.fail(ctx, opScan, table, err)
		}
		items = append(items, page.Items...)
		if in.Limit > 0 && int32(len(items)) >= in.Limit {
			items = items[:in.Limit]
			break
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	return unmarshalList(items, out)
}

func unmarshalList(items []map[string]types.AttributeValue, out any) error {
	if items == nil {
		items = []map[string]types.AttributeValue{}
	}
	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("failed to unmarshal items: %w", err)
	}
	return nil
}

// fail converts an SDK error. Conditional check conflicts are expected
// outcomes of guarded writes and are neither logged as errors nor recorded.
func (s *Store) fail(ctx context.Context, op, table string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		s.logger.WithContext(ctx).WithFields(logrus.Fields{"operation": op, "table": table}).Debug("Conditional check failed")
		return apperror.ConditionalCheckFailed(op, err)
	}

	s.logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{"operation": op, "table": table}).Error("Store operation failed")
	appErr := apperror.CollaboratorFailure(op, http.StatusInternalServerError, "Error accessing table "+table, err)
	logship.RecordError(ctx, appErr, logrus.Fields{"table": table})
	return appErr
}
