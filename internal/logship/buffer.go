package logship

import (
	"context"
	"sync"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/sirupsen/logrus"
)

// Recorder accepts diagnostics raised while handling an invocation
type Recorder interface {
	Record(level logrus.Level, err error, opts logrus.Fields)
}

// Buffer is the ordered record accumulator of a single invocation. It is safe
// for concurrent use by goroutines of that invocation, and is never shared
// between invocations.
type Buffer struct {
	mu           sync.Mutex
	functionName string
	records      []Record
	sealed       bool
	now          func() time.Time
	logger       logrus.FieldLogger
}

// NewBuffer creates an empty Buffer for functionName
func NewBuffer(functionName string, logger logrus.FieldLogger) *Buffer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Buffer{
		functionName: functionName,
		now:          time.Now,
		logger:       logger,
	}
}

// Record appends a record. Records raised after Seal are logged locally and dropped.
func (b *Buffer) Record(level logrus.Level, err error, opts logrus.Fields) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := NewRecord(b.functionName, level, err, opts, b.now())
	if b.sealed {
		b.logger.WithFields(record.Fields).Warn("Log record raised after flush, not shipping it")
		return
	}
	b.records = append(b.records, record)
}

// RecordError appends an ERROR record
func (b *Buffer) RecordError(err error, opts logrus.Fields) {
	b.Record(logrus.ErrorLevel, err, opts)
}

// Len returns the number of accumulated records
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Records returns a copy of the accumulated records in emission order
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// Seal stops accepting records and returns the ones accumulated so far
func (b *Buffer) Seal() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return append([]Record(nil), b.records...)
}

type recorderKey struct{}

// WithRecorder returns a copy of ctx carrying r
func WithRecorder(ctx context.Context, r Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFrom returns the Recorder carried by ctx, if any
func RecorderFrom(ctx context.Context) (Recorder, bool) {
	r, ok := ctx.Value(recorderKey{}).(Recorder)
	return r, ok && r != nil
}

// RecordError records err on the Recorder carried by ctx. Conditional check
// conflicts are expected outcomes and are never recorded.
func RecordError(ctx context.Context, err error, opts logrus.Fields) {
	if err == nil || apperror.IsConditionalCheckFailed(err) {
		return
	}
	if r, ok := RecorderFrom(ctx); ok {
		r.Record(logrus.ErrorLevel, err, opts)
	}
}
