package logship

import (
	"context"
	"encoding/json"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/snapshot"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogsAPI is the part of the CloudWatch Logs client used by the Shipper
type LogsAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Outcome describes what a flush did
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeConsole      Outcome = "console"
	OutcomeShipped      Outcome = "shipped"
	OutcomeEncodeFailed Outcome = "encode_failed"
	OutcomeStreamFailed Outcome = "stream_failed"
	OutcomeAppendFailed Outcome = "append_failed"
)

// FlushResult reports the outcome of a flush
type FlushResult struct {
	Outcome Outcome
	Stream  string
	Count   int
}

// Shipper ships a batch of records with a create-stream-then-append protocol.
// It is stateless between flushes and can be shared by invocations.
type Shipper struct {
	client       LogsAPI
	group        string
	functionName string
	masker       *snapshot.Masker
	logger       logrus.FieldLogger
	newID        func() string
}

// Option configures a Shipper
type Option func(*Shipper)

// WithLogger sets the local console logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Shipper) {
		s.logger = logger
	}
}

// WithIDGenerator replaces the random stream suffix generator
func WithIDGenerator(newID func() string) Option {
	return func(s *Shipper) {
		s.newID = newID
	}
}

// NewShipper creates a Shipper. An empty group or a nil client makes every
// flush fall back to the local console.
func NewShipper(client LogsAPI, group, functionName string, masker *snapshot.Masker, opts ...Option) *Shipper {
	s := &Shipper{
		client:       client,
		group:        group,
		functionName: functionName,
		masker:       masker,
		logger:       logrus.StandardLogger(),
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Flush ships records, each carrying the event and context of snap. Failures
// are logged locally and never returned: by the time Flush runs the response
// has already been delivered.
func (s *Shipper) Flush(ctx context.Context, records []Record, snap snapshot.Snapshot) FlushResult {
	if len(records) == 0 {
		return FlushResult{Outcome: OutcomeSkipped}
	}

	if s.group == "" || s.client == nil {
		s.toConsole(records)
		return FlushResult{Outcome: OutcomeConsole, Count: len(records)}
	}

	logEvents, err := s.encode(records, snap)
	if err != nil {
		s.logger.WithError(err).Error("An error occurred processing log messages")
		return FlushResult{Outcome: OutcomeEncodeFailed, Count: len(records)}
	}

	stream := s.functionName + "/" + s.newID()
	_, err = s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(stream),
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"log_group":  s.group,
			"log_stream": stream,
		}).Error("An error occurred creating a new log stream")
		return FlushResult{Outcome: OutcomeStreamFailed, Stream: stream, Count: len(records)}
	}

	_, err = s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(stream),
		LogEvents:     logEvents,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"log_group":  s.group,
			"log_stream": stream,
		}).Error("An error occurred posting log messages to stream")
		return FlushResult{Outcome: OutcomeAppendFailed, Stream: stream, Count: len(records)}
	}

	s.logger.WithFields(logrus.Fields{
		"log_group":  s.group,
		"log_stream": stream,
		"records":    len(records),
	}).Debug("Log records shipped")

	return FlushResult{Outcome: OutcomeShipped, Stream: stream, Count: len(records)}
}

func (s *Shipper) encode(records []Record, snap snapshot.Snapshot) ([]types.InputLogEvent, error) {
	logEvents := make([]types.InputLogEvent, 0, len(records))
	for _, record := range records {
		fields, err := s.safeFields(record)
		if err != nil {
			return nil, err
		}
		fields["event"] = snap.Event
		fields["context"] = snap.Context

		message, err := json.MarshalIndent(fields, "", "  ")
		if err != nil {
			return nil, err
		}

		logEvents = append(logEvents, types.InputLogEvent{
			Message:   aws.String(string(message)),
			Timestamp: aws.Int64(record.Time.UnixMilli()),
		})
	}
	return logEvents, nil
}

func (s *Shipper) toConsole(records []Record) {
	s.logger.Info("No log group available in environment variables, not posting messages")

	batch := make([]map[string]any, 0, len(records))
	for _, record := range records {
		fields, err := s.safeFields(record)
		if err != nil {
			fields = map[string]any{FieldMessage: "unencodable log record", "error": err.Error()}
		}
		batch = append(batch, fields)
	}

	out, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		s.logger.WithError(err).Error("An error occurred processing log messages")
		return
	}
	s.logger.WithField("records", len(records)).Info("Messages received for logging:\n" + string(out))
}

// safeFields normalises the record through JSON so nested values of any type
// are plain maps, then masks secret keys.
func (s *Shipper) safeFields(record Record) (map[string]any, error) {
	raw, err := json.Marshal(record.Fields)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if s.masker != nil {
		fields = s.masker.Fields(fields)
	}
	return fields, nil
}
