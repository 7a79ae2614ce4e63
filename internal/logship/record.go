// Package logship accumulates structured diagnostics raised during one
// invocation and ships them as a single batch to CloudWatch Logs once the
// response has been delivered.
package logship

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	FieldLevel        = "level"
	FieldTime         = "time"
	FieldFunctionName = "functionName"
	FieldMessage      = "message"
)

// Record is one diagnostic entry. Fields holds the merged payload, Time the
// timestamp used when the record is shipped.
type Record struct {
	Time   time.Time
	Fields logrus.Fields
}

// MarshalJSON encodes the merged fields
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields)
}

// fieldser is implemented by errors that carry their own structured fields
type fieldser interface {
	LogFields() logrus.Fields
}

// NewRecord merges caller options, the base fields and the error's own fields,
// in that order of increasing precedence. The error keeps any time it carries;
// otherwise the record is stamped with now.
func NewRecord(functionName string, level logrus.Level, err error, opts logrus.Fields, now time.Time) Record {
	errFields := ErrorFields(err)

	stamp := now
	if t, ok := parseTime(errFields[FieldTime]); ok {
		stamp = t
	}

	fields := make(logrus.Fields, len(opts)+len(errFields)+3)
	for k, v := range opts {
		fields[k] = v
	}
	fields[FieldLevel] = strings.ToUpper(level.String())
	fields[FieldTime] = now.UTC().Format(time.RFC3339Nano)
	fields[FieldFunctionName] = functionName
	for k, v := range errFields {
		fields[k] = v
	}

	return Record{Time: stamp, Fields: fields}
}

// ErrorFields returns a fresh copy of the structured fields of err
func ErrorFields(err error) logrus.Fields {
	fields := logrus.Fields{}
	if err == nil {
		return fields
	}
	var f fieldser
	if errors.As(err, &f) {
		for k, v := range f.LogFields() {
			fields[k] = v
		}
		if _, ok := fields[FieldMessage]; !ok {
			fields[FieldMessage] = err.Error()
		}
		return fields
	}
	fields[FieldMessage] = err.Error()
	return fields
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
