// Package logging configures the process logger and enriches entries with the
// trace and Lambda request identifiers found in the entry context.
package logging

import (
	"io"
	"os"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/config"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Setup configures the standard logrus logger from cfg and returns it
func Setup(cfg *config.Config) *logrus.Logger {
	return Configure(logrus.StandardLogger(), cfg, os.Stdout)
}

// Configure applies level, format and hooks to logger
func Configure(logger *logrus.Logger, cfg *config.Config, out io.Writer) *logrus.Logger {
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Logs.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logs.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	// Reconfiguring replaces the previous ContextHook instead of stacking another
	hooks := make(logrus.LevelHooks)
	for level, existing := range logger.Hooks {
		for _, h := range existing {
			if _, ok := h.(*ContextHook); !ok {
				hooks[level] = append(hooks[level], h)
			}
		}
	}
	hooks.Add(&ContextHook{FunctionName: cfg.FunctionName})
	logger.ReplaceHooks(hooks)
	return logger
}

// ContextHook adds trace_id, span_id and aws_request_id to entries logged with
// a context, and the function name to every entry.
type ContextHook struct {
	FunctionName string
}

// Levels returns the levels the hook fires on
func (h *ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire enriches the entry
func (h *ContextHook) Fire(entry *logrus.Entry) error {
	if h.FunctionName != "" {
		if _, ok := entry.Data["function"]; !ok {
			entry.Data["function"] = h.FunctionName
		}
	}

	ctx := entry.Context
	if ctx == nil {
		return nil
	}

	if lc, ok := lambdacontext.FromContext(ctx); ok {
		entry.Data["aws_request_id"] = lc.AwsRequestID
	}

	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		entry.Data["trace_id"] = spanCtx.TraceID().String()
		entry.Data["span_id"] = spanCtx.SpanID().String()
		if spanCtx.IsSampled() {
			entry.Data["trace_sampled"] = true
		}
	}

	return nil
}
