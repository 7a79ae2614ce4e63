package lambda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/adapters/httpclient"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/adapters/invoker"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/adapters/kvstore"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/adapters/tracing"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/config"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/invocation"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logging"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/logship"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/snapshot"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/validation"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/sirupsen/logrus"
)

// Clients are the AWS service clients a Runtime talks to
type Clients struct {
	Logs   logship.LogsAPI
	Lambda invoker.LambdaAPI
	Dynamo kvstore.DynamoAPI
}

// Runtime holds the process-wide dependencies of a function. It is built once
// per container and reused by every invocation; per-invocation state lives in
// invocation.Invocation.
type Runtime struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Tracer  *tracing.Tracer
	Invoker *invoker.Invoker
	Store   *kvstore.Store
	HTTP    *httpclient.Client
	Shipper *logship.Shipper
	Masker  *snapshot.Masker
	Gate    *validation.Gate

	mu       sync.RWMutex
	lastUsed time.Time
}

var (
	globalRuntime *Runtime
	globalErr     error
	runtimeOnce   sync.Once
)

// GetRuntime returns the process runtime, building it from the environment on first use
func GetRuntime(ctx context.Context) (*Runtime, error) {
	runtimeOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			globalErr = fmt.Errorf("failed to load configuration: %w", err)
			return
		}
		globalRuntime, globalErr = NewRuntime(ctx, cfg)
	})
	return globalRuntime, globalErr
}

// NewRuntime sets up logging and tracing and creates the AWS clients for cfg
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	logger := logging.Setup(cfg)

	tracer, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.FunctionName,
		Environment: cfg.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	tracing.InstrumentAWS(&awsCfg)

	clients := Clients{
		Logs:   cloudwatchlogs.NewFromConfig(awsCfg),
		Lambda: awslambdasvc.NewFromConfig(awsCfg),
		Dynamo: dynamodb.NewFromConfig(awsCfg),
	}

	return Assemble(cfg, logger, tracer, clients)
}

// Assemble builds a Runtime from already constructed parts
func Assemble(cfg *config.Config, logger *logrus.Logger, tracer *tracing.Tracer, clients Clients) (*Runtime, error) {
	masker, err := snapshot.NewMasker(cfg.Logs.SecretFieldPattern, cfg.Logs.UnmaskedFields)
	if err != nil {
		return nil, fmt.Errorf("failed to compile secret field pattern: %w", err)
	}

	var logs logship.LogsAPI
	if cfg.HasLogGroup() {
		logs = clients.Logs
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Tracer:   tracer,
		Invoker:  invoker.New(clients.Lambda, cfg.Environment, logger),
		Store:    kvstore.New(clients.Dynamo, logger),
		HTTP:     httpclient.New(cfg.HTTP.Timeout, logger),
		Shipper:  logship.NewShipper(logs, cfg.Logs.GroupName, cfg.FunctionName, masker, logship.WithLogger(logger)),
		Masker:   masker,
		Gate:     validation.NewGateFromConfig(cfg),
		lastUsed: time.Now(),
	}

	logger.WithFields(logrus.Fields{
		"function":        cfg.FunctionName,
		"environment":     cfg.Environment,
		"mode":            config.GetDeploymentMode(),
		"log_group":       cfg.Logs.GroupName,
		"required_header": cfg.Params.RequiredHeaders,
		"required_body":   cfg.Params.RequiredBody,
	}).Debug("Runtime initialized")

	return rt, nil
}

// Deps returns the collaborators handed to each invocation
func (rt *Runtime) Deps() invocation.Deps {
	return invocation.Deps{
		FunctionName: rt.Config.FunctionName,
		Gate:         rt.Gate,
		Masker:       rt.Masker,
		Shipper:      rt.Shipper,
		Logger:       rt.Logger,
	}
}

// IsHealthy reports whether the runtime served a request recently
func (rt *Runtime) IsHealthy() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return time.Since(rt.lastUsed) < 5*time.Minute
}

// UpdateLastUsed updates the last used timestamp
func (rt *Runtime) UpdateLastUsed() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lastUsed = time.Now()
}

// Shutdown flushes and stops the tracer
func (rt *Runtime) Shutdown(ctx context.Context) error {
	return rt.Tracer.Shutdown(ctx)
}
