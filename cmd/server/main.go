package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/config"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/handlers"
	"github.com/LeVarneBV/AWSLambdaHelper/pkg/lambda"
	"github.com/LeVarneBV/AWSLambdaHelper/pkg/server"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("Server stopped: %v", err)
	}
	logrus.Info("Server exited")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rt, err := lambda.NewRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if err := rt.Shutdown(context.Background()); err != nil {
			rt.Logger.WithError(err).Warn("Failed to shut down tracer")
		}
	}()

	echo := handlers.NewEchoHandler(rt.Store, cfg.Echo.TableName)
	srv := server.New(cfg, rt, rt.Wrap(echo.Handle))

	return srv.Run(ctx)
}
