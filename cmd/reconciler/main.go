package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-course-purchase/internal/app"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/lifecycle"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
	"github.com/imrishuroy/go-course-purchase/internal/metrics"
)

func main() {
	cfg := config.MustLoad()
	log := logging.New(cfg.App.LogLevel)
	slog.SetDefault(log)
	metrics.Register()

	svc, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to wire services", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.Close()

	// RUN_LOCAL=true sweeps on a ticker until interrupted.
	if cfg.App.RunLocal {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		svc.Reconciler.Run(ctx)
		return
	}

	// deployed as a scheduled (EventBridge) lambda: one sweep per invocation
	lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) (lifecycle.Report, error) {
		return svc.Reconciler.RunOnce(ctx)
	})
}
