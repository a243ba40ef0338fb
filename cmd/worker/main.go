package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-course-purchase/internal/app"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
)

func main() {
	cfg := config.MustLoad()
	log := logging.New(cfg.App.LogLevel)
	slog.SetDefault(log)

	svc, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to wire services", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.Close()

	w := NewRetryWorker(svc.Processor, log)

	// RUN_LOCAL=true processes one message taken from LOCAL_SQS_BODY.
	if cfg.App.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Error("LOCAL_SQS_BODY is required when running locally")
			os.Exit(1)
		}
		resp, _ := w.Handle(context.Background(), events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if len(resp.BatchItemFailures) > 0 {
			os.Exit(1)
		}
		return
	}

	lambda.Start(w.Handle)
}
