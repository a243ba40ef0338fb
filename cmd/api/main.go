package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-course-purchase/internal/app"
	"github.com/imrishuroy/go-course-purchase/internal/config"
	"github.com/imrishuroy/go-course-purchase/internal/handlers"
	"github.com/imrishuroy/go-course-purchase/internal/logging"
	"github.com/imrishuroy/go-course-purchase/internal/metrics"
)

func main() {
	cfg := config.MustLoad()
	log := logging.New(cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Register()

	svc, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Error("failed to wire services", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.Close()

	r := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.App.CORSAllowedOrigins(),
		Log:            log,
	}, svc.HandlerConfig())

	// RUN_LOCAL=true serves HTTP directly for development.
	if cfg.App.RunLocal {
		addr := ":" + cfg.App.Port
		log.Info("running local server", slog.String("addr", addr), slog.String("ledger", cfg.Ledger.Backend))
		if err := r.Run(addr); err != nil {
			log.Error("local server stopped", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
