package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	pkgasynq "gigpay-core/pkg/asynq"
	"gigpay-core/pkg/config"
	"gigpay-core/pkg/db"
	"gigpay-core/pkg/logger"
	"gigpay-core/pkg/redis"
	"gigpay-core/pkg/sequence"
	"gigpay-core/pkg/server"
	"gigpay-core/services/chain"
	"gigpay-core/services/httpapi"
	"gigpay-core/services/ledger"
	"gigpay-core/services/loan"
	"gigpay-core/services/platform"
	"gigpay-core/services/reputation"
	"gigpay-core/services/stream"
	"gigpay-core/services/task"
	"gigpay-core/services/transaction"
	"gigpay-core/services/webhook"
	"gigpay-core/services/worker"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		sequence.Module,
		chain.Module,
		fx.Provide(
			provideSnowflakeNode,
			provideTracerProvider,
			server.ProvideHTTPServer,
		),
		ledger.Module,
		worker.Module,
		platform.Module,
		transaction.Module,
		stream.Module,
		reputation.Module,
		loan.Module,
		task.Module,
		webhook.Module,
		httpapi.Module,
		fx.Invoke(
			db.Otel,
			db.Metric,
			server.Run,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}
