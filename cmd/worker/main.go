package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	pkgasynq "gigpay-core/pkg/asynq"
	"gigpay-core/pkg/config"
	"gigpay-core/pkg/db"
	"gigpay-core/pkg/logger"
	"gigpay-core/pkg/redis"
	"gigpay-core/pkg/sequence"
	"gigpay-core/services/chain"
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
		pkgasynq.Server,
		sequence.Module,
		chain.Module,
		fx.Provide(provideSnowflakeNode),
		ledger.Module,
		worker.Module,
		platform.Module,
		transaction.Module,
		stream.Module,
		stream.SchedulerModule,
		reputation.Module,
		loan.Module,
		task.Module,
		webhook.Module,
		fx.Invoke(
			registerHandlers,
			loan.RunDueCheckScheduler,
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
	return snowflake.NewNode(2)
}

func registerHandlers(
	mux *asynq.ServeMux,
	txns *transaction.Service,
	streams *stream.Service,
	loans *loan.Service,
	webhooks *webhook.Service,
) {
	mux.HandleFunc(pkgasynq.TransactionSubmitTask, txns.HandleSubmitTask)
	mux.HandleFunc(pkgasynq.TransactionConfirmTask, txns.HandleConfirmTask)
	mux.HandleFunc(pkgasynq.StreamReleaseTask, streams.HandleReleaseTask)
	mux.HandleFunc(pkgasynq.LoanDueCheckTask, loans.HandleDueCheckTask)
	mux.HandleFunc(pkgasynq.WebhookDeliverTask, webhooks.HandleDeliverTask)
}
