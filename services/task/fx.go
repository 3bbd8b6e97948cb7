package task

import (
	"go.uber.org/fx"

	"gigpay-core/services/transaction"
)

var Module = fx.Module("task.service",
	fx.Provide(NewService),
	fx.Invoke(func(txn *transaction.Service, svc *Service) {
		txn.SetSettler(svc)
	}),
)
