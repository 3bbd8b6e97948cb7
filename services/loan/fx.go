package loan

import "go.uber.org/fx"

var Module = fx.Module("loan.service",
	fx.Provide(NewService),
)
