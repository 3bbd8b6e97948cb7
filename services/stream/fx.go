package stream

import "go.uber.org/fx"

var Module = fx.Module("stream.service",
	fx.Provide(NewService),
)

// SchedulerModule is wired only into the worker binary.
var SchedulerModule = fx.Module("stream.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(RunScheduler),
)
