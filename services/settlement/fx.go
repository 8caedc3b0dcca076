package settlement

import (
	"smallbiznis-referral/services/member"

	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(
		NewScheduler,
		func(s *Scheduler) member.Ticker { return s },
	),
)

// RunnerModule drives the scheduler from inside the API process.
var RunnerModule = fx.Module("settlement.runner",
	fx.Provide(NewRunner),
	fx.Invoke(StartRunner),
)
