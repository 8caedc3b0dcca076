package member

import "go.uber.org/fx"

// EligibilityModule is split out so the worker can refresh eligibility
// without the HTTP surface.
var EligibilityModule = fx.Module("member.eligibility",
	fx.Provide(NewEligibility),
)

var Module = fx.Module("member",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
