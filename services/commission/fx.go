package commission

import "go.uber.org/fx"

var Module = fx.Module("commission.distributor",
	fx.Provide(NewDistributor),
)
