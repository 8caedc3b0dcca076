package transfer

import "go.uber.org/fx"

var Module = fx.Module("transfer.executor",
	fx.Provide(NewExecutor),
)
