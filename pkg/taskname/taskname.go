package taskname

const (
	// Settlement tasks
	SettlementTick  = "settlement:tick"
	SettlementForce = "settlement:force"

	// Commission tasks
	CommissionDistribute = "commission:distribute"

	// Transfer tasks
	TransferReconcile = "transfer:reconcile"
)
