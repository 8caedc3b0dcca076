package commission

import (
	"context"
	"encoding/json"
	"fmt"

	"smallbiznis-referral/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type DistributePayload struct {
	UserID string `json:"user_id"`
}

// NewDistributeTask builds the task for one confirmed join payment. The task
// id is derived from the user so a payment is never enqueued twice, and
// retries are disabled because legs that already moved value are not
// reversible.
func NewDistributeTask(userID string) (*asynq.Task, error) {
	payload, err := json.Marshal(DistributePayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.CommissionDistribute, payload,
		asynq.Queue("critical"),
		asynq.MaxRetry(0),
		asynq.TaskID(taskname.CommissionDistribute+":"+userID),
	), nil
}

func (d *Distributor) HandleDistributeTask(ctx context.Context, t *asynq.Task) error {
	var payload DistributePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("user_id", payload.UserID),
	)
	zapLog.Info("start commission distribution task")

	account, err := d.store.MustFindUser(ctx, payload.UserID)
	if err != nil {
		zapLog.Error("failed to find account", zap.Error(err))
		return err
	}

	if !account.Joined {
		zapLog.Warn("account has not joined, skipping distribution")
		return nil
	}

	if _, err := d.Distribute(ctx, account); err != nil {
		return err
	}

	zapLog.Info("commission distribution task done")
	return nil
}
