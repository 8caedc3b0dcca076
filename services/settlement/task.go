package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"smallbiznis-referral/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type TickPayload struct {
	Force bool `json:"force"`
}

type ReconcilePayload struct {
	Limit int `json:"limit"`
}

func NewTickTask(force bool) (*asynq.Task, error) {
	payload, err := json.Marshal(TickPayload{Force: force})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.SettlementTick, payload,
		asynq.Queue("critical"),
		asynq.MaxRetry(0),
	), nil
}

func NewReconcileTask(limit int) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcilePayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.TransferReconcile, payload,
		asynq.Queue("low"),
		asynq.MaxRetry(1),
	), nil
}

func (s *Scheduler) HandleTickTask(ctx context.Context, t *asynq.Task) error {
	var payload TickPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	zap.L().Info("start settlement tick task", zap.String("task_type", t.Type()), zap.Bool("force", payload.Force))
	return s.Tick(ctx, payload.Force)
}

// HandleForceTask runs both jobs regardless of their checkpoints.
func (s *Scheduler) HandleForceTask(ctx context.Context, t *asynq.Task) error {
	zap.L().Info("start forced settlement task", zap.String("task_type", t.Type()))
	return s.Tick(ctx, true)
}

func (s *Scheduler) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	settled, err := s.executor.Reconcile(ctx, payload.Limit)
	if err != nil {
		return err
	}

	zap.L().Info("reconcile task done", zap.String("task_type", t.Type()), zap.Int("settled", settled))
	return nil
}
