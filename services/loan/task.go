package loan

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	pkgasynq "gigpay-core/pkg/asynq"
)

// HandleDueCheckTask defaults every outstanding loan past its due date.
func (s *Service) HandleDueCheckTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.LoanDueCheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	var overdue []Loan
	if err := s.store.DB().WithContext(ctx).
		Where("status IN ? AND due_at <= ?", OutstandingStatuses, asOf).
		Find(&overdue).Error; err != nil {
		return err
	}

	for _, ln := range overdue {
		if err := s.MarkDefaulted(ctx, ln.ID); err != nil {
			zap.L().Error("failed to default overdue loan",
				zap.String("loan_id", ln.ID),
				zap.Error(err),
			)
			return err
		}
	}

	if len(overdue) > 0 {
		zap.L().Info("defaulted overdue loans", zap.Int("count", len(overdue)))
	}
	return nil
}

// RunDueCheckScheduler enqueues loan:due_check once per day at midnight UTC.
func RunDueCheckScheduler(lc fx.Lifecycle, client *asynq.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				for {
					now := time.Now().UTC()
					nextRun := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
					select {
					case <-ctx.Done():
						return
					case <-time.After(nextRun.Sub(now)):
					}

					payload, _ := json.Marshal(pkgasynq.LoanDueCheckPayload{AsOf: time.Now()})
					task := asynq.NewTask(pkgasynq.LoanDueCheckTask, payload)
					if _, err := client.EnqueueContext(ctx, task, asynq.Queue("low")); err != nil {
						zap.L().Error("failed to enqueue loan due check", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
