package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pkgasynq "gigpay-core/pkg/asynq"
	"gigpay-core/pkg/config"
	"gigpay-core/services/ledger"
)

// Scheduler scans for due streams and fans their releases out to the job
// queue. The scan only enqueues; all state moves in the release handler under
// the stream lock, so overlapping ticks are harmless.
type Scheduler struct {
	store  *ledger.Store
	client *asynq.Client
	cfg    *config.Config
}

type SchedulerParams struct {
	fx.In
	Store  *ledger.Store
	Client *asynq.Client
	Config *config.Config
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{store: p.Store, client: p.Client, cfg: p.Config}
}

func (s *Scheduler) Tick(ctx context.Context) error {
	var due []Stream
	if err := s.store.DB().WithContext(ctx).
		Where("status = ? AND next_release_at <= ?", StatusActive, time.Now()).
		Find(&due).Error; err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, st := range due {
		g.Go(func() error {
			payload, _ := json.Marshal(pkgasynq.StreamReleasePayload{StreamID: st.ID})
			task := asynq.NewTask(pkgasynq.StreamReleaseTask, payload)
			if _, err := s.client.EnqueueContext(gctx, task, asynq.Queue("default")); err != nil {
				zap.L().Error("failed to enqueue stream release",
					zap.String("stream_id", st.ID),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// RunScheduler ticks the scan loop on the configured interval for the life of
// the application.
func RunScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(s.cfg.Stream.TickInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
							zap.L().Error("stream release scan failed", zap.Error(err))
						}
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
