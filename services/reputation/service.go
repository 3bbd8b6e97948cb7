package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"gigpay-core/pkg/config"
	"gigpay-core/pkg/db/option"
	"gigpay-core/pkg/errutil"
	"gigpay-core/services/ledger"
	"gigpay-core/services/worker"
)

type Service struct {
	store *ledger.Store
	node  *snowflake.Node
	cfg   *config.Config
}

type Params struct {
	fx.In
	Store  *ledger.Store
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p Params) *Service {
	return &Service{store: p.Store, node: p.Node, cfg: p.Config}
}

type RecordParams struct {
	WorkerID string
	Kind     Kind
	TaskID   *string
	Rating   *float64
	// Delta is honored only for manual adjustments; all other kinds derive it.
	Delta int64
	// InWorkerFavor only matters for dispute_resolved: a resolution against
	// the worker records a zero-delta event.
	InWorkerFavor bool
	Reason        string
	Actor         string
}

// Record appends a reputation event and moves the worker's score projection,
// clamped to [0, 1000]. Must run inside a store transaction holding the
// worker lock.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, p RecordParams) (*Event, error) {
	delta, err := s.deltaFor(p)
	if err != nil {
		return nil, err
	}

	var w worker.Worker
	if err := tx.WithContext(ctx).Where("id = ?", p.WorkerID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("worker not found", err)
		}
		return nil, err
	}

	previous := w.ReputationScore
	next := clamp(previous + delta)

	ev := &Event{
		ID:            s.node.Generate().String(),
		WorkerID:      p.WorkerID,
		Kind:          p.Kind,
		Delta:         delta,
		PreviousScore: previous,
		NewScore:      next,
		Rating:        p.Rating,
		TaskID:        p.TaskID,
		Reason:        p.Reason,
		Actor:         p.Actor,
		CreatedAt:     time.Now(),
	}
	if err := tx.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&worker.Worker{}).Where("id = ?", p.WorkerID).
		Updates(map[string]any{
			"reputation_score": next,
			"updated_at":       time.Now(),
		}).Error; err != nil {
		return nil, err
	}

	return ev, nil
}

// Adjust applies an operator manual adjustment as its own store transaction.
func (s *Service) Adjust(ctx context.Context, workerID string, delta int64, reason, actor string) (*Event, error) {
	var ev *Event
	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.store.LockWorker(ctx, tx, workerID); err != nil {
			return err
		}
		var err error
		ev, err = s.Record(ctx, tx, RecordParams{
			WorkerID: workerID,
			Kind:     KindManualAdjustment,
			Delta:    delta,
			Reason:   reason,
			Actor:    actor,
		})
		if err != nil {
			return err
		}
		return s.store.Audit(ctx, tx, "reputation_event", ev.ID, "reputation.adjusted", actor, nil, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// deltaFor derives the score movement for an event kind.
func (s *Service) deltaFor(p RecordParams) (int64, error) {
	switch p.Kind {
	case KindTaskCompleted:
		if p.Rating != nil && *p.Rating >= s.cfg.Reputation.QualityThreshold {
			return 15, nil
		}
		return 10, nil
	case KindTaskLate:
		return -5, nil
	case KindDisputeFiled:
		return -20, nil
	case KindDisputeResolved:
		if p.InWorkerFavor {
			return 10, nil
		}
		return 0, nil
	case KindRatingReceived:
		if p.Rating == nil {
			return 0, errutil.ValidationFailed("rating_received event requires a rating", nil)
		}
		return int64(math.Round((*p.Rating - 3) * 5)), nil
	case KindLoanDefaulted:
		return s.cfg.Loan.DefaultPenaltyDelta, nil
	case KindManualAdjustment:
		return p.Delta, nil
	default:
		return 0, errutil.ValidationFailed(fmt.Sprintf("unknown reputation event kind %q", p.Kind), nil)
	}
}

// Rebuild replays the worker's event log from the base score. The result must
// equal the projection on the worker row; a mismatch means the projection
// drifted and is worth alerting on.
func (s *Service) Rebuild(ctx context.Context, workerID string) (int64, error) {
	var events []Event
	if err := s.store.DB().WithContext(ctx).
		Where("worker_id = ?", workerID).
		Order("created_at ASC, id ASC").
		Find(&events).Error; err != nil {
		return 0, err
	}

	score := int64(BaseScore)
	for _, ev := range events {
		score = clamp(score + ev.Delta)
	}
	return score, nil
}

// History returns the event log newest-first.
func (s *Service) History(ctx context.Context, workerID string, limit int) ([]Event, error) {
	q := option.Apply(
		s.store.DB().WithContext(ctx).Where("worker_id = ?", workerID),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithLimit(limit),
	)

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
