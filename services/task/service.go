package task

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
	"gigpay-core/services/loan"
	"gigpay-core/services/reputation"
	"gigpay-core/services/stream"
	"gigpay-core/services/transaction"
)

type Service struct {
	store      *ledger.Store
	node       *snowflake.Node
	txn        *transaction.Service
	streams    *stream.Service
	loans      *loan.Service
	reputation *reputation.Service
	cfg        *config.Config
}

type Params struct {
	fx.In
	Store      *ledger.Store
	Node       *snowflake.Node
	Txn        *transaction.Service
	Streams    *stream.Service
	Loans      *loan.Service
	Reputation *reputation.Service
	Config     *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		store:      p.Store,
		node:       p.Node,
		txn:        p.Txn,
		streams:    p.Streams,
		loans:      p.Loans,
		reputation: p.Reputation,
		cfg:        p.Config,
	}
}

type CreateParams struct {
	PlatformID        string
	WorkerID          string
	Type              Type
	Title             string
	PaymentAmountUsdc int64
	ExpectedHours     float64
	DueAt             *time.Time
	Streaming         bool
	StreamTermDays    int
}

// Create registers a task. Without a worker it stays in status created until
// Assign; streaming tasks need the worker up front and open a payment stream
// alongside.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if p.PaymentAmountUsdc <= 0 {
		return nil, errutil.ValidationFailed("payment amount must be positive", nil)
	}
	if p.Type == TypeTimeBased && p.ExpectedHours <= 0 {
		return nil, errutil.ValidationFailed("time based tasks require expected hours", nil)
	}
	if p.Streaming && p.WorkerID == "" {
		return nil, errutil.ValidationFailed("streaming tasks require a worker", nil)
	}

	status := StatusCreated
	if p.WorkerID != "" {
		status = StatusAssigned
	}

	t := &Task{
		ID:                s.node.Generate().String(),
		PlatformID:        p.PlatformID,
		WorkerID:          p.WorkerID,
		Type:              p.Type,
		Status:            status,
		Title:             p.Title,
		PaymentAmountUsdc: p.PaymentAmountUsdc,
		ExpectedHours:     p.ExpectedHours,
		DueAt:             p.DueAt,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(t).Error; err != nil {
			return err
		}

		if p.Streaming {
			st, err := s.streams.Create(ctx, tx, stream.CreateParams{
				TaskID:          t.ID,
				WorkerID:        p.WorkerID,
				PlatformID:      p.PlatformID,
				TotalAmountUsdc: p.PaymentAmountUsdc,
				TermDays:        p.StreamTermDays,
			})
			if err != nil {
				return err
			}
			t.StreamID = &st.ID
			if err := tx.WithContext(ctx).Model(&Task{}).Where("id = ?", t.ID).
				Update("stream_id", st.ID).Error; err != nil {
				return err
			}
		}

		return s.store.Audit(ctx, tx, "task", t.ID, "task.created", p.PlatformID, nil, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.store.DB().WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("task not found", err)
		}
		return nil, err
	}
	return &t, nil
}

// Assign hands a created task to a worker.
func (s *Service) Assign(ctx context.Context, taskID, workerID string) (*Task, error) {
	var t *Task
	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		t, err = s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusCreated {
			return errutil.Conflict(fmt.Sprintf("cannot assign task in status %s", t.Status), nil)
		}
		if _, err := s.store.LockWorker(ctx, tx, workerID); err != nil {
			return err
		}

		before := *t
		t.WorkerID = workerID
		t.Status = StatusAssigned
		t.UpdatedAt = time.Now()
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}
		return s.store.Audit(ctx, tx, "task", t.ID, "task.assigned", t.PlatformID, before, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FileDispute freezes the task and docks the worker's reputation. The
// interrupted status is restored when the dispute resolves.
func (s *Service) FileDispute(ctx context.Context, taskID, reason, actor string) (*Task, error) {
	var t *Task
	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		t, err = s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		switch t.Status {
		case StatusAssigned, StatusInProgress, StatusCompleted:
		default:
			return errutil.Conflict(fmt.Sprintf("cannot dispute task in status %s", t.Status), nil)
		}

		if _, err := s.store.LockWorker(ctx, tx, t.WorkerID); err != nil {
			return err
		}

		before := *t
		t.PreDisputeStatus = t.Status
		t.Status = StatusDisputed
		t.UpdatedAt = time.Now()
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}

		if _, err := s.reputation.Record(ctx, tx, reputation.RecordParams{
			WorkerID: t.WorkerID,
			Kind:     reputation.KindDisputeFiled,
			TaskID:   &t.ID,
			Reason:   reason,
			Actor:    actor,
		}); err != nil {
			return err
		}

		return s.store.Audit(ctx, tx, "task", t.ID, "task.disputed", actor, before, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ResolveDispute closes a dispute and restores the interrupted status. Only a
// resolution in the worker's favor recovers reputation.
func (s *Service) ResolveDispute(ctx context.Context, taskID string, inWorkerFavor bool, reason, actor string) (*Task, error) {
	var t *Task
	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		t, err = s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusDisputed {
			return errutil.Conflict(fmt.Sprintf("cannot resolve dispute on task in status %s", t.Status), nil)
		}

		if _, err := s.store.LockWorker(ctx, tx, t.WorkerID); err != nil {
			return err
		}

		before := *t
		t.Status = t.PreDisputeStatus
		if t.Status == "" {
			t.Status = StatusCompleted
		}
		t.PreDisputeStatus = ""
		t.UpdatedAt = time.Now()
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}

		if _, err := s.reputation.Record(ctx, tx, reputation.RecordParams{
			WorkerID:      t.WorkerID,
			Kind:          reputation.KindDisputeResolved,
			TaskID:        &t.ID,
			InWorkerFavor: inWorkerFavor,
			Reason:        reason,
			Actor:         actor,
		}); err != nil {
			return err
		}

		return s.store.Audit(ctx, tx, "task", t.ID, "task.dispute_resolved", actor, before, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

type CompleteParams struct {
	TaskID      string
	WorkedHours float64
	Rating      *float64
}

// OnTaskCompleted marks the task completed and opens a payout intent for the
// amount earned. Repeated completion of the same task returns the original
// payout without creating a second one.
func (s *Service) OnTaskCompleted(ctx context.Context, p CompleteParams) (*transaction.Transaction, error) {
	if p.Rating != nil && (*p.Rating < 1 || *p.Rating > 5) {
		return nil, errutil.ValidationFailed("rating must be between 1 and 5", nil)
	}

	var payout *transaction.Transaction
	var created bool

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		t, err := s.lockTask(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if t.Status == StatusCancelled {
			return errutil.Conflict("task is cancelled", nil)
		}
		if t.Status == StatusDisputed {
			return errutil.Conflict("task is under dispute", nil)
		}
		if t.WorkerID == "" {
			return errutil.Conflict("task has no assigned worker", nil)
		}

		if _, err := s.store.LockWorker(ctx, tx, t.WorkerID); err != nil {
			return err
		}

		if t.Status != StatusCompleted {
			now := time.Now()
			before := *t
			t.Status = StatusCompleted
			t.CompletedAt = &now
			t.Rating = p.Rating
			if t.Type == TypeTimeBased {
				t.WorkedHours = p.WorkedHours
			}
			t.UpdatedAt = now
			if err := tx.WithContext(ctx).Save(t).Error; err != nil {
				return err
			}
			if err := s.store.Audit(ctx, tx, "task", t.ID, "task.completed", t.PlatformID, before, t); err != nil {
				return err
			}
		}

		// Streaming tasks are paid by the release scheduler, not a lump payout.
		if t.StreamID != nil {
			return s.streams.Complete(ctx, tx, *t.StreamID)
		}

		gross := s.payoutAmount(t)
		if gross <= 0 {
			// Fully paid already: redelivery returns the original payout.
			var existing transaction.Transaction
			err := tx.WithContext(ctx).
				Where("idempotency_key = ?", transaction.IdempotencyKey(t.ID, transaction.TypePayout)).
				First(&existing).Error
			if err == nil {
				payout = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return errutil.Conflict("task has no unpaid balance", nil)
		}

		w, err := s.store.LockWorker(ctx, tx, t.WorkerID)
		if err != nil {
			return err
		}

		// Loan repayment is withheld before the transfer goes out, so only
		// the net amount is ever submitted on chain.
		deduction, err := s.loans.PlanDeduction(ctx, tx, t.WorkerID, gross)
		if err != nil {
			return err
		}

		payout, created, err = s.txn.CreateIntent(ctx, tx, transaction.IntentParams{
			IdempotencyKey: transaction.IdempotencyKey(t.ID, transaction.TypePayout),
			Type:           transaction.TypePayout,
			TaskID:         &t.ID,
			WorkerID:       t.WorkerID,
			PlatformID:     t.PlatformID,
			AmountUsdc:     gross - deduction,
			DeductionUsdc:  deduction,
			FromWallet:     s.cfg.Chain.TreasuryWallet,
			ToWallet:       w.Wallet,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		if err := s.txn.EnqueueSubmit(ctx, payout.ID, 0); err != nil {
			return nil, err
		}
	}
	return payout, nil
}

// payoutAmount computes what the task has earned but not yet been paid.
// Time-based tasks earn proportionally to hours worked, capped at the total.
func (s *Service) payoutAmount(t *Task) int64 {
	earned := t.PaymentAmountUsdc
	if t.Type == TypeTimeBased && t.ExpectedHours > 0 {
		earned = int64(math.Round(float64(t.PaymentAmountUsdc) * t.WorkedHours / t.ExpectedHours))
		if earned > t.PaymentAmountUsdc {
			earned = t.PaymentAmountUsdc
		}
	}
	return earned - t.PaidAmountUsdc
}

// RecreatePayout re-issues a payout for a terminally failed transaction.
// Operator action; the failed row stays on the ledger.
func (s *Service) RecreatePayout(ctx context.Context, failedTxnID, actor string) (*transaction.Transaction, error) {
	var payout *transaction.Transaction

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var failed transaction.Transaction
		if err := option.LockingUpdate(tx.WithContext(ctx)).Where("id = ?", failedTxnID).First(&failed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("transaction not found", err)
			}
			return err
		}
		if failed.Status != transaction.StatusFailed {
			return errutil.Conflict("only terminally failed transactions can be re-issued", nil)
		}

		var err error
		payout, _, err = s.txn.CreateIntent(ctx, tx, transaction.IntentParams{
			IdempotencyKey: fmt.Sprintf("%s:reissue:%s", failed.IdempotencyKey, s.node.Generate().String()),
			Type:           failed.Type,
			TaskID:         failed.TaskID,
			WorkerID:       failed.WorkerID,
			PlatformID:     failed.PlatformID,
			LoanID:         failed.LoanID,
			StreamID:       failed.StreamID,
			AmountUsdc:     failed.AmountUsdc,
			DeductionUsdc:  failed.DeductionUsdc,
			FromWallet:     failed.FromWallet,
			ToWallet:       failed.ToWallet,
			Metadata:       failed.Metadata,
		})
		if err != nil {
			return err
		}

		return s.store.Audit(ctx, tx, "transaction", payout.ID, "transaction.reissued", actor, &failed, payout)
	})
	if err != nil {
		return nil, err
	}

	if err := s.txn.EnqueueSubmit(ctx, payout.ID, 0); err != nil {
		return nil, err
	}
	return payout, nil
}

func (s *Service) lockTask(ctx context.Context, tx *gorm.DB, id string) (*Task, error) {
	var t Task
	err := option.LockingUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("task not found", err)
		}
		return nil, err
	}
	return &t, nil
}
