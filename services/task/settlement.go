package task

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gigpay-core/services/platform"
	"gigpay-core/services/reputation"
	"gigpay-core/services/transaction"
	"gigpay-core/services/worker"
)

// Settle applies the off-chain effects of a confirmed transaction. It runs
// inside the confirmation database transaction, after the worker row has been
// locked, so the payout, the loan deduction and the reputation events land as
// one ordered unit.
func (s *Service) Settle(ctx context.Context, tx *gorm.DB, txn *transaction.Transaction) error {
	switch txn.Type {
	case transaction.TypePayout:
		return s.settlePayout(ctx, tx, txn)
	case transaction.TypeAdvance:
		return s.loans.OnDisbursementConfirmed(ctx, tx, txn)
	case transaction.TypeRefund, transaction.TypeFee, transaction.TypeRepayment:
		return nil
	default:
		zap.L().Warn("no settlement handler for transaction type",
			zap.String("transaction_id", txn.ID),
			zap.String("type", string(txn.Type)),
		)
		return nil
	}
}

func (s *Service) settlePayout(ctx context.Context, tx *gorm.DB, txn *transaction.Transaction) error {
	taskDone := txn.StreamID == nil

	// Accrual bookkeeping runs on the gross amount; the repayment slice was
	// withheld from the transfer, not from what the worker earned.
	gross := txn.AmountUsdc + txn.DeductionUsdc

	if txn.TaskID != nil {
		if err := tx.WithContext(ctx).Model(&Task{}).Where("id = ?", *txn.TaskID).
			Update("paid_amount_usdc", gorm.Expr("paid_amount_usdc + ?", gross)).Error; err != nil {
			return err
		}
	}

	if txn.StreamID != nil {
		fullyReleased, err := s.streams.ApplyConfirmedRelease(ctx, tx, *txn.StreamID, gross)
		if err != nil {
			return err
		}
		taskDone = fullyReleased
	}

	updates := map[string]any{
		"total_earned_usdc": gorm.Expr("total_earned_usdc + ?", gross),
	}
	if taskDone {
		updates["completed_tasks"] = gorm.Expr("completed_tasks + 1")
	}
	if err := tx.WithContext(ctx).Model(&worker.Worker{}).Where("id = ?", txn.WorkerID).
		Updates(updates).Error; err != nil {
		return err
	}

	if err := tx.WithContext(ctx).Model(&platform.Platform{}).Where("id = ?", txn.PlatformID).
		Update("total_payouts_usdc", gorm.Expr("total_payouts_usdc + ?", gross)).Error; err != nil {
		return err
	}

	if taskDone && txn.TaskID != nil {
		if err := s.recordCompletionEvents(ctx, tx, txn); err != nil {
			return err
		}
	}

	// Settle the withheld slice against the loan balance.
	if _, err := s.loans.ApplyPayoutDeduction(ctx, tx, txn); err != nil {
		return err
	}

	return nil
}

func (s *Service) recordCompletionEvents(ctx context.Context, tx *gorm.DB, txn *transaction.Transaction) error {
	var t Task
	if err := tx.WithContext(ctx).Where("id = ?", *txn.TaskID).First(&t).Error; err != nil {
		return err
	}

	if _, err := s.reputation.Record(ctx, tx, reputation.RecordParams{
		WorkerID: t.WorkerID,
		Kind:     reputation.KindTaskCompleted,
		TaskID:   &t.ID,
		Rating:   t.Rating,
		Actor:    "system",
	}); err != nil {
		return err
	}

	if t.CompletedLate() {
		if _, err := s.reputation.Record(ctx, tx, reputation.RecordParams{
			WorkerID: t.WorkerID,
			Kind:     reputation.KindTaskLate,
			TaskID:   &t.ID,
			Actor:    "system",
		}); err != nil {
			return err
		}
	}

	if t.Rating != nil {
		if _, err := s.reputation.Record(ctx, tx, reputation.RecordParams{
			WorkerID: t.WorkerID,
			Kind:     reputation.KindRatingReceived,
			TaskID:   &t.ID,
			Rating:   t.Rating,
			Actor:    "system",
		}); err != nil {
			return err
		}
	}

	return nil
}
