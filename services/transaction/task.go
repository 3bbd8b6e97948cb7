package transaction

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	pkgasynq "gigpay-core/pkg/asynq"
	"gigpay-core/pkg/errutil"
)

// HandleSubmitTask broadcasts a pending transaction to the chain.
func (s *Service) HandleSubmitTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.TransactionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	txn, err := s.Get(ctx, payload.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status != StatusPending {
		zap.L().Info("skipping submit for non-pending transaction",
			zap.String("transaction_id", txn.ID),
			zap.String("status", string(txn.Status)),
		)
		return nil
	}

	txHash, err := s.chain.SubmitTransfer(ctx, txn.FromWallet, txn.ToWallet, txn.AmountUsdc, txn.IdempotencyKey)
	if err != nil {
		zap.L().Warn("chain submit failed",
			zap.String("transaction_id", txn.ID),
			zap.Int("retry_count", txn.RetryCount),
			zap.Error(err),
		)
		if errutil.IsRetriable(err) {
			return s.MarkFailed(ctx, txn.ID, err.Error())
		}
		return s.MarkFailed(ctx, txn.ID, "rejected by chain: "+err.Error())
	}

	if err := s.MarkSubmitted(ctx, txn.ID, txHash); err != nil {
		return err
	}
	return s.enqueueConfirmPoll(ctx, txn.ID)
}

// HandleConfirmTask polls confirmations for a submitted transaction and either
// confirms it, re-polls, or fails it when the submitted timeout elapses.
func (s *Service) HandleConfirmTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.TransactionTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	txn, err := s.Get(ctx, payload.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status != StatusSubmitted {
		return nil
	}

	confirmations, err := s.chain.GetConfirmations(ctx, txn.TxHash)
	if err != nil {
		zap.L().Warn("confirmation poll failed",
			zap.String("transaction_id", txn.ID),
			zap.String("tx_hash", txn.TxHash),
			zap.Error(err),
		)
		return s.enqueueConfirmPoll(ctx, txn.ID)
	}

	if confirmations >= s.cfg.Chain.ConfirmationThreshold {
		return s.Confirm(ctx, txn.ID, confirmations)
	}

	if txn.SubmittedAt != nil && time.Since(*txn.SubmittedAt) > s.cfg.Chain.SubmittedTimeout {
		return s.MarkFailed(ctx, txn.ID, "confirmation timeout")
	}

	return s.enqueueConfirmPoll(ctx, txn.ID)
}
