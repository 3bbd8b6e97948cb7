package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgasynq "gigpay-core/pkg/asynq"
	"gigpay-core/pkg/config"
	"gigpay-core/pkg/db/option"
	"gigpay-core/pkg/errutil"
	"gigpay-core/pkg/sequence"
	"gigpay-core/services/chain"
	"gigpay-core/services/ledger"
)

// Settler applies the downstream effects of a confirmed transaction (task paid
// amount, loan deduction, reputation, aggregates) inside the same database
// transaction, under the worker lock.
type Settler interface {
	Settle(ctx context.Context, tx *gorm.DB, txn *Transaction) error
}

type Service struct {
	store *ledger.Store
	node  *snowflake.Node
	seq   sequence.Generator
	asynq *asynq.Client
	chain chain.Adapter
	cfg   *config.Config

	settler Settler
}

type Params struct {
	fx.In
	Store   *ledger.Store
	Node    *snowflake.Node
	Seq     sequence.Generator `optional:"true"`
	Asynq   *asynq.Client      `optional:"true"`
	Chain   chain.Adapter
	Config  *config.Config
	Settler Settler `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		store:   p.Store,
		node:    p.Node,
		seq:     p.Seq,
		asynq:   p.Asynq,
		chain:   p.Chain,
		cfg:     p.Config,
		settler: p.Settler,
	}
}

// SetSettler breaks the construction cycle between the state machine and the
// settlement flow; invoked once during fx wiring.
func (s *Service) SetSettler(settler Settler) {
	s.settler = settler
}

// IdempotencyKey builds the canonical caller-supplied key for a task-scoped
// intent. Re-submission with the same key returns the existing transaction.
func IdempotencyKey(taskID string, txType Type) string {
	return fmt.Sprintf("%s:%s", taskID, txType)
}

type IntentParams struct {
	IdempotencyKey string
	Type           Type
	TaskID         *string
	WorkerID       string
	PlatformID     string
	LoanID         *string
	StreamID       *string
	AmountUsdc     int64
	DeductionUsdc  int64
	FromWallet     string
	ToWallet       string
	Metadata       []byte
}

// CreateIntent records a new pending transaction inside tx, or returns the
// existing one when the idempotency key has been seen before.
func (s *Service) CreateIntent(ctx context.Context, tx *gorm.DB, p IntentParams) (*Transaction, bool, error) {
	if p.IdempotencyKey == "" {
		return nil, false, errutil.ValidationFailed("idempotency key is required", nil)
	}
	if p.AmountUsdc <= 0 {
		return nil, false, errutil.ValidationFailed("amount must be positive", nil)
	}
	if p.DeductionUsdc < 0 {
		return nil, false, errutil.ValidationFailed("deduction cannot be negative", nil)
	}

	var existing Transaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", p.IdempotencyKey).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	code := ""
	if s.seq != nil {
		code, err = s.seq.NextTransactionCode(ctx)
		if err != nil {
			zap.L().Warn("failed to generate transaction code", zap.Error(err))
		}
	}
	if code == "" {
		code = fmt.Sprintf("TXN-%s", s.node.Generate().String())
	}

	txn := &Transaction{
		ID:             s.node.Generate().String(),
		Code:           code,
		IdempotencyKey: p.IdempotencyKey,
		Type:           p.Type,
		Status:         StatusPending,
		TaskID:         p.TaskID,
		WorkerID:       p.WorkerID,
		PlatformID:     p.PlatformID,
		LoanID:         p.LoanID,
		StreamID:       p.StreamID,
		AmountUsdc:     p.AmountUsdc,
		DeductionUsdc:  p.DeductionUsdc,
		FromWallet:     p.FromWallet,
		ToWallet:       p.ToWallet,
		Metadata:       p.Metadata,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, false, err
	}

	return txn, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	var txn Transaction
	if err := s.store.DB().WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("transaction not found", err)
		}
		return nil, err
	}
	return &txn, nil
}

// EnqueueSubmit schedules the broadcast of a pending transaction.
func (s *Service) EnqueueSubmit(ctx context.Context, txnID string, delay time.Duration) error {
	if s.asynq == nil {
		return nil
	}
	payload := mustMarshal(pkgasynq.TransactionTaskPayload{TransactionID: txnID})
	task := asynq.NewTask(pkgasynq.TransactionSubmitTask, payload)

	opts := []asynq.Option{asynq.Queue("critical")}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err := s.asynq.EnqueueContext(ctx, task, opts...)
	return err
}

func (s *Service) enqueueConfirmPoll(ctx context.Context, txnID string) error {
	if s.asynq == nil {
		return nil
	}
	payload := mustMarshal(pkgasynq.TransactionTaskPayload{TransactionID: txnID})
	task := asynq.NewTask(pkgasynq.TransactionConfirmTask, payload)
	_, err := s.asynq.EnqueueContext(ctx, task,
		asynq.Queue("critical"),
		asynq.ProcessIn(s.cfg.Chain.ConfirmPollInterval),
	)
	return err
}

func (s *Service) enqueueWebhook(ctx context.Context, txnID string) {
	if s.asynq == nil {
		return
	}
	payload := mustMarshal(pkgasynq.WebhookDeliverPayload{TransactionID: txnID})
	task := asynq.NewTask(pkgasynq.WebhookDeliverTask, payload)
	if _, err := s.asynq.EnqueueContext(ctx, task,
		asynq.Queue("default"),
		asynq.MaxRetry(s.cfg.Webhook.MaxRetries),
	); err != nil {
		zap.L().Error("failed to enqueue webhook delivery", zap.String("transaction_id", txnID), zap.Error(err))
	}
}

// MarkSubmitted records acceptance for broadcast and the assigned tx hash.
func (s *Service) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		txn, err := s.lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		if txn.Status == StatusSubmitted && txn.TxHash == txHash {
			return nil
		}
		if !canTransition(txn.Status, StatusSubmitted) {
			return errutil.Conflict(fmt.Sprintf("cannot submit transaction in status %s", txn.Status), nil)
		}

		now := time.Now()
		before := *txn
		updates := map[string]any{
			"status":       StatusSubmitted,
			"tx_hash":      txHash,
			"submitted_at": now,
			"updated_at":   now,
		}
		if err := tx.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		txn.Status = StatusSubmitted
		txn.TxHash = txHash
		return s.store.Audit(ctx, tx, "transaction", id, "transaction.submitted", "system", before, txn)
	})
}

// Confirm finalizes the transaction and settles its downstream effects as one
// ordered unit under the worker lock. Confirmed rows are immutable; a repeat
// call is a no-op.
func (s *Service) Confirm(ctx context.Context, id string, confirmations int64) error {
	var settled *Transaction

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		txn, err := s.lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		if txn.Status == StatusConfirmed {
			return nil
		}
		if !canTransition(txn.Status, StatusConfirmed) {
			return errutil.Conflict(fmt.Sprintf("cannot confirm transaction in status %s", txn.Status), nil)
		}

		if _, err := s.store.LockWorker(ctx, tx, txn.WorkerID); err != nil {
			return err
		}

		now := time.Now()
		before := *txn
		updates := map[string]any{
			"status":        StatusConfirmed,
			"confirmations": confirmations,
			"confirmed_at":  now,
			"updated_at":    now,
		}
		if err := tx.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		txn.Status = StatusConfirmed
		txn.Confirmations = confirmations
		txn.ConfirmedAt = &now

		if s.settler != nil {
			if err := s.settler.Settle(ctx, tx, txn); err != nil {
				return err
			}
		}

		if err := s.store.Audit(ctx, tx, "transaction", id, "transaction.confirmed", "system", before, txn); err != nil {
			return err
		}

		settled = txn
		return nil
	})
	if err != nil {
		return err
	}

	if settled != nil {
		s.enqueueWebhook(ctx, settled.ID)
	}
	return nil
}

// MarkFailed applies the retry policy: re-enter pending with exponential
// backoff while retries remain, otherwise terminal failed with a
// reconciliation alert. The failed row is never silently dropped.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	var retryDelay time.Duration
	var retry bool

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		txn, err := s.lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		if txn.Status == StatusFailed {
			return nil
		}
		if !canTransition(txn.Status, StatusFailed) {
			return errutil.Conflict(fmt.Sprintf("cannot fail transaction in status %s", txn.Status), nil)
		}

		before := *txn
		now := time.Now()
		retryCount := txn.RetryCount + 1

		if retryCount < s.cfg.Chain.MaxRetries {
			retryDelay = s.Backoff(retryCount)
			retry = true
			next := now.Add(retryDelay)
			updates := map[string]any{
				"status":          StatusPending,
				"retry_count":     retryCount,
				"tx_hash":         "",
				"failure_reason":  reason,
				"next_attempt_at": next,
				"updated_at":      now,
			}
			if err := tx.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				return err
			}
			txn.Status = StatusPending
			txn.RetryCount = retryCount
			return s.store.Audit(ctx, tx, "transaction", id, "transaction.retry", "system", before, txn)
		}

		updates := map[string]any{
			"status":         StatusFailed,
			"retry_count":    retryCount,
			"failure_reason": reason,
			"updated_at":     now,
		}
		if err := tx.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		txn.Status = StatusFailed
		txn.RetryCount = retryCount
		zap.L().Error("transaction terminally failed, manual reconciliation required",
			zap.String("transaction_id", id),
			zap.Int("retry_count", retryCount),
			zap.String("reason", reason),
		)
		return s.store.Audit(ctx, tx, "transaction", id, "transaction.failed.terminal", "system", before, txn)
	})
	if err != nil {
		return err
	}

	if retry {
		return s.EnqueueSubmit(ctx, id, retryDelay)
	}
	return nil
}

// Cancel is allowed only before broadcast.
func (s *Service) Cancel(ctx context.Context, id, actor string) error {
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		txn, err := s.lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		if txn.TxHash != "" {
			return errutil.Conflict("transaction already broadcast", nil)
		}
		if !canTransition(txn.Status, StatusCancelled) {
			return errutil.Conflict(fmt.Sprintf("cannot cancel transaction in status %s", txn.Status), nil)
		}

		before := *txn
		if err := tx.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).Updates(map[string]any{
			"status":     StatusCancelled,
			"updated_at": time.Now(),
		}).Error; err != nil {
			return err
		}

		txn.Status = StatusCancelled
		return s.store.Audit(ctx, tx, "transaction", id, "transaction.cancelled", actor, before, txn)
	})
}

// Backoff returns the delay before retry attempt n (1-based):
// base doubled per attempt, capped.
func (s *Service) Backoff(retryCount int) time.Duration {
	delay := s.cfg.Chain.RetryBackoffBase
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= s.cfg.Chain.RetryBackoffCap {
			return s.cfg.Chain.RetryBackoffCap
		}
	}
	if delay > s.cfg.Chain.RetryBackoffCap {
		return s.cfg.Chain.RetryBackoffCap
	}
	return delay
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (s *Service) lockTransaction(ctx context.Context, tx *gorm.DB, id string) (*Transaction, error) {
	var txn Transaction
	err := option.LockingUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("transaction not found", err)
		}
		return nil, err
	}
	return &txn, nil
}
