package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gigpay-core/pkg/config"
	"gigpay-core/pkg/db/option"
	"gigpay-core/pkg/errutil"
	"gigpay-core/pkg/sequence"
	"gigpay-core/services/chain"
	"gigpay-core/services/ledger"
	"gigpay-core/services/loan"
	"gigpay-core/services/transaction"
)

type Service struct {
	store *ledger.Store
	node  *snowflake.Node
	seq   sequence.Generator
	txn   *transaction.Service
	loans *loan.Service
	chain chain.Adapter
	cfg   *config.Config
}

type Params struct {
	fx.In
	Store  *ledger.Store
	Node   *snowflake.Node
	Seq    sequence.Generator `optional:"true"`
	Txn    *transaction.Service
	Loans  *loan.Service `optional:"true"`
	Chain  chain.Adapter
	Config *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		store: p.Store,
		node:  p.Node,
		seq:   p.Seq,
		txn:   p.Txn,
		loans: p.Loans,
		chain: p.Chain,
		cfg:   p.Config,
	}
}

type CreateParams struct {
	TaskID                 string
	WorkerID               string
	PlatformID             string
	TotalAmountUsdc        int64
	TermDays               int
	ReleaseIntervalSeconds int64
	OnchainStreamID        string
}

// Create opens a stream for a task inside the caller's transaction.
func (s *Service) Create(ctx context.Context, tx *gorm.DB, p CreateParams) (*Stream, error) {
	if p.TotalAmountUsdc <= 0 {
		return nil, errutil.ValidationFailed("stream total must be positive", nil)
	}
	if p.TermDays <= 0 {
		return nil, errutil.ValidationFailed("stream term must be positive", nil)
	}
	if p.ReleaseIntervalSeconds <= 0 {
		p.ReleaseIntervalSeconds = 3600
	}

	code := ""
	if s.seq != nil {
		var err error
		code, err = s.seq.NextStreamCode(ctx)
		if err != nil {
			zap.L().Warn("failed to generate stream code", zap.Error(err))
		}
	}
	if code == "" {
		code = fmt.Sprintf("STR-%s", s.node.Generate().String())
	}

	now := time.Now()
	st := &Stream{
		ID:                     s.node.Generate().String(),
		Code:                   code,
		TaskID:                 p.TaskID,
		WorkerID:               p.WorkerID,
		PlatformID:             p.PlatformID,
		ContractAddress:        s.cfg.Chain.ContractAddress,
		OnchainStreamID:        p.OnchainStreamID,
		TotalAmountUsdc:        p.TotalAmountUsdc,
		StartAt:                now,
		EndAt:                  now.AddDate(0, 0, p.TermDays),
		ReleaseIntervalSeconds: p.ReleaseIntervalSeconds,
		NextReleaseAt:          now.Add(time.Duration(p.ReleaseIntervalSeconds) * time.Second),
		Status:                 StatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := tx.WithContext(ctx).Create(st).Error; err != nil {
		return nil, err
	}
	if err := s.store.Audit(ctx, tx, "stream", st.ID, "stream.created", p.PlatformID, nil, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Stream, error) {
	var st Stream
	if err := s.store.DB().WithContext(ctx).Where("id = ?", id).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("stream not found", err)
		}
		return nil, err
	}
	return &st, nil
}

// OpenRelease creates the payout for whatever the schedule has accrued beyond
// releasedAmount. Zero accrual or an in-flight release advances the clock and
// does nothing else; releasedAmount itself only moves on confirmation.
func (s *Service) OpenRelease(ctx context.Context, streamID string) error {
	var payout *transaction.Transaction
	var created bool

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		st, err := s.lockStream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		if st.Status != StatusActive {
			return nil
		}

		now := time.Now()

		// One release in flight at a time keeps the confirmed total and the
		// ledger reconcilable.
		var inflight int64
		if err := tx.WithContext(ctx).Model(&transaction.Transaction{}).
			Where("stream_id = ? AND status IN ?", st.ID,
				[]transaction.Status{transaction.StatusPending, transaction.StatusSubmitted}).
			Count(&inflight).Error; err != nil {
			return err
		}
		if inflight > 0 {
			return s.advanceClock(ctx, tx, st, now)
		}

		target := st.ReleaseTarget(now)
		delta := target - st.ReleasedAmountUsdc
		if delta <= 0 {
			return s.advanceClock(ctx, tx, st, now)
		}

		w, err := s.store.LockWorker(ctx, tx, st.WorkerID)
		if err != nil {
			return err
		}

		var deduction int64
		if s.loans != nil {
			deduction, err = s.loans.PlanDeduction(ctx, tx, st.WorkerID, delta)
			if err != nil {
				return err
			}
		}

		meta, _ := json.Marshal(map[string]int64{"release_target_usdc": target})
		payout, created, err = s.txn.CreateIntent(ctx, tx, transaction.IntentParams{
			IdempotencyKey: fmt.Sprintf("stream:%s:release:%d", st.ID, target),
			Type:           transaction.TypePayout,
			TaskID:         &st.TaskID,
			WorkerID:       st.WorkerID,
			PlatformID:     st.PlatformID,
			StreamID:       &st.ID,
			AmountUsdc:     delta - deduction,
			DeductionUsdc:  deduction,
			FromWallet:     s.cfg.Chain.TreasuryWallet,
			ToWallet:       w.Wallet,
			Metadata:       datatypes.JSON(meta),
		})
		if err != nil {
			return err
		}

		return s.advanceClock(ctx, tx, st, now)
	})
	if err != nil {
		return err
	}

	if created {
		return s.txn.EnqueueSubmit(ctx, payout.ID, 0)
	}
	return nil
}

func (s *Service) advanceClock(ctx context.Context, tx *gorm.DB, st *Stream, now time.Time) error {
	return tx.WithContext(ctx).Model(&Stream{}).Where("id = ?", st.ID).Updates(map[string]any{
		"next_release_at": st.nextBoundaryAfter(now),
		"updated_at":      now,
	}).Error
}

// ApplyConfirmedRelease advances releasedAmount after the payout confirms.
// Runs inside the settlement transaction. Returns true when the stream is
// fully paid out.
func (s *Service) ApplyConfirmedRelease(ctx context.Context, tx *gorm.DB, streamID string, amountUsdc int64) (bool, error) {
	st, err := s.lockStream(ctx, tx, streamID)
	if err != nil {
		return false, err
	}

	released := st.ReleasedAmountUsdc + amountUsdc
	if released > st.TotalAmountUsdc {
		return false, errutil.Conflict(
			fmt.Sprintf("release of %d would exceed stream total (%d released of %d)",
				amountUsdc, st.ReleasedAmountUsdc, st.TotalAmountUsdc), nil)
	}

	now := time.Now()
	before := *st
	st.ReleasedAmountUsdc = released
	done := released == st.TotalAmountUsdc
	if done {
		st.Status = StatusCompleted
	}
	st.NextReleaseAt = st.nextBoundaryAfter(now)
	st.UpdatedAt = now
	if err := tx.WithContext(ctx).Save(st).Error; err != nil {
		return false, err
	}

	action := "stream.released"
	if done {
		action = "stream.completed"
	}
	if err := s.store.Audit(ctx, tx, "stream", st.ID, action, "system", before, st); err != nil {
		return false, err
	}
	return done, nil
}

// Complete finalizes a stream when its task finishes early: the total is
// re-based to what the schedule accrued so far and the remainder releases on
// the next tick. Runs inside the caller's transaction.
func (s *Service) Complete(ctx context.Context, tx *gorm.DB, streamID string) error {
	st, err := s.lockStream(ctx, tx, streamID)
	if err != nil {
		return err
	}
	if st.Status == StatusCompleted || st.Status == StatusCancelled {
		return nil
	}

	now := time.Now()
	before := *st
	accrued := st.ReleaseTarget(now)
	if accrued < st.ReleasedAmountUsdc {
		accrued = st.ReleasedAmountUsdc
	}

	st.TotalAmountUsdc = accrued
	if now.Before(st.EndAt) {
		st.EndAt = now
	}
	st.NextReleaseAt = now
	if st.ReleasedAmountUsdc == st.TotalAmountUsdc {
		st.Status = StatusCompleted
	} else {
		st.Status = StatusActive
	}
	st.UpdatedAt = now
	if err := tx.WithContext(ctx).Save(st).Error; err != nil {
		return err
	}

	return s.store.Audit(ctx, tx, "stream", st.ID, "stream.finalized", "system", before, st)
}

// Pause stops accrual release; the schedule itself keeps running.
func (s *Service) Pause(ctx context.Context, streamID, actor string) error {
	return s.setStatus(ctx, streamID, StatusPaused, "stream.paused", actor, StatusActive)
}

// Resume re-activates a paused stream and schedules an immediate catch-up
// release.
func (s *Service) Resume(ctx context.Context, streamID, actor string) error {
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		st, err := s.lockStream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		if st.Status != StatusPaused {
			return errutil.Conflict(fmt.Sprintf("cannot resume stream in status %s", st.Status), nil)
		}
		before := *st
		now := time.Now()
		st.Status = StatusActive
		st.NextReleaseAt = now
		st.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(st).Error; err != nil {
			return err
		}
		return s.store.Audit(ctx, tx, "stream", st.ID, "stream.resumed", actor, before, st)
	})
}

// Cancel halts the stream permanently. Already-released funds stay with the
// worker; nothing further accrues.
func (s *Service) Cancel(ctx context.Context, streamID, actor string) error {
	return s.setStatus(ctx, streamID, StatusCancelled, "stream.cancelled", actor, StatusActive, StatusPaused)
}

func (s *Service) setStatus(ctx context.Context, streamID string, to Status, action, actor string, from ...Status) error {
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		st, err := s.lockStream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if st.Status == f {
				allowed = true
			}
		}
		if !allowed {
			return errutil.Conflict(fmt.Sprintf("cannot move stream from status %s to %s", st.Status, to), nil)
		}
		before := *st
		st.Status = to
		st.UpdatedAt = time.Now()
		if err := tx.WithContext(ctx).Save(st).Error; err != nil {
			return err
		}
		return s.store.Audit(ctx, tx, "stream", st.ID, action, actor, before, st)
	})
}

// Reconcile compares the ledger's view against the contract. Disagreement is
// surfaced, never auto-resolved.
func (s *Service) Reconcile(ctx context.Context, streamID string) error {
	st, err := s.Get(ctx, streamID)
	if err != nil {
		return err
	}

	state, err := s.chain.GetStreamState(ctx, st.ContractAddress, st.OnchainStreamID)
	if err != nil {
		return err
	}

	if state.ReleasedUsdc != st.ReleasedAmountUsdc || state.ClaimedUsdc > state.ReleasedUsdc {
		zap.L().Error("stream state mismatch between contract and ledger",
			zap.String("stream_id", st.ID),
			zap.Int64("ledger_released", st.ReleasedAmountUsdc),
			zap.Int64("chain_released", state.ReleasedUsdc),
			zap.Int64("chain_claimed", state.ClaimedUsdc),
		)
		return errutil.ReconciliationMismatch(
			fmt.Sprintf("stream %s: ledger released %d, contract released %d",
				st.Code, st.ReleasedAmountUsdc, state.ReleasedUsdc), nil)
	}

	if state.ClaimedUsdc != st.ClaimedAmountUsdc {
		if err := s.store.DB().WithContext(ctx).Model(&Stream{}).Where("id = ?", st.ID).
			Updates(map[string]any{
				"claimed_amount_usdc": state.ClaimedUsdc,
				"updated_at":          time.Now(),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) lockStream(ctx context.Context, tx *gorm.DB, id string) (*Stream, error) {
	var st Stream
	err := option.LockingUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("stream not found", err)
		}
		return nil, err
	}
	return &st, nil
}
