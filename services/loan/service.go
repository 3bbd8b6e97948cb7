package loan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gigpay-core/pkg/config"
	"gigpay-core/pkg/db/option"
	"gigpay-core/pkg/errutil"
	"gigpay-core/pkg/sequence"
	"gigpay-core/services/ledger"
	"gigpay-core/services/reputation"
	"gigpay-core/services/transaction"
	"gigpay-core/services/worker"
)

type Service struct {
	store      *ledger.Store
	node       *snowflake.Node
	seq        sequence.Generator
	txn        *transaction.Service
	reputation *reputation.Service
	cfg        *config.Config
}

type Params struct {
	fx.In
	Store      *ledger.Store
	Node       *snowflake.Node
	Seq        sequence.Generator `optional:"true"`
	Txn        *transaction.Service
	Reputation *reputation.Service
	Config     *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		store:      p.Store,
		node:       p.Node,
		seq:        p.Seq,
		txn:        p.Txn,
		reputation: p.Reputation,
		cfg:        p.Config,
	}
}

type Eligibility struct {
	Eligible            bool     `json:"eligible"`
	Reasons             []string `json:"reasons,omitempty"`
	RiskScore           int64    `json:"risk_score"`
	PredictedWeeklyUsdc int64    `json:"predicted_weekly_usdc"`
	MaxAdvanceUsdc      int64    `json:"max_advance_usdc"`
	FeeBps              int64    `json:"fee_bps"`
}

// PredictWeeklyEarnings estimates next-week earnings from confirmed payout
// history: trailing 7 days weighted 0.6, trailing 30 days normalized to a
// week weighted 0.4. A transparent heuristic, intentionally not a model.
func (s *Service) PredictWeeklyEarnings(ctx context.Context, tx *gorm.DB, workerID string) (int64, error) {
	now := time.Now()

	sum := func(since time.Time) (int64, error) {
		var total int64
		err := tx.WithContext(ctx).Model(&transaction.Transaction{}).
			Where("worker_id = ? AND type = ? AND status = ? AND confirmed_at >= ?",
				workerID, transaction.TypePayout, transaction.StatusConfirmed, since).
			Select("COALESCE(SUM(amount_usdc), 0)").
			Scan(&total).Error
		return total, err
	}

	week, err := sum(now.AddDate(0, 0, -7))
	if err != nil {
		return 0, err
	}
	month, err := sum(now.AddDate(0, 0, -30))
	if err != nil {
		return 0, err
	}

	monthWeekly := float64(month) / 30 * 7
	return int64(math.Round(0.6*float64(week) + 0.4*monthWeekly)), nil
}

// CheckEligibility evaluates every underwriting rule and reports all failures,
// not just the first.
func (s *Service) CheckEligibility(ctx context.Context, tx *gorm.DB, w *worker.Worker, amountUsdc int64) (*Eligibility, error) {
	res := &Eligibility{
		RiskScore: w.ReputationScore,
		FeeBps:    FeeBpsForScore(w.ReputationScore),
	}

	predicted, err := s.PredictWeeklyEarnings(ctx, tx, w.ID)
	if err != nil {
		return nil, err
	}
	res.PredictedWeeklyUsdc = predicted
	res.MaxAdvanceUsdc = int64(float64(predicted) * s.cfg.Loan.EarningsMultiple)

	if w.Status != worker.StatusActive {
		res.Reasons = append(res.Reasons, "worker is not active")
	}
	if w.ReputationScore < s.cfg.Loan.MinRiskScore {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("risk score %d below minimum %d", w.ReputationScore, s.cfg.Loan.MinRiskScore))
	}

	minAge := time.Now().AddDate(0, 0, -s.cfg.Loan.MinAccountAgeDays)
	if w.CreatedAt.After(minAge) {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("account younger than %d days", s.cfg.Loan.MinAccountAgeDays))
	}

	rate, err := s.completionRate(ctx, tx, w.ID)
	if err != nil {
		return nil, err
	}
	if rate < s.cfg.Loan.MinCompletionRate {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("completion rate %.2f below minimum %.2f", rate, s.cfg.Loan.MinCompletionRate))
	}

	if amountUsdc > res.MaxAdvanceUsdc {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("requested amount exceeds %.1fx predicted weekly earnings", s.cfg.Loan.EarningsMultiple))
	}

	blocking, err := s.loanInStatuses(ctx, tx, w.ID, BlockingStatuses, false)
	if err != nil {
		return nil, err
	}
	if blocking != nil {
		res.Reasons = append(res.Reasons, "worker already has an outstanding advance")
	}

	res.Eligible = len(res.Reasons) == 0
	return res, nil
}

func (s *Service) completionRate(ctx context.Context, tx *gorm.DB, workerID string) (float64, error) {
	var total, completed int64
	if err := tx.WithContext(ctx).Table("tasks").
		Where("worker_id = ? AND status <> ?", workerID, "cancelled").
		Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	if err := tx.WithContext(ctx).Table("tasks").
		Where("worker_id = ? AND status = ?", workerID, "completed").
		Count(&completed).Error; err != nil {
		return 0, err
	}
	return float64(completed) / float64(total), nil
}

// RequestAdvance underwrites under the worker lock and opens the disbursement
// transaction. The single-outstanding-loan rule is enforced here, inside the
// lock, not by an index.
func (s *Service) RequestAdvance(ctx context.Context, workerID string, amountUsdc int64) (*Loan, error) {
	if amountUsdc <= 0 {
		return nil, errutil.ValidationFailed("advance amount must be positive", nil)
	}

	var ln *Loan
	var disbursement *transaction.Transaction

	err := s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		w, err := s.store.LockWorker(ctx, tx, workerID)
		if err != nil {
			return err
		}

		elig, err := s.CheckEligibility(ctx, tx, w, amountUsdc)
		if err != nil {
			return err
		}
		if !elig.Eligible {
			details := make([]errutil.Detail, 0, len(elig.Reasons))
			for _, r := range elig.Reasons {
				details = append(details, errutil.Detail{Field: "eligibility", Message: r})
			}
			return errutil.ValidationFailed("advance request declined", nil, errutil.WithDetails(details...))
		}

		fee := amountUsdc * elig.FeeBps / 10_000
		now := time.Now()

		code := ""
		if s.seq != nil {
			code, err = s.seq.NextLoanCode(ctx)
			if err != nil {
				zap.L().Warn("failed to generate loan code", zap.Error(err))
			}
		}
		if code == "" {
			code = fmt.Sprintf("LN-%s", s.node.Generate().String())
		}

		ln = &Loan{
			ID:                  s.node.Generate().String(),
			Code:                code,
			WorkerID:            workerID,
			PrincipalUsdc:       amountUsdc,
			FeeUsdc:             fee,
			TotalOwedUsdc:       amountUsdc + fee,
			RemainingUsdc:       amountUsdc + fee,
			RepaymentRateBps:    s.cfg.Loan.RepaymentRateBps,
			Status:              StatusApproved,
			RiskScoreAtApproval: w.ReputationScore,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.WithContext(ctx).Create(ln).Error; err != nil {
			return err
		}

		disbursement, _, err = s.txn.CreateIntent(ctx, tx, transaction.IntentParams{
			IdempotencyKey: fmt.Sprintf("loan:%s:advance", ln.ID),
			Type:           transaction.TypeAdvance,
			WorkerID:       workerID,
			LoanID:         &ln.ID,
			AmountUsdc:     amountUsdc,
			FromWallet:     s.cfg.Chain.TreasuryWallet,
			ToWallet:       w.Wallet,
		})
		if err != nil {
			return err
		}

		ln.Status = StatusDisbursed
		ln.DisbursementTxnID = &disbursement.ID
		ln.UpdatedAt = time.Now()
		if err := tx.WithContext(ctx).Save(ln).Error; err != nil {
			return err
		}

		return s.store.Audit(ctx, tx, "loan", ln.ID, "loan.approved", workerID, nil, ln)
	})
	if err != nil {
		return nil, err
	}

	if err := s.txn.EnqueueSubmit(ctx, disbursement.ID, 0); err != nil {
		return nil, err
	}
	return ln, nil
}

// OnDisbursementConfirmed activates the loan and starts its term.
func (s *Service) OnDisbursementConfirmed(ctx context.Context, tx *gorm.DB, txn *transaction.Transaction) error {
	if txn.LoanID == nil {
		return nil
	}

	ln, err := s.lockLoan(ctx, tx, *txn.LoanID)
	if err != nil {
		return err
	}
	if ln.Status == StatusActive || ln.Status == StatusRepaying {
		return nil
	}
	if ln.Status != StatusDisbursed && ln.Status != StatusApproved {
		return errutil.Conflict(fmt.Sprintf("cannot activate loan in status %s", ln.Status), nil)
	}

	now := time.Now()
	due := now.AddDate(0, 0, s.cfg.Loan.TermDays)
	before := *ln

	ln.Status = StatusActive
	ln.DisbursedAt = &now
	ln.DueAt = &due
	ln.UpdatedAt = now
	if err := tx.WithContext(ctx).Save(ln).Error; err != nil {
		return err
	}

	return s.store.Audit(ctx, tx, "loan", ln.ID, "loan.activated", "system", before, ln)
}

// PlanDeduction computes the repayment slice to withhold from a payout before
// it is submitted: min(rate · gross, remaining). Must run under the worker
// lock; the loan row is locked so the plan serializes against settlement.
func (s *Service) PlanDeduction(ctx context.Context, tx *gorm.DB, workerID string, grossUsdc int64) (int64, error) {
	if grossUsdc <= 0 {
		return 0, nil
	}
	ln, err := s.loanInStatuses(ctx, tx, workerID, OutstandingStatuses, true)
	if err != nil {
		return 0, err
	}
	if ln == nil {
		return 0, nil
	}

	deduction := grossUsdc * ln.RepaymentRateBps / 10_000
	if deduction > ln.RemainingUsdc {
		deduction = ln.RemainingUsdc
	}
	if deduction < 0 {
		deduction = 0
	}
	return deduction, nil
}

// ApplyPayoutDeduction settles the slice withheld from a confirmed payout
// against the loan balance. The funds never left the treasury, so the
// repayment is recorded as its own ledger transaction, confirmed immediately
// with no chain transfer.
func (s *Service) ApplyPayoutDeduction(ctx context.Context, tx *gorm.DB, payout *transaction.Transaction) (int64, error) {
	planned := payout.DeductionUsdc
	if planned <= 0 {
		return 0, nil
	}

	ln, err := s.loanInStatuses(ctx, tx, payout.WorkerID, OutstandingStatuses, true)
	if err != nil {
		return 0, err
	}
	if ln == nil {
		zap.L().Warn("withheld repayment has no outstanding loan to settle against",
			zap.String("worker_id", payout.WorkerID),
			zap.String("payout_id", payout.ID),
			zap.Int64("withheld_usdc", planned),
		)
		return 0, nil
	}

	deduction := planned
	if deduction > ln.RemainingUsdc {
		deduction = ln.RemainingUsdc
		zap.L().Warn("withheld repayment exceeds loan remaining",
			zap.String("loan_id", ln.ID),
			zap.String("payout_id", payout.ID),
			zap.Int64("withheld_usdc", planned),
			zap.Int64("applied_usdc", deduction),
		)
	}

	now := time.Now()
	repayment := &transaction.Transaction{
		ID:             s.node.Generate().String(),
		Code:           fmt.Sprintf("TXN-%s", s.node.Generate().String()),
		IdempotencyKey: fmt.Sprintf("loan:%s:repayment:%s", ln.ID, payout.ID),
		Type:           transaction.TypeRepayment,
		Status:         transaction.StatusConfirmed,
		WorkerID:       payout.WorkerID,
		PlatformID:     payout.PlatformID,
		LoanID:         &ln.ID,
		AmountUsdc:     deduction,
		ConfirmedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(repayment).Error; err != nil {
		return 0, err
	}

	before := *ln
	ln.RemainingUsdc -= deduction
	ln.Status = StatusRepaying
	if ln.RemainingUsdc == 0 {
		ln.Status = StatusRepaid
		ln.RepaidAt = &now
	}
	ln.UpdatedAt = now
	if err := tx.WithContext(ctx).Save(ln).Error; err != nil {
		return 0, err
	}

	action := "loan.repayment"
	if ln.Status == StatusRepaid {
		action = "loan.repaid"
	}
	if err := s.store.Audit(ctx, tx, "loan", ln.ID, action, "system", before, ln); err != nil {
		return 0, err
	}

	return deduction, nil
}

// MarkDefaulted flags an overdue loan and penalizes the worker's reputation.
func (s *Service) MarkDefaulted(ctx context.Context, loanID string) error {
	return s.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		ln, err := s.lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if ln.Status != StatusActive && ln.Status != StatusRepaying {
			return nil
		}
		if ln.DueAt == nil || ln.DueAt.After(time.Now()) {
			return nil
		}

		if _, err := s.store.LockWorker(ctx, tx, ln.WorkerID); err != nil {
			return err
		}

		now := time.Now()
		before := *ln
		ln.Status = StatusDefaulted
		ln.DefaultedAt = &now
		ln.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(ln).Error; err != nil {
			return err
		}

		if _, err := s.reputation.Record(ctx, tx, reputation.RecordParams{
			WorkerID: ln.WorkerID,
			Kind:     reputation.KindLoanDefaulted,
			Reason:   fmt.Sprintf("loan %s past due", ln.Code),
			Actor:    "system",
		}); err != nil {
			return err
		}

		return s.store.Audit(ctx, tx, "loan", ln.ID, "loan.defaulted", "system", before, ln)
	})
}

// ActiveLoan returns the worker's outstanding loan, if any. Loans whose
// disbursement has not yet confirmed are included.
func (s *Service) ActiveLoan(ctx context.Context, workerID string) (*Loan, error) {
	ln, err := s.loanInStatuses(ctx, s.store.DB(), workerID, BlockingStatuses, false)
	if err != nil {
		return nil, err
	}
	if ln == nil {
		return nil, errutil.NotFound("no outstanding loan", nil)
	}
	return ln, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Loan, error) {
	var ln Loan
	if err := s.store.DB().WithContext(ctx).Where("id = ?", id).First(&ln).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("loan not found", err)
		}
		return nil, err
	}
	return &ln, nil
}

func (s *Service) loanInStatuses(ctx context.Context, tx *gorm.DB, workerID string, statuses []Status, forUpdate bool) (*Loan, error) {
	q := tx.WithContext(ctx)
	if forUpdate {
		q = option.LockingUpdate(q)
	}
	var ln Loan
	err := q.Where("worker_id = ? AND status IN ?", workerID, statuses).First(&ln).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ln, nil
}

func (s *Service) lockLoan(ctx context.Context, tx *gorm.DB, id string) (*Loan, error) {
	var ln Loan
	err := option.LockingUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&ln).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("loan not found", err)
		}
		return nil, err
	}
	return &ln, nil
}
