package transaction

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypePayout    Type = "payout"
	TypeAdvance   Type = "advance"
	TypeRefund    Type = "refund"
	TypeRepayment Type = "repayment"
	TypeFee       Type = "fee"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Transaction records one USDC movement. Immutable once confirmed; mutated
// only along the state machine in service.go. TaskID is nullable so financial
// history survives task deletion.
//
// AmountUsdc is the amount transferred on chain. For payouts under an active
// loan, DeductionUsdc is the repayment slice withheld from the transfer; the
// gross accrual the payout settles is AmountUsdc + DeductionUsdc.
type Transaction struct {
	ID             string         `gorm:"column:id;primaryKey;type:char(26)"`
	Code           string         `gorm:"column:code;uniqueIndex"`
	IdempotencyKey string         `gorm:"column:idempotency_key;uniqueIndex;not null"`
	Type           Type           `gorm:"column:type;type:varchar(20);not null"`
	Status         Status         `gorm:"column:status;type:varchar(20);default:'pending'"`
	TaskID         *string        `gorm:"column:task_id;index"`
	WorkerID       string         `gorm:"column:worker_id;index;not null"`
	PlatformID     string         `gorm:"column:platform_id;index"`
	LoanID         *string        `gorm:"column:loan_id;index"`
	StreamID       *string        `gorm:"column:stream_id;index"`
	AmountUsdc     int64          `gorm:"column:amount_usdc;not null"`
	DeductionUsdc  int64          `gorm:"column:deduction_usdc;not null;default:0"`
	FromWallet     string         `gorm:"column:from_wallet"`
	ToWallet       string         `gorm:"column:to_wallet"`
	TxHash         string         `gorm:"column:tx_hash;index"`
	Confirmations  int64          `gorm:"column:confirmations;not null;default:0"`
	RetryCount     int            `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAt  *time.Time     `gorm:"column:next_attempt_at"`
	SubmittedAt    *time.Time     `gorm:"column:submitted_at"`
	ConfirmedAt    *time.Time     `gorm:"column:confirmed_at"`
	FailureReason  string         `gorm:"column:failure_reason;type:text"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// validTransitions is the closed transition table of the state machine.
// failed→pending is the automatic retry path while retryCount < max.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusCancelled, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusPending, StatusCancelled},
	StatusConfirmed: {},
	StatusFailed:    {StatusPending},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions through
// the normal machine (terminal failed rows stay failed; operator retry creates
// a fresh intent from the originating task instead).
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}
