package loan

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDisbursed Status = "disbursed"
	StatusActive    Status = "active"
	StatusRepaying  Status = "repaying"
	StatusRepaid    Status = "repaid"
	StatusDefaulted Status = "defaulted"
	StatusCancelled Status = "cancelled"
)

// OutstandingStatuses are the states in which a loan still collects
// deductions.
var OutstandingStatuses = []Status{StatusActive, StatusRepaying}

// BlockingStatuses are the states that block a new advance. Approved and
// disbursed loans count: a worker holds at most one loan that is anywhere
// between underwriting and full repayment, confirmed or not.
var BlockingStatuses = []Status{StatusApproved, StatusDisbursed, StatusActive, StatusRepaying}

// Loan is an earnings advance. RemainingUsdc only ever decreases and never
// goes below zero.
type Loan struct {
	ID       string `json:"id" gorm:"type:char(26);primaryKey"`
	Code     string `json:"code" gorm:"uniqueIndex;not null"`
	WorkerID string `json:"worker_id" gorm:"index;not null"`

	PrincipalUsdc    int64 `json:"principal_usdc" gorm:"not null"`
	FeeUsdc          int64 `json:"fee_usdc" gorm:"not null"`
	TotalOwedUsdc    int64 `json:"total_owed_usdc" gorm:"not null"`
	RemainingUsdc    int64 `json:"remaining_usdc" gorm:"not null"`
	RepaymentRateBps int64 `json:"repayment_rate_bps" gorm:"not null"`

	Status Status `json:"status" gorm:"type:varchar(20);index;default:pending"`

	RiskScoreAtApproval int64 `json:"risk_score_at_approval"`

	DisbursementTxnID *string    `json:"disbursement_txn_id,omitempty"`
	DueAt             *time.Time `json:"due_at,omitempty" gorm:"index"`
	DisbursedAt       *time.Time `json:"disbursed_at,omitempty"`
	RepaidAt          *time.Time `json:"repaid_at,omitempty"`
	DefaultedAt       *time.Time `json:"defaulted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Loan) TableName() string { return "loans" }

// FeeBpsForScore tiers the advance fee by risk score.
func FeeBpsForScore(score int64) int64 {
	switch {
	case score >= 800:
		return 300
	case score >= 700:
		return 400
	default:
		return 500
	}
}
