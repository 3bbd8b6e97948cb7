package task

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypeFixed     Type = "fixed"
	TypeTimeBased Type = "time_based"
	TypeMilestone Type = "milestone"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusCancelled  Status = "cancelled"
)

// Task is a unit of work assigned by a platform to a worker. PaidAmountUsdc
// tracks confirmed payouts against it and never exceeds PaymentAmountUsdc.
type Task struct {
	ID         string `json:"id" gorm:"type:char(26);primaryKey"`
	PlatformID string `json:"platform_id" gorm:"index;not null"`
	// Empty until a worker is assigned; tasks stay in status created until then.
	WorkerID string `json:"worker_id,omitempty" gorm:"index"`
	Type     Type   `json:"type" gorm:"type:varchar(20);not null"`
	Status   Status `json:"status" gorm:"type:varchar(20);index;default:created"`

	Title             string `json:"title"`
	PaymentAmountUsdc int64  `json:"payment_amount_usdc" gorm:"not null"`
	PaidAmountUsdc    int64  `json:"paid_amount_usdc" gorm:"default:0"`

	// Time-based tasks only.
	ExpectedHours float64 `json:"expected_hours,omitempty"`
	WorkedHours   float64 `json:"worked_hours,omitempty"`

	// Streaming tasks carry the payment stream that pays them out.
	StreamID *string `json:"stream_id,omitempty" gorm:"index"`

	Rating   *float64       `json:"rating,omitempty"`
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	// Status the open dispute interrupted; restored on resolution.
	PreDisputeStatus Status `json:"-" gorm:"type:varchar(20)"`

	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// CompletedLate reports whether the task finished past its due time.
func (t *Task) CompletedLate() bool {
	return t.DueAt != nil && t.CompletedAt != nil && t.CompletedAt.After(*t.DueAt)
}
