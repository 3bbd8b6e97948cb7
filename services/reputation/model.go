package reputation

import "time"

type Kind string

const (
	KindTaskCompleted    Kind = "task_completed"
	KindTaskLate         Kind = "task_late"
	KindDisputeFiled     Kind = "dispute_filed"
	KindDisputeResolved  Kind = "dispute_resolved"
	KindRatingReceived   Kind = "rating_received"
	KindLoanDefaulted    Kind = "loan_defaulted"
	KindManualAdjustment Kind = "manual_adjustment"
)

const (
	BaseScore = 100
	MinScore  = 0
	MaxScore  = 1000
)

// Event is the append-only record a worker's score is derived from. Rows are
// never updated or deleted; the score on the worker row is a projection.
type Event struct {
	ID            string   `json:"id" gorm:"type:char(26);primaryKey"`
	WorkerID      string   `json:"worker_id" gorm:"index;not null"`
	Kind          Kind     `json:"kind" gorm:"type:varchar(30);not null"`
	Delta         int64    `json:"delta"`
	PreviousScore int64    `json:"previous_score"`
	NewScore      int64    `json:"new_score"`
	Rating        *float64 `json:"rating,omitempty"`
	TaskID        *string  `json:"task_id,omitempty" gorm:"index"`
	Reason        string   `json:"reason,omitempty"`
	Actor         string   `json:"actor"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (Event) TableName() string { return "reputation_events" }

type Grade string

const (
	GradeBronze Grade = "bronze"
	GradeSilver Grade = "silver"
	GradeGold   Grade = "gold"
)

// GradeFor maps a score to its band.
func GradeFor(score int64) Grade {
	switch {
	case score >= 800:
		return GradeGold
	case score >= 500:
		return GradeSilver
	default:
		return GradeBronze
	}
}

func clamp(score int64) int64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
