package stream

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Stream pays a task out continuously over its schedule. The invariant
// 0 <= claimed <= released <= total holds at all times, and released never
// decreases.
type Stream struct {
	ID         string `json:"id" gorm:"type:char(26);primaryKey"`
	Code       string `json:"code" gorm:"uniqueIndex;not null"`
	TaskID     string `json:"task_id" gorm:"uniqueIndex;not null"`
	WorkerID   string `json:"worker_id" gorm:"index;not null"`
	PlatformID string `json:"platform_id" gorm:"index;not null"`

	// On-chain coordinates for reconciliation.
	ContractAddress string `json:"contract_address"`
	OnchainStreamID string `json:"onchain_stream_id"`

	TotalAmountUsdc    int64 `json:"total_amount_usdc" gorm:"not null"`
	ReleasedAmountUsdc int64 `json:"released_amount_usdc" gorm:"default:0"`
	ClaimedAmountUsdc  int64 `json:"claimed_amount_usdc" gorm:"default:0"`

	StartAt                time.Time `json:"start_at" gorm:"not null"`
	EndAt                  time.Time `json:"end_at" gorm:"not null"`
	ReleaseIntervalSeconds int64     `json:"release_interval_seconds" gorm:"not null"`
	NextReleaseAt          time.Time `json:"next_release_at" gorm:"index"`

	Status Status `json:"status" gorm:"type:varchar(20);index;default:active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Stream) TableName() string { return "streams" }

// ReleaseTarget is the amount the schedule says should be released by now:
// linear accrual between start and end, the full total at or past end.
func (s *Stream) ReleaseTarget(now time.Time) int64 {
	if !now.After(s.StartAt) {
		return 0
	}
	if !now.Before(s.EndAt) {
		return s.TotalAmountUsdc
	}
	elapsed := now.Sub(s.StartAt)
	duration := s.EndAt.Sub(s.StartAt)
	return int64(float64(s.TotalAmountUsdc) * elapsed.Seconds() / duration.Seconds())
}

// nextBoundaryAfter snaps forward to the first release boundary past now, so
// a stalled stream does not replay missed ticks one by one.
func (s *Stream) nextBoundaryAfter(now time.Time) time.Time {
	interval := time.Duration(s.ReleaseIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	if now.Before(s.StartAt) {
		return s.StartAt.Add(interval)
	}
	elapsed := now.Sub(s.StartAt)
	steps := elapsed/interval + 1
	return s.StartAt.Add(steps * interval)
}
