package platform

import (
	"time"
)

// Platform issues tasks and receives webhook notifications for confirmed
// payouts. The API credential is stored as a bcrypt hash only.
type Platform struct {
	ID               string    `gorm:"column:id;primaryKey;type:char(26)"`
	Name             string    `gorm:"column:name;not null"`
	APIKeyHash       string    `gorm:"column:api_key_hash;not null"`
	WebhookURL       string    `gorm:"column:webhook_url"`
	WebhookSecret    string    `gorm:"column:webhook_secret"`
	TotalPayoutsUsdc int64     `gorm:"column:total_payouts_usdc;not null;default:0"`
	WorkerCount      int64     `gorm:"column:worker_count;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
