package worker

import (
	"regexp"
	"strings"
	"time"

	"gigpay-core/pkg/errutil"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Worker is a gig worker identified by a wallet address. Workers are never
// deleted; they are soft-disabled via Status. Monetary amounts across the
// module are int64 micro-USDC (1 USDC = 1_000_000 units).
type Worker struct {
	ID              string    `gorm:"column:id;primaryKey;type:char(26)"`
	Wallet          string    `gorm:"column:wallet;uniqueIndex;not null"`
	Status          Status    `gorm:"column:status;type:varchar(20);default:'active'"`
	ReputationScore int64     `gorm:"column:reputation_score;not null;default:100"`
	CompletedTasks  int64     `gorm:"column:completed_tasks;not null;default:0"`
	TotalEarnedUsdc int64     `gorm:"column:total_earned_usdc;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

var walletPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// NormalizeWallet lowercases a wallet address and validates its shape.
func NormalizeWallet(addr string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(addr))
	if !walletPattern.MatchString(normalized) {
		return "", errutil.ValidationFailed("invalid wallet address", nil,
			errutil.WithDetails(errutil.Detail{Field: "wallet", Message: "expected 0x-prefixed 40-hex address"}))
	}
	return normalized, nil
}
