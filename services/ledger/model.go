package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is an append-only record of every state-changing action with
// before/after snapshots. Rows are never updated or deleted.
type AuditLog struct {
	ID         string         `gorm:"column:id;primaryKey;type:char(26)"`
	EntityType string         `gorm:"column:entity_type;index;not null"`
	EntityID   string         `gorm:"column:entity_id;index;not null"`
	Action     string         `gorm:"column:action;not null"`
	Actor      string         `gorm:"column:actor;not null"`
	Before     datatypes.JSON `gorm:"column:before;type:jsonb"`
	After      datatypes.JSON `gorm:"column:after;type:jsonb"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
}
