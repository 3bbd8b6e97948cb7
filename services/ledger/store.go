package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gigpay-core/pkg/db/option"
	"gigpay-core/pkg/errutil"
	"gigpay-core/services/worker"
)

// Store is the single source of truth for all off-chain state. Every
// multi-entity mutation runs through WithTransaction so it commits atomically
// or not at all.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTransaction runs fn inside one database transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// LockWorker loads the worker row under SELECT ... FOR UPDATE. Per-worker
// financial mutations (earnings, loan balance, reputation score) serialize on
// this lock: a payout, its reputation event, and its repayment deduction apply
// as one ordered unit even under concurrent completions for the same worker.
func (s *Store) LockWorker(ctx context.Context, tx *gorm.DB, workerID string) (*worker.Worker, error) {
	var w worker.Worker
	err := option.LockingUpdate(tx.WithContext(ctx)).
		Where("id = ?", workerID).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("worker not found", err)
		}
		return nil, err
	}
	return &w, nil
}

// Audit appends one audit log row inside tx. Snapshots are marshalled
// best-effort; an unmarshallable snapshot must not abort the business write.
func (s *Store) Audit(ctx context.Context, tx *gorm.DB, entityType, entityID, action, actor string, before, after any) error {
	entry := &AuditLog{
		ID:         s.node.Generate().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Before:     toJSON(before),
		After:      toJSON(after),
	}

	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		zap.L().Error("failed to append audit log",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return datatypes.JSON([]byte("null"))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("null"))
	}
	return datatypes.JSON(b)
}
