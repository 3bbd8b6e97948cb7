package worker

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gigpay-core/pkg/errutil"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
	}
}

func (s *Service) Register(ctx context.Context, wallet string) (*Worker, error) {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		ID:              s.node.Generate().String(),
		Wallet:          normalized,
		Status:          StatusActive,
		ReputationScore: 100,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("wallet already registered", err)
		}
		zap.L().Error("failed to create worker", zap.Error(err))
		return nil, err
	}

	return w, nil
}

func (s *Service) Get(ctx context.Context, workerID string) (*Worker, error) {
	var w Worker
	if err := s.db.WithContext(ctx).Where("id = ?", workerID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("worker not found", err)
		}
		return nil, err
	}
	return &w, nil
}

func (s *Service) GetByWallet(ctx context.Context, wallet string) (*Worker, error) {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	var w Worker
	if err := s.db.WithContext(ctx).Where("wallet = ?", normalized).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("worker not found", err)
		}
		return nil, err
	}
	return &w, nil
}

// Disable soft-disables the worker. Financial history is retained.
func (s *Service) Disable(ctx context.Context, workerID string) error {
	res := s.db.WithContext(ctx).Model(&Worker{}).
		Where("id = ?", workerID).
		Updates(map[string]any{"status": StatusDisabled, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("worker not found", nil)
	}
	return nil
}
