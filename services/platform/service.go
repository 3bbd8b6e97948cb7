package platform

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"golang.org/x/crypto/bcrypt"
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

// Register creates a platform and returns it together with the plaintext API
// key. The key is shown exactly once; only the bcrypt hash is persisted.
func (s *Service) Register(ctx context.Context, name, webhookURL string) (*Platform, string, error) {
	if name == "" {
		return nil, "", errutil.ValidationFailed("platform name is required", nil)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	apiKey := "gp_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", err
	}

	p := &Platform{
		ID:            s.node.Generate().String(),
		Name:          name,
		APIKeyHash:    string(hash),
		WebhookURL:    webhookURL,
		WebhookSecret: hex.EncodeToString(secret),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, "", err
	}

	return p, apiKey, nil
}

func (s *Service) Get(ctx context.Context, platformID string) (*Platform, error) {
	var p Platform
	if err := s.db.WithContext(ctx).Where("id = ?", platformID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("platform not found", err)
		}
		return nil, err
	}
	return &p, nil
}

// Authenticate verifies an API key against the stored hash.
func (s *Service) Authenticate(ctx context.Context, platformID, apiKey string) (*Platform, error) {
	p, err := s.Get(ctx, platformID)
	if err != nil {
		return nil, errutil.Unauthorized("invalid platform credentials", nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, errutil.Unauthorized("invalid platform credentials", nil)
	}

	return p, nil
}
