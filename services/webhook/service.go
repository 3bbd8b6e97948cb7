package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	pkgasynq "gigpay-core/pkg/asynq"
	"gigpay-core/pkg/config"
	"gigpay-core/pkg/errutil"
	"gigpay-core/services/ledger"
	"gigpay-core/services/platform"
	"gigpay-core/services/transaction"
)

// Event is the payload delivered to a platform when a transaction reaches a
// terminal state.
type Event struct {
	TaskID        string `json:"task_id,omitempty"`
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	AmountUsdc    int64  `json:"amount_usdc"`
	TxHash        string `json:"tx_hash,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

type Service struct {
	store  *ledger.Store
	client *http.Client
	cfg    *config.Config
}

type Params struct {
	fx.In
	Store  *ledger.Store
	Config *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		store:  p.Store,
		client: &http.Client{Timeout: 10 * time.Second},
		cfg:    p.Config,
	}
}

// HandleDeliverTask posts the signed event to the platform's webhook URL.
// Non-2xx responses and transport failures surface as retriable errors; the
// queue's retry cap bounds the delivery attempts.
func (s *Service) HandleDeliverTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.WebhookDeliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	var txn transaction.Transaction
	if err := s.store.DB().WithContext(ctx).Where("id = ?", payload.TransactionID).First(&txn).Error; err != nil {
		return err
	}

	var p platform.Platform
	if err := s.store.DB().WithContext(ctx).Where("id = ?", txn.PlatformID).First(&p).Error; err != nil {
		return err
	}
	if p.WebhookURL == "" {
		zap.L().Debug("platform has no webhook url, skipping delivery",
			zap.String("platform_id", p.ID))
		return nil
	}

	ev := Event{
		TransactionID: txn.ID,
		Type:          string(txn.Type),
		Status:        string(txn.Status),
		AmountUsdc:    txn.AmountUsdc,
		TxHash:        txn.TxHash,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if txn.TaskID != nil {
		ev.TaskID = *txn.TaskID
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(p.WebhookSecret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return errutil.ExternalUnavailable("webhook delivery failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zap.L().Warn("webhook delivery rejected",
			zap.String("transaction_id", txn.ID),
			zap.String("platform_id", p.ID),
			zap.Int("status", resp.StatusCode),
		)
		return errutil.ExternalUnavailable(
			fmt.Sprintf("webhook endpoint returned %d", resp.StatusCode), nil)
	}

	zap.L().Info("webhook delivered",
		zap.String("transaction_id", txn.ID),
		zap.String("platform_id", p.ID),
	)
	return nil
}

var Module = fx.Module("webhook.service",
	fx.Provide(NewService),
)
