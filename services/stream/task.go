package stream

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	pkgasynq "gigpay-core/pkg/asynq"
)

// HandleReleaseTask processes one due release for a stream.
func (s *Service) HandleReleaseTask(ctx context.Context, t *asynq.Task) error {
	var payload pkgasynq.StreamReleasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	return s.OpenRelease(ctx, payload.StreamID)
}
