package asynq

import "time"

const (
	TransactionSubmitTask  = "transaction:submit"
	TransactionConfirmTask = "transaction:confirm"
	StreamReleaseTask      = "stream:release"
	WebhookDeliverTask     = "webhook:deliver"
	LoanDueCheckTask       = "loan:due_check"
)

type TransactionTaskPayload struct {
	TransactionID string `json:"transaction_id"`
	TraceID       string `json:"trace_id,omitempty"`
}

type StreamReleasePayload struct {
	StreamID string `json:"stream_id"`
}

type WebhookDeliverPayload struct {
	TransactionID string `json:"transaction_id"`
	Attempt       int    `json:"attempt"`
}

type LoanDueCheckPayload struct {
	AsOf time.Time `json:"as_of,omitempty"` // zero means now
}
