// Package chain is the boundary to the on-chain payment-streaming contract.
// The chain is an unreliable, at-least-once external system: every write the
// core derives from it must be idempotent.
package chain

import (
	"context"
)

// StreamState is the contract's view of a stream, used to reconcile drift.
type StreamState struct {
	ReleasedUsdc int64
	ClaimedUsdc  int64
}

// Adapter submits and reads on-chain transfer and stream state.
type Adapter interface {
	// SubmitTransfer broadcasts a USDC transfer and returns its tx hash.
	// Resubmission with the same idempotency key must not double-spend.
	SubmitTransfer(ctx context.Context, fromWallet, toWallet string, amountUsdc int64, idempotencyKey string) (string, error)

	// GetConfirmations returns the observed confirmation count for a tx hash.
	GetConfirmations(ctx context.Context, txHash string) (int64, error)

	// GetStreamState reads the contract's released/claimed amounts for a stream.
	GetStreamState(ctx context.Context, contractAddress string, streamID string) (*StreamState, error)
}
