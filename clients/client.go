package clients

import (
	"context"

	x402types "github.com/vitwit/x402-onramp/types"
)

// Client verifies and settles payments for one network. Invalid proofs are
// reported through the result values. A non-nil error means the client
// itself could not decide (RPC down, facilitator unreachable).
type Client interface {
	VerifyPayment(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.VerificationResult, error)
	SettlePayment(ctx context.Context, payload *x402types.VerifyRequest) (*x402types.SettlementResult, error)
	GetNetwork() x402types.Network
	Close() error
}
