// Package facilitator defines the contract for payment verification and
// settlement. A facilitator verifies payment authorizations and settles them
// on chain on behalf of resource servers that do not hold settlement keys,
// whether it runs in process (facilitator/local) or behind an HTTP service
// (the client in the http package, the server in facilitator/server).
package facilitator

import (
	"context"

	x402 "github.com/payfence/x402-go"
)

// Interface is the verify/settle contract.
//
// Verify is side-effect free: any failure there is safe to surface directly
// and the client may retry with a corrected authorization. Settle moves
// funds; its failures are terminal for the authorization and the client must
// start over with a fresh nonce.
type Interface interface {
	// Verify checks a payment authorization against the requirements and
	// the signer's on-chain authority without moving funds.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain and waits for a
	// terminal outcome.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported reports the (scheme, network) pairs this facilitator can
	// settle.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}
