// Package x402 implements the x402 payment-gated request/response protocol.
//
// A resource server answers unpaid requests with a 402 challenge describing
// the acceptable payment methods. The client signs a time-boxed, single-use
// transfer authorization (an EIP-3009 style meta-transaction), attaches it to
// a retry of the request, and a facilitator verifies and settles the transfer
// on chain before the protected content is released.
//
// The protocol uses CAIP-2 network identifiers (e.g., "eip155:8453") and
// carries its envelopes as base64-encoded JSON in HTTP headers.
package x402

import "math/big"

// X402Version is the protocol version implemented by this module.
const X402Version = 2

// SchemeExact is the only supported payment scheme: the payer pays exactly
// the quoted amount, with no change or refund logic.
const SchemeExact = "exact"

// Protocol header names. Header lookup is case-insensitive per RFC 9110;
// these are the canonical forms used when writing.
const (
	// HeaderPaymentRequired carries the base64-encoded PaymentRequired
	// challenge on 402 responses, alongside the JSON body.
	HeaderPaymentRequired = "Payment-Required"

	// HeaderPaymentSignature carries the base64-encoded PaymentPayload
	// envelope on paid requests.
	HeaderPaymentSignature = "Payment-Signature"

	// HeaderPaymentResponse carries the base64-encoded SettleResponse
	// (including the settlement transaction hash) on successful responses.
	HeaderPaymentResponse = "Payment-Response"
)

// ResourceInfo describes the protected resource.
type ResourceInfo struct {
	// URL is the URL of the protected resource.
	URL string `json:"url"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`
}

// PaymentRequirements defines a single acceptable payment option.
// This is an element in the "accepts" array of PaymentRequired.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (currently always "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string `json:"network"`

	// Amount is the payment amount in the asset's smallest unit, as a
	// base-10 integer string.
	Amount string `json:"amount"`

	// Asset is the fungible-token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the upper bound on the authorization validity
	// window (validBefore - validAfter).
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data. For the exact scheme
	// on EVM chains this holds the EIP-712 signing domain parameters
	// "name" and "version" of the asset deployment.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ExtraString returns the named Extra entry as a string, or "" if absent.
func (r PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// PaymentRequired is the 402 challenge body sent by resource servers.
type PaymentRequired struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Resource describes the protected resource.
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Accepts is an ordered, non-empty array of payment options the server
	// will accept. The first element is the default.
	Accepts []PaymentRequirements `json:"accepts"`
}

// Authorization contains the transferWithAuthorization parameters of a
// signed, time-boxed, single-use transfer permission. All numeric fields are
// base-10 integer strings to survive JSON round trips without precision loss.
type Authorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in the asset's smallest unit.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp at which the authorization becomes
	// valid (inclusive).
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp at which the authorization expires
	// (exclusive).
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string. The token contract consumes it
	// atomically with the transfer, making each authorization single-use.
	Nonce string `json:"nonce"`
}

// ExactPayload contains the signed authorization for the exact scheme.
type ExactPayload struct {
	// Signature is the hex-encoded 65-byte ECDSA signature over the
	// domain-separated typed authorization.
	Signature string `json:"signature"`

	// Authorization contains the transfer parameters that were signed.
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the envelope clients send back to pay for a resource.
type PaymentPayload struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Resource echoes the resource from the challenge, binding the payment
	// to the specific resource requested.
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Accepted is the payment requirement the payer is satisfying. It must
	// match one the server actually offered; the server never trusts
	// client-supplied pricing.
	Accepted PaymentRequirements `json:"accepted"`

	// Payload contains the signed payment data.
	Payload ExactPayload `json:"payload"`
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason is a short machine-readable error code if the payment
	// is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// Payer is the address recovered from the authorization signature.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint.
type SettleResponse struct {
	// Success indicates whether the payment was settled on chain.
	Success bool `json:"success"`

	// ErrorReason is a short machine-readable error code if settlement
	// failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Transaction is the settlement transaction hash. Always non-empty when
	// Success is true.
	Transaction string `json:"transaction,omitempty"`

	// Network is the blockchain network where the payment was settled.
	Network string `json:"network,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format.
	Network string `json:"network"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`
}

// HealthResponse is returned by the facilitator /health endpoint.
type HealthResponse struct {
	// Status is "ok" when the facilitator can reach its execution backend.
	Status string `json:"status"`

	// Network is the configured settlement network.
	Network string `json:"network"`

	// Wallet is the settlement wallet address.
	Wallet string `json:"wallet"`
}

// AmountToBigInt converts a decimal amount string to *big.Int in the asset's
// smallest unit. For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative, malformed, or has more
// fractional digits than the asset supports.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in smallest units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}
