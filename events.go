package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being processed.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment settled and the resource was
	// released.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment was rejected or failed to
	// settle.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event emitted by the resource
// gate, for logging, monitoring, and ledger reconciliation.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Resource is the URL of the protected resource.
	Resource string

	// Amount is the payment amount in the asset's smallest unit.
	Amount string

	// Asset is the token contract address.
	Asset string

	// Network is the blockchain network identifier (CAIP-2 format).
	Network string

	// Scheme is the payment scheme.
	Scheme string

	// Payer is the address that made the payment (available on success).
	Payer string

	// Transaction is the settlement transaction hash (available on success,
	// may be empty when settlement confirms asynchronously).
	Transaction string

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the payment processing.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing, so they
// should be fast to avoid blocking the request path.
type PaymentCallback func(PaymentEvent)
