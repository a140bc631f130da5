package x402

import "errors"

// Sentinel errors for x402 payment operations.
var (
	// ErrConfiguration indicates the server cannot construct payment
	// requirements (for example, no payee is configured). Fatal to the
	// request; never silently defaulted.
	ErrConfiguration = errors.New("x402: invalid payment configuration")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidNetwork indicates an unsupported or malformed network
	// identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrMalformedHeader indicates the payment envelope header cannot be
	// decoded or is missing required fields.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrRequirementMismatch indicates the payload references a payment
	// option the server never offered.
	ErrRequirementMismatch = errors.New("x402: payment does not match any offered requirement")

	// ErrBackendUnavailable indicates the custodial signer or chain reader
	// is unreachable. Transient; safe to retry with backoff. Never folded
	// into a verify or settle failure, which would imply the payment itself
	// is bad.
	ErrBackendUnavailable = errors.New("x402: execution backend unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates payment settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")
)

// Verify rejection reason codes, surfaced to clients as invalidReason.
// Ordering of checks in the verifier determines which code wins when several
// would apply.
const (
	ReasonSchemeMismatch         = "scheme_mismatch"
	ReasonNetworkMismatch        = "network_mismatch"
	ReasonAssetMismatch          = "asset_mismatch"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonNotYetValid            = "authorization_not_yet_valid"
	ReasonExpired                = "authorization_expired"
	ReasonWindowTooLong          = "authorization_window_too_long"
	ReasonPayToMismatch          = "pay_to_mismatch"
	ReasonInvalidSignature       = "invalid_signature"
	ReasonInsufficientFunds      = "insufficient_funds"
	ReasonMalformedAuthorization = "malformed_authorization"
)

// Settle failure reason codes, surfaced to clients as errorReason. A settle
// failure is terminal for the attempt: the client must obtain a fresh
// authorization rather than resubmit the same nonce.
const (
	ReasonAuthorizationReused = "authorization_already_used"
	ReasonTransferFailed      = "transfer_failed"
	ReasonTransferCancelled   = "transfer_cancelled"
	ReasonTransferDenied      = "transfer_denied"
	ReasonSettleTimeout       = "settlement_timed_out"
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeInvalidRequirements indicates invalid payment requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeUnsupportedVersion indicates an unsupported protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"

	// ErrCodeUnsupportedScheme indicates an unsupported scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeNetworkError indicates network communication error.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodeConfiguration indicates a server-side configuration problem.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
