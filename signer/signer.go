// Package signer defines the narrow interfaces through which the payment
// core talks to its external collaborators: a custodial signer that holds the
// settlement key and submits transactions, and a chain reader that answers
// read-only state queries. The core never touches key custody or RPC
// transports directly.
package signer

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TransferState is the lifecycle state of a submitted transfer as reported
// by the custodial signer.
type TransferState string

const (
	StateQueued    TransferState = "QUEUED"
	StateSent      TransferState = "SENT"
	StateConfirmed TransferState = "CONFIRMED"
	StateComplete  TransferState = "COMPLETE"
	StateFailed    TransferState = "FAILED"
	StateCancelled TransferState = "CANCELLED"
	StateDenied    TransferState = "DENIED"
)

// Terminal reports whether the state is final. A non-terminal state means the
// transfer is still in flight and should be polled again.
func (s TransferState) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateCancelled, StateDenied:
		return true
	}
	return false
}

// ErrAuthorizationUsed is returned by ExecuteTransfer when the execution
// backend rejects the transfer because the authorization nonce was already
// consumed. This is a normal settle-time failure, not a fault: the backend
// enforces single use atomically with the transfer.
var ErrAuthorizationUsed = errors.New("signer: authorization already used or canceled")

// TransferRequest describes an authorized transfer to execute. All account
// identifiers are hex addresses; numeric fields are base-10 integer strings.
type TransferRequest struct {
	// Asset is the token contract to call transferWithAuthorization on.
	Asset string

	// From, To, Value, ValidAfter, ValidBefore, Nonce are the signed
	// authorization parameters, passed through verbatim.
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       string

	// Signature is the hex-encoded 65-byte authorization signature.
	Signature string

	// GasLimit optionally caps the transaction gas. Zero means no cap.
	GasLimit uint64
}

// PendingTransfer identifies a submitted transfer for status polling.
type PendingTransfer struct {
	// ID is an opaque identifier understood by PollStatus.
	ID string
}

// TransferStatus is one observation of a pending transfer's state.
type TransferStatus struct {
	// State is the current lifecycle state.
	State TransferState

	// TxHash is the on-chain transaction hash, when known. A COMPLETE state
	// without a TxHash is an invariant violation the caller must treat as a
	// hard failure rather than partial success.
	TxHash string

	// ErrorReason describes why a FAILED, CANCELLED, or DENIED state was
	// reached, when the backend reports one.
	ErrorReason string
}

// CustodialSigner produces signatures and executes transfers for a custodied
// account. Implementations must return an error wrapping
// x402.ErrBackendUnavailable (or any transport-level error) rather than
// inventing terminal states when the backend cannot be reached.
type CustodialSigner interface {
	// SignTypedData signs the EIP-712 typed structure with the custodied
	// account's key and returns the 65-byte signature.
	SignTypedData(ctx context.Context, accountID string, typedData apitypes.TypedData) ([]byte, error)

	// ExecuteTransfer submits the authorized transfer to the execution
	// backend and returns a pending identifier for polling. Submission does
	// not imply settlement.
	ExecuteTransfer(ctx context.Context, accountID string, req TransferRequest) (PendingTransfer, error)

	// PollStatus reports the current state of a previously submitted
	// transfer.
	PollStatus(ctx context.Context, pendingID string) (TransferStatus, error)
}

// ChainReader answers read-only queries against the execution backend.
type ChainReader interface {
	// ReadBalance returns the account's balance of the given asset, in the
	// asset's smallest unit.
	ReadBalance(ctx context.Context, account, asset string) (*big.Int, error)

	// GetCode returns the code deployed at an address. Used to distinguish
	// contract accounts for advanced signature schemes.
	GetCode(ctx context.Context, address string) ([]byte, error)
}
