package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/signer"
)

// Settle executes a verified payment and waits for a terminal outcome.
//
// The payload/requirement pairing is re-verified first: the facilitator never
// settles something it did not independently validate. Settlement failures
// are returned as unsuccessful responses, not errors, so the resource gate
// can map them to a clean client-facing rejection; errors are reserved for
// faults where the outcome is a server-side problem (misconfiguration,
// unreachable backend, or a backend reporting success without a transaction
// hash).
func (f *Facilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	payer, reason, err := f.verifyPayment(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return f.settleFailure(reason, payer), nil
	}

	auth := payload.Payload.Authorization
	pending, err := f.signer.ExecuteTransfer(ctx, f.wallet, signer.TransferRequest{
		Asset:       requirements.Asset,
		From:        auth.From,
		To:          auth.To,
		Value:       auth.Value,
		ValidAfter:  auth.ValidAfter,
		ValidBefore: auth.ValidBefore,
		Nonce:       auth.Nonce,
		Signature:   payload.Payload.Signature,
		GasLimit:    gasLimitFromExtra(requirements),
	})
	if err != nil {
		// A consumed nonce is a normal settle failure: the backend enforces
		// single use, and at most one of any concurrent attempts wins.
		if errors.Is(err, signer.ErrAuthorizationUsed) {
			f.logger.Warn("authorization already used", "payer", payer, "error", err)
			return f.settleFailure(x402.ReasonAuthorizationReused, payer), nil
		}
		if errors.Is(err, x402.ErrBackendUnavailable) {
			return nil, err
		}
		f.logger.Warn("transfer submission rejected", "payer", payer, "error", err)
		return f.settleFailure(x402.ReasonTransferFailed, payer), nil
	}

	f.logger.Info("transfer submitted", "payer", payer, "pending", pending.ID)
	return f.awaitSettlement(ctx, pending, payer)
}

// awaitSettlement polls the backend until a terminal state or the attempt
// budget is exhausted. Exhaustion means the outcome is unknown: the transfer
// may still land, so the result is a distinct timeout failure flagged for
// out-of-band reconciliation, never an assumed success or failure.
func (f *Facilitator) awaitSettlement(ctx context.Context, pending signer.PendingTransfer, payer string) (*x402.SettleResponse, error) {
	for attempt := 0; attempt < f.poll.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.poll.Interval):
			}
		}

		status, err := f.signer.PollStatus(ctx, pending.ID)
		if err != nil {
			if errors.Is(err, x402.ErrBackendUnavailable) {
				f.logger.Warn("status poll failed", "pending", pending.ID, "error", err)
				continue
			}
			return nil, err
		}

		if !status.State.Terminal() {
			continue
		}

		switch status.State {
		case signer.StateComplete:
			if status.TxHash == "" {
				return nil, fmt.Errorf("settlement %s reported complete without a transaction hash", pending.ID)
			}
			f.logger.Info("payment settled", "payer", payer, "transaction", status.TxHash)
			return &x402.SettleResponse{
				Success:     true,
				Transaction: status.TxHash,
				Network:     f.network,
				Payer:       payer,
			}, nil
		case signer.StateFailed:
			f.logger.Warn("settlement failed", "pending", pending.ID, "reason", status.ErrorReason)
			return f.settleFailure(x402.ReasonTransferFailed, payer), nil
		case signer.StateCancelled:
			f.logger.Warn("settlement cancelled", "pending", pending.ID, "reason", status.ErrorReason)
			return f.settleFailure(x402.ReasonTransferCancelled, payer), nil
		case signer.StateDenied:
			f.logger.Warn("settlement denied", "pending", pending.ID, "reason", status.ErrorReason)
			return f.settleFailure(x402.ReasonTransferDenied, payer), nil
		}
	}

	f.logger.Error("settlement timed out awaiting finality", "pending", pending.ID, "payer", payer)
	return f.settleFailure(x402.ReasonSettleTimeout, payer), nil
}

func (f *Facilitator) settleFailure(reason, payer string) *x402.SettleResponse {
	return &x402.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Network:     f.network,
		Payer:       payer,
	}
}

// Supported reports the single (scheme, network) pair this facilitator
// settles.
func (f *Facilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     f.network,
		}},
	}, nil
}

// gasLimitFromExtra reads an optional per-requirement gas cap. JSON numbers
// decode as float64.
func gasLimitFromExtra(requirements x402.PaymentRequirements) uint64 {
	if requirements.Extra == nil {
		return 0
	}
	if v, ok := requirements.Extra["gasLimit"].(float64); ok && v > 0 {
		return uint64(v)
	}
	return 0
}
