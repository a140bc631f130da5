package local

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/internal/eip3009"
)

// Verify checks a payment authorization against the requirements without
// moving funds. The first failing check determines the invalidReason. Nonce
// consumption is never tracked here: the token contract enforces single use
// atomically at settlement time.
func (f *Facilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	payer, reason, err := f.verifyPayment(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// verifyPayment runs the ordered verification checks. It returns the
// recovered payer on success, a rejection reason for payment problems, or an
// error for server-side faults (misconfiguration, unreachable backend) that
// must not be reported as payment failures.
func (f *Facilitator) verifyPayment(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (payer, reason string, err error) {
	auth := payload.Payload.Authorization

	// Check 1: the accepted block must match the requirement exactly.
	if payload.Accepted.Scheme != requirements.Scheme || requirements.Scheme != x402.SchemeExact {
		return "", x402.ReasonSchemeMismatch, nil
	}
	if payload.Accepted.Network != requirements.Network || requirements.Network != f.network {
		return "", x402.ReasonNetworkMismatch, nil
	}
	if !strings.EqualFold(payload.Accepted.Asset, requirements.Asset) {
		return "", x402.ReasonAssetMismatch, nil
	}

	// Check 2: exact amount. Partial payments are rejected, never credited;
	// overpayment is rejected too.
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return "", x402.ReasonMalformedAuthorization, nil
	}
	required, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return "", "", fmt.Errorf("%w: invalid requirement amount %q", x402.ErrConfiguration, requirements.Amount)
	}
	if value.Cmp(required) != 0 {
		return "", x402.ReasonAmountMismatch, nil
	}

	// Check 3: validity window. validAfter is inclusive, validBefore is
	// exclusive: validAfter <= now < validBefore.
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return "", x402.ReasonMalformedAuthorization, nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return "", x402.ReasonMalformedAuthorization, nil
	}
	if validAfter >= validBefore {
		return "", x402.ReasonMalformedAuthorization, nil
	}
	if requirements.MaxTimeoutSeconds > 0 && validBefore-validAfter > int64(requirements.MaxTimeoutSeconds) {
		return "", x402.ReasonWindowTooLong, nil
	}
	now := f.now().Unix()
	if now < validAfter {
		return "", x402.ReasonNotYetValid, nil
	}
	if now >= validBefore {
		return "", x402.ReasonExpired, nil
	}

	// Check 4: the authorization pays the required payee.
	if !common.IsHexAddress(auth.To) || !common.IsHexAddress(requirements.PayTo) {
		return "", x402.ReasonMalformedAuthorization, nil
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(requirements.PayTo) {
		return "", x402.ReasonPayToMismatch, nil
	}

	// Check 5: the signature must recover to the declared payer under the
	// domain bound to this asset deployment and network.
	if !common.IsHexAddress(auth.From) {
		return "", x402.ReasonMalformedAuthorization, nil
	}
	nonce, nErr := eip3009.ParseNonce(auth.Nonce)
	if nErr != nil {
		return "", x402.ReasonMalformedAuthorization, nil
	}

	name := requirements.ExtraString("name")
	version := requirements.ExtraString("version")
	if name == "" || version == "" {
		return "", "", fmt.Errorf("%w: requirement is missing EIP-712 domain name/version", x402.ErrConfiguration)
	}

	typedData := eip3009.NewTypedData(name, version, big.NewInt(f.chainID), common.HexToAddress(requirements.Asset), &eip3009.Authorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  big.NewInt(validAfter),
		ValidBefore: big.NewInt(validBefore),
		Nonce:       nonce,
	})

	recovered, rErr := eip3009.RecoverSigner(typedData, payload.Payload.Signature)
	if rErr != nil {
		return "", x402.ReasonInvalidSignature, nil
	}
	if recovered != common.HexToAddress(auth.From) {
		return "", x402.ReasonInvalidSignature, nil
	}

	// Check 6: the payer must currently be able to fund the transfer.
	// Rejecting here avoids a doomed settlement attempt. Backend errors
	// propagate as errors, never as payment failures.
	balance, bErr := f.reader.ReadBalance(ctx, auth.From, requirements.Asset)
	if bErr != nil {
		return "", "", bErr
	}
	if balance.Cmp(value) < 0 {
		return "", x402.ReasonInsufficientFunds, nil
	}

	return recovered.Hex(), "", nil
}
