package x402

import "strings"

// FindMatchingRequirement finds the offered payment requirement that the
// payment's accepted block corresponds to. The accepted block must match an
// offered requirement on every binding field - scheme, network, asset, payee,
// and amount - so a client can never supply its own price.
//
// Returns ErrRequirementMismatch if no offered requirement matches.
func FindMatchingRequirement(payment *PaymentPayload, requirements []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range requirements {
		req := &requirements[i]
		if req.Scheme != payment.Accepted.Scheme {
			continue
		}
		if req.Network != payment.Accepted.Network {
			continue
		}
		if !strings.EqualFold(req.Asset, payment.Accepted.Asset) {
			continue
		}
		if !strings.EqualFold(req.PayTo, payment.Accepted.PayTo) {
			continue
		}
		if req.Amount != payment.Accepted.Amount {
			continue
		}
		return req, nil
	}
	return nil, NewPaymentError(
		ErrCodeUnsupportedScheme,
		"payment does not match any offered requirement",
		ErrRequirementMismatch,
	).WithDetails("network", payment.Accepted.Network).WithDetails("scheme", payment.Accepted.Scheme)
}
