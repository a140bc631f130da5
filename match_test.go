package x402

import (
	"errors"
	"testing"
)

func offeredRequirements() []PaymentRequirements {
	return []PaymentRequirements{
		{
			Scheme:  SchemeExact,
			Network: NetworkBase,
			Amount:  "10000",
			Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			PayTo:   "0x1111111111111111111111111111111111111111",
		},
		{
			Scheme:  SchemeExact,
			Network: NetworkPolygon,
			Amount:  "10000",
			Asset:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			PayTo:   "0x1111111111111111111111111111111111111111",
		},
	}
}

func paymentAccepting(req PaymentRequirements) *PaymentPayload {
	return &PaymentPayload{X402Version: X402Version, Accepted: req}
}

func TestFindMatchingRequirement(t *testing.T) {
	offered := offeredRequirements()

	t.Run("matches second offer", func(t *testing.T) {
		matched, err := FindMatchingRequirement(paymentAccepting(offered[1]), offered)
		if err != nil {
			t.Fatalf("FindMatchingRequirement() error = %v", err)
		}
		if matched.Network != NetworkPolygon {
			t.Errorf("matched network = %s; want %s", matched.Network, NetworkPolygon)
		}
	})

	t.Run("asset and payee match case-insensitively", func(t *testing.T) {
		accepted := offered[0]
		accepted.Asset = "0x833589FCD6EDB6E08F4C7C32D4F71B54BDA02913"
		accepted.PayTo = "0X1111111111111111111111111111111111111111"
		if _, err := FindMatchingRequirement(paymentAccepting(accepted), offered); err != nil {
			t.Errorf("FindMatchingRequirement() error = %v; want match", err)
		}
	})

	t.Run("client-supplied amount is rejected", func(t *testing.T) {
		accepted := offered[0]
		accepted.Amount = "1"
		_, err := FindMatchingRequirement(paymentAccepting(accepted), offered)
		if !errors.Is(err, ErrRequirementMismatch) {
			t.Errorf("error = %v; want ErrRequirementMismatch", err)
		}
	})

	t.Run("wrong scheme is rejected", func(t *testing.T) {
		accepted := offered[0]
		accepted.Scheme = "upto"
		if _, err := FindMatchingRequirement(paymentAccepting(accepted), offered); err == nil {
			t.Error("FindMatchingRequirement() = nil error; want mismatch")
		}
	})

	t.Run("wrong payee is rejected", func(t *testing.T) {
		accepted := offered[0]
		accepted.PayTo = "0x2222222222222222222222222222222222222222"
		if _, err := FindMatchingRequirement(paymentAccepting(accepted), offered); err == nil {
			t.Error("FindMatchingRequirement() = nil error; want mismatch")
		}
	})

	t.Run("empty offer list", func(t *testing.T) {
		_, err := FindMatchingRequirement(paymentAccepting(offered[0]), nil)
		if !errors.Is(err, ErrRequirementMismatch) {
			t.Errorf("error = %v; want ErrRequirementMismatch", err)
		}
	})
}
