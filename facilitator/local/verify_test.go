package local

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	x402 "github.com/payfence/x402-go"
)

func TestVerifyValidPayment(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{})
	req := testRequirements()

	resp, err := f.Verify(context.Background(), validPayment(t, req), req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("Verify() invalid: %s", resp.InvalidReason)
	}
	if !strings.EqualFold(resp.Payer, testPayer) {
		t.Errorf("payer = %s; want %s", resp.Payer, testPayer)
	}
}

func TestVerifyAmountMustMatchExactly(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{})
	req := testRequirements()
	now := testNow.Unix()

	// Both underpayment and overpayment are rejected.
	for _, value := range []string{"9999", "10001"} {
		payment := signedPayment(t, req, value, now-10, now+30)
		resp, err := f.Verify(context.Background(), payment, req)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if resp.IsValid {
			t.Errorf("Verify() accepted value %s against required 10000", value)
		}
		if resp.InvalidReason != x402.ReasonAmountMismatch {
			t.Errorf("invalidReason for value %s = %q; want %q", value, resp.InvalidReason, x402.ReasonAmountMismatch)
		}
	}
}

func TestVerifyValidityWindow(t *testing.T) {
	now := testNow.Unix()

	tests := []struct {
		name        string
		validAfter  int64
		validBefore int64
		wantReason  string
	}{
		{name: "well within window", validAfter: now - 10, validBefore: now + 30, wantReason: ""},
		{name: "validAfter equal to now is valid", validAfter: now, validBefore: now + 30, wantReason: ""},
		{name: "validBefore one past now is valid", validAfter: now, validBefore: now + 1, wantReason: ""},
		{name: "validBefore equal to now is expired", validAfter: now - 30, validBefore: now, wantReason: x402.ReasonExpired},
		{name: "expired", validAfter: now - 120, validBefore: now - 61, wantReason: x402.ReasonExpired},
		{name: "not yet valid", validAfter: now + 10, validBefore: now + 40, wantReason: x402.ReasonNotYetValid},
		{name: "inverted window", validAfter: now + 30, validBefore: now - 30, wantReason: x402.ReasonMalformedAuthorization},
		{name: "degenerate equal bounds", validAfter: now, validBefore: now, wantReason: x402.ReasonMalformedAuthorization},
		{name: "window exceeds max timeout", validAfter: now - 10, validBefore: now + 55, wantReason: x402.ReasonWindowTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFacilitator(t, &fakeBackend{})
			req := testRequirements()
			payment := signedPayment(t, req, req.Amount, tt.validAfter, tt.validBefore)

			resp, err := f.Verify(context.Background(), payment, req)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if tt.wantReason == "" {
				if !resp.IsValid {
					t.Errorf("Verify() invalid: %s; want valid", resp.InvalidReason)
				}
				return
			}
			if resp.IsValid {
				t.Fatal("Verify() valid; want rejection")
			}
			if resp.InvalidReason != tt.wantReason {
				t.Errorf("invalidReason = %q; want %q", resp.InvalidReason, tt.wantReason)
			}
		})
	}
}

func TestVerifyRequirementBinding(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{})
	base := testRequirements()

	tests := []struct {
		name       string
		mutate     func(*x402.PaymentRequirements)
		wantReason string
	}{
		{
			name:       "wrong scheme",
			mutate:     func(r *x402.PaymentRequirements) { r.Scheme = "upto" },
			wantReason: x402.ReasonSchemeMismatch,
		},
		{
			name:       "network not settled by this facilitator",
			mutate:     func(r *x402.PaymentRequirements) { r.Network = x402.NetworkBase },
			wantReason: x402.ReasonNetworkMismatch,
		},
		{
			name:       "asset mismatch",
			mutate:     func(r *x402.PaymentRequirements) { r.Asset = "0x3333333333333333333333333333333333333333" },
			wantReason: x402.ReasonAssetMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payment := validPayment(t, base)
			req := testRequirements()
			tt.mutate(&req)

			resp, err := f.Verify(context.Background(), payment, req)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if resp.IsValid {
				t.Fatal("Verify() valid; want rejection")
			}
			if resp.InvalidReason != tt.wantReason {
				t.Errorf("invalidReason = %q; want %q", resp.InvalidReason, tt.wantReason)
			}
		})
	}
}

func TestVerifyPayToMismatch(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{})
	req := testRequirements()
	payment := validPayment(t, req)
	payment.Payload.Authorization.To = "0x4444444444444444444444444444444444444444"

	resp, err := f.Verify(context.Background(), payment, req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.IsValid || resp.InvalidReason != x402.ReasonPayToMismatch {
		t.Errorf("got (%v, %q); want invalid with %q", resp.IsValid, resp.InvalidReason, x402.ReasonPayToMismatch)
	}
}

func TestVerifyTamperedAuthorization(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{})
	req := testRequirements()

	t.Run("altered window breaks the signature", func(t *testing.T) {
		payment := validPayment(t, req)
		// Shift the signed window by one second without re-signing.
		payment.Payload.Authorization.ValidBefore = "1700000031"
		resp, err := f.Verify(context.Background(), payment, req)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if resp.IsValid || resp.InvalidReason != x402.ReasonInvalidSignature {
			t.Errorf("got (%v, %q); want invalid with %q", resp.IsValid, resp.InvalidReason, x402.ReasonInvalidSignature)
		}
	})

	t.Run("signature from another key", func(t *testing.T) {
		payment := validPayment(t, req)
		other := validPayment(t, req)
		payment.Payload.Signature = other.Payload.Signature
		resp, err := f.Verify(context.Background(), payment, req)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		// Different nonce under the same key: digest differs, recovery
		// yields a different address.
		if resp.IsValid {
			t.Error("Verify() accepted a signature over a different message")
		}
	})

	t.Run("garbage signature", func(t *testing.T) {
		payment := validPayment(t, req)
		payment.Payload.Signature = "0xdead"
		resp, err := f.Verify(context.Background(), payment, req)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if resp.IsValid || resp.InvalidReason != x402.ReasonInvalidSignature {
			t.Errorf("got (%v, %q); want invalid with %q", resp.IsValid, resp.InvalidReason, x402.ReasonInvalidSignature)
		}
	})

	t.Run("malformed nonce", func(t *testing.T) {
		payment := validPayment(t, req)
		payment.Payload.Authorization.Nonce = "0x1234"
		resp, err := f.Verify(context.Background(), payment, req)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if resp.IsValid || resp.InvalidReason != x402.ReasonMalformedAuthorization {
			t.Errorf("got (%v, %q); want invalid with %q", resp.IsValid, resp.InvalidReason, x402.ReasonMalformedAuthorization)
		}
	})

	t.Run("non-numeric value", func(t *testing.T) {
		payment := validPayment(t, req)
		payment.Payload.Authorization.Value = "lots"
		resp, err := f.Verify(context.Background(), payment, req)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if resp.IsValid || resp.InvalidReason != x402.ReasonMalformedAuthorization {
			t.Errorf("got (%v, %q); want invalid with %q", resp.IsValid, resp.InvalidReason, x402.ReasonMalformedAuthorization)
		}
	})
}

func TestVerifyInsufficientFunds(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{balance: big.NewInt(9999)})
	req := testRequirements()

	resp, err := f.Verify(context.Background(), validPayment(t, req), req)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.IsValid || resp.InvalidReason != x402.ReasonInsufficientFunds {
		t.Errorf("got (%v, %q); want invalid with %q", resp.IsValid, resp.InvalidReason, x402.ReasonInsufficientFunds)
	}
}

func TestVerifyBackendErrorIsNotAPaymentFailure(t *testing.T) {
	backendErr := x402.ErrBackendUnavailable
	f := newTestFacilitator(t, &fakeBackend{balanceErr: backendErr})
	req := testRequirements()

	resp, err := f.Verify(context.Background(), validPayment(t, req), req)
	if !errors.Is(err, x402.ErrBackendUnavailable) {
		t.Errorf("error = %v; want ErrBackendUnavailable", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v; want nil (never a rejection for backend faults)", resp)
	}
}

func TestVerifyMissingDomainParametersIsConfigurationError(t *testing.T) {
	f := newTestFacilitator(t, &fakeBackend{})
	req := testRequirements()
	payment := validPayment(t, req)
	req.Extra = nil
	payment.Accepted.Extra = nil

	_, err := f.Verify(context.Background(), payment, req)
	if !errors.Is(err, x402.ErrConfiguration) {
		t.Errorf("error = %v; want ErrConfiguration", err)
	}
}
