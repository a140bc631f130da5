// Package helpers provides internal HTTP utilities for x402 protocol
// handling: header parsing, challenge responses, and rejection bodies.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/encoding"
)

// RejectionBody is the structured JSON error clients receive on payment
// failures. Exactly one of InvalidReason (verify-time) or ErrorReason
// (settle-time) is set; the distinction matters because a verify failure is
// retryable with a corrected authorization while a settle failure needs a
// fresh one.
type RejectionBody struct {
	X402Version   int    `json:"x402Version"`
	Success       bool   `json:"success"`
	InvalidReason string `json:"invalidReason,omitempty"`
	ErrorReason   string `json:"errorReason,omitempty"`
}

// ParsePaymentHeader extracts and decodes a PaymentPayload from the
// payment-signature header. Returns x402.ErrMalformedHeader if the header is
// missing or invalid.
func ParsePaymentHeader(r *http.Request) (*x402.PaymentPayload, error) {
	paymentHeader := r.Header.Get(x402.HeaderPaymentSignature)
	if paymentHeader == "" {
		return nil, x402.ErrMalformedHeader
	}

	payment, err := encoding.DecodePayment(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	if payment.X402Version != x402.X402Version {
		return nil, x402.NewPaymentError(x402.ErrCodeUnsupportedVersion, "unsupported x402 version", x402.ErrUnsupportedVersion)
	}

	return &payment, nil
}

// SendPaymentRequired writes the 402 challenge: the base64 PaymentRequired in
// the payment-required header plus the same structure as the JSON body.
// The challenge exposes nothing beyond the requirement list.
func SendPaymentRequired(w http.ResponseWriter, resource x402.ResourceInfo, requirements []x402.PaymentRequirements, errMsg string) error {
	response := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       errMsg,
		Resource:    &resource,
		Accepts:     requirements,
	}

	encoded, err := encoding.EncodeRequirements(response)
	if err != nil {
		return fmt.Errorf("encoding PaymentRequired header: %w", err)
	}
	w.Header().Set(x402.HeaderPaymentRequired, encoded)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// SendRejection writes a structured payment rejection with the given status.
func SendRejection(w http.ResponseWriter, status int, body RejectionBody) error {
	body.X402Version = x402.X402Version
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("encoding rejection response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader adds the payment-response header carrying the
// settlement proof.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettleResponse) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: settlement is nil")
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(x402.HeaderPaymentResponse, encoded)
	return nil
}

// ParseSettlement extracts settlement information from a payment-response
// header value. Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *x402.SettleResponse {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// ParsePaymentRequirements extracts a PaymentRequired challenge from a 402
// response body.
func ParsePaymentRequirements(resp *http.Response) (*x402.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "missing response or body", x402.ErrRequirementMismatch)
	}

	var paymentReq x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&paymentReq); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to decode payment requirements", err)
	}

	if len(paymentReq.Accepts) == 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "no payment requirements in response", x402.ErrRequirementMismatch)
	}

	return &paymentReq, nil
}

// BuildResourceURL constructs the full URL for the protected resource from
// the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
