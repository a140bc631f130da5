package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/facilitator"
)

// stubFacilitator returns canned responses.
type stubFacilitator struct {
	verifyResp *x402.VerifyResponse
	verifyErr  error
	settleResp *x402.SettleResponse
	settleErr  error

	verifyCalls int
	settleCalls int
}

func (s *stubFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	s.verifyCalls++
	return s.verifyResp, s.verifyErr
}

func (s *stubFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	s.settleCalls++
	return s.settleResp, s.settleErr
}

func (s *stubFacilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{Kinds: []x402.SupportedKind{{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkBaseSepolia,
	}}}, nil
}

func newTestHandler(t *testing.T, stub *stubFacilitator, auth AuthConfig) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Facilitator: stub,
		Auth:        auth,
		Network:     x402.NetworkBaseSepolia,
		Wallet:      "0x2222222222222222222222222222222222222222",
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h
}

func verifyBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(facilitator.VerifyRequest{
		X402Version: x402.X402Version,
		PaymentPayload: x402.PaymentPayload{
			X402Version: x402.X402Version,
		},
	})
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	return bytes.NewReader(body)
}

func TestNewHandlerRequiresFacilitator(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("NewHandler() = nil error without a facilitator")
	}
}

func TestVerifyEndpoint(t *testing.T) {
	stub := &stubFacilitator{verifyResp: &x402.VerifyResponse{IsValid: true, Payer: "0xabc"}}
	h := newTestHandler(t, stub, AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/verify", verifyBody(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var resp x402.VerifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.IsValid || resp.Payer != "0xabc" {
		t.Errorf("response = %+v", resp)
	}
}

func TestVerifyEndpointRejectsBadRequests(t *testing.T) {
	stub := &stubFacilitator{verifyResp: &x402.VerifyResponse{IsValid: true}}
	h := newTestHandler(t, stub, AuthConfig{})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", rec.Code)
		}
	})

	t.Run("wrong protocol version", func(t *testing.T) {
		body, _ := json.Marshal(facilitator.VerifyRequest{X402Version: 1})
		req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", rec.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/verify", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d; want 405", rec.Code)
		}
	})

	if stub.verifyCalls != 0 {
		t.Errorf("facilitator Verify calls = %d; want 0", stub.verifyCalls)
	}
}

func TestVerifyEndpointBackendUnavailable(t *testing.T) {
	stub := &stubFacilitator{verifyErr: fmt.Errorf("rpc: %w", x402.ErrBackendUnavailable)}
	h := newTestHandler(t, stub, AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/verify", verifyBody(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503", rec.Code)
	}
}

func TestVerifyEndpointInternalErrorsAreOpaque(t *testing.T) {
	stub := &stubFacilitator{verifyErr: fmt.Errorf("secret database password rejected")}
	h := newTestHandler(t, stub, AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/verify", verifyBody(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d; want 500", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("secret")) {
		t.Error("internal error detail leaked to the client")
	}
}

func TestSettleEndpoint(t *testing.T) {
	stub := &stubFacilitator{settleResp: &x402.SettleResponse{
		Success:     true,
		Transaction: "0xsettled",
		Network:     x402.NetworkBaseSepolia,
	}}
	h := newTestHandler(t, stub, AuthConfig{})

	body, _ := json.Marshal(facilitator.SettleRequest{X402Version: x402.X402Version})
	req := httptest.NewRequest(http.MethodPost, "/settle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var resp x402.SettleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xsettled" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSettleFailureIsStill200(t *testing.T) {
	// A settle failure is a payment outcome, not a transport error; the
	// facilitator client relies on the 200 + success:false shape.
	stub := &stubFacilitator{settleResp: &x402.SettleResponse{
		Success:     false,
		ErrorReason: x402.ReasonAuthorizationReused,
	}}
	h := newTestHandler(t, stub, AuthConfig{})

	body, _ := json.Marshal(facilitator.SettleRequest{X402Version: x402.X402Version})
	req := httptest.NewRequest(http.MethodPost, "/settle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var resp x402.SettleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Success || resp.ErrorReason != x402.ReasonAuthorizationReused {
		t.Errorf("response = %+v", resp)
	}
}

func TestSupportedEndpoint(t *testing.T) {
	h := newTestHandler(t, &stubFacilitator{}, AuthConfig{})

	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var resp x402.SupportedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Kinds) != 1 || resp.Kinds[0].Network != x402.NetworkBaseSepolia {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t, &stubFacilitator{}, AuthConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var resp x402.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "ok" || resp.Network != x402.NetworkBaseSepolia {
		t.Errorf("response = %+v", resp)
	}
}
