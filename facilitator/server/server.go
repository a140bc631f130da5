// Package server exposes a facilitator over HTTP: POST /verify and
// POST /settle for payment processing, GET /supported and GET /health for
// discovery. Resource servers that do not hold settlement keys point the
// http package's FacilitatorClient at this surface.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/facilitator"
)

// Config configures the HTTP surface.
type Config struct {
	// Facilitator handles the actual verify/settle work. Required.
	Facilitator facilitator.Interface

	// Auth optionally protects the endpoints with API keys.
	Auth AuthConfig

	// Network and Wallet are reported by /health.
	Network string
	Wallet  string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler serves the facilitator HTTP surface.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler builds the facilitator HTTP handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Facilitator == nil {
		return nil, fmt.Errorf("%w: no facilitator configured", x402.ErrConfiguration)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify", h.verify)
	mux.HandleFunc("POST /settle", h.settle)
	mux.HandleFunc("GET /supported", h.supported)
	mux.HandleFunc("GET /health", h.health)
	h.mux = mux

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	var req facilitator.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.X402Version != x402.X402Version {
		http.Error(w, "unsupported x402 version", http.StatusBadRequest)
		return
	}

	resp, err := h.cfg.Facilitator.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.writeBackendError(w, "verify", err)
		return
	}

	h.writeJSON(w, resp)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	var req facilitator.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.X402Version != x402.X402Version {
		http.Error(w, "unsupported x402 version", http.StatusBadRequest)
		return
	}

	resp, err := h.cfg.Facilitator.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.writeBackendError(w, "settle", err)
		return
	}

	h.writeJSON(w, resp)
}

func (h *Handler) supported(w http.ResponseWriter, r *http.Request) {
	resp, err := h.cfg.Facilitator.Supported(r.Context())
	if err != nil {
		h.writeBackendError(w, "supported", err)
		return
	}
	h.writeJSON(w, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, x402.HealthResponse{
		Status:  "ok",
		Network: h.cfg.Network,
		Wallet:  h.cfg.Wallet,
	})
}

// authenticate runs the API-key check, writing the failure response itself.
// Returns false when the request must not proceed.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) bool {
	err := h.cfg.Auth.authenticate(r)
	if err == nil {
		return true
	}

	var se statusError
	if errors.As(err, &se) {
		http.Error(w, err.Error(), se.Status())
	} else {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
	return false
}

// writeBackendError maps facilitator errors onto status codes. Transient
// backend unavailability is 503 so clients know to retry; everything else is
// an opaque 500 - internals are logged, never sent to clients.
func (h *Handler) writeBackendError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("facilitator operation failed", "op", op, "error", err)
	if errors.Is(err, x402.ErrBackendUnavailable) {
		http.Error(w, "execution backend unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already written, so just log.
		h.logger.Error("failed to write response", "error", err)
	}
}
