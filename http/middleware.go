// Package x402http provides net/http middleware that gates access to a
// resource behind an x402 payment. Unpaid requests receive a 402 challenge
// listing acceptable payments; paid requests are verified and settled against
// a facilitator before the protected handler runs.
package x402http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/encoding"
	"github.com/payfence/x402-go/facilitator"
	"github.com/payfence/x402-go/http/internal/helpers"
	"github.com/payfence/x402-go/ledger"
	"github.com/payfence/x402-go/registry"
)

// contextKey is the type used for context values set by the middleware.
type contextKey string

// PaymentContextKey is the context key under which a verified payment's
// details are stored for the protected handler.
const PaymentContextKey contextKey = "x402_payment"

// PaymentDetails is what the protected handler can read from the request
// context after a successful payment.
type PaymentDetails struct {
	Payer       string
	Amount      string
	Asset       string
	Network     string
	Transaction string
}

// GetPaymentFromContext returns the payment details attached by the
// middleware, or nil if the request did not pass through it.
func GetPaymentFromContext(ctx context.Context) *PaymentDetails {
	details, _ := ctx.Value(PaymentContextKey).(*PaymentDetails)
	return details
}

// Config configures the payment middleware.
type Config struct {
	// Facilitator, if set, is used directly for verify and settle. Takes
	// precedence over FacilitatorURL.
	Facilitator facilitator.Interface

	// FacilitatorURL is the base URL of a remote facilitator. Used to build
	// a FacilitatorClient when Facilitator is nil.
	FacilitatorURL string

	// FacilitatorAuthorization is a static Authorization header value sent
	// on facilitator requests.
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider supplies a fresh Authorization value
	// per request. Takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider func(ctx context.Context) (string, error)

	// Registry resolves payment requirements for the protected resource.
	Registry *registry.Registry

	// Price is what a request to the resource costs.
	Price registry.PriceSpec

	// Resource describes the protected resource in challenges.
	Resource x402.ResourceInfo

	// Ledger, if set, records accepted payments.
	Ledger *ledger.Ledger

	// VerifyOnly skips settlement. The payment is verified and the handler
	// runs, but no funds move. Useful for testing clients.
	VerifyOnly bool

	// OnPaymentEvent is invoked for payment attempts, successes, and
	// failures. Must not block.
	OnPaymentEvent x402.PaymentCallback

	// Timeouts bound the facilitator calls. Zero fields get defaults.
	Timeouts x402.TimeoutConfig

	// Logger receives structured middleware logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// NewX402Middleware returns net/http middleware enforcing payment for every
// request to the wrapped handler. Settlement completes before the handler is
// invoked, so a 200 response always means the payment landed on chain.
func NewX402Middleware(cfg Config) (func(http.Handler) http.Handler, error) {
	if cfg.Registry == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeConfiguration, "registry is required", x402.ErrConfiguration)
	}
	if cfg.Price.Amount == "" && cfg.Price.Price == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeConfiguration, "price is required", x402.ErrConfiguration)
	}

	fac := cfg.Facilitator
	if fac == nil {
		if cfg.FacilitatorURL == "" {
			return nil, x402.NewPaymentError(x402.ErrCodeConfiguration, "facilitator or facilitator URL is required", x402.ErrConfiguration)
		}
		client := NewFacilitatorClient(cfg.FacilitatorURL)
		client.Authorization = cfg.FacilitatorAuthorization
		client.AuthorizationProvider = cfg.FacilitatorAuthorizationProvider
		client.Timeouts = cfg.Timeouts.Normalized()
		fac = client
	}

	timeouts := cfg.Timeouts.Normalized()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gate := &gate{
		facilitator: fac,
		registry:    cfg.Registry,
		price:       cfg.Price,
		resource:    cfg.Resource,
		ledger:      cfg.Ledger,
		verifyOnly:  cfg.VerifyOnly,
		onEvent:     cfg.OnPaymentEvent,
		timeouts:    timeouts,
		logger:      logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate.serve(w, r, next)
		})
	}, nil
}

type gate struct {
	facilitator facilitator.Interface
	registry    *registry.Registry
	price       registry.PriceSpec
	resource    x402.ResourceInfo
	ledger      *ledger.Ledger
	verifyOnly  bool
	onEvent     x402.PaymentCallback
	timeouts    x402.TimeoutConfig
	logger      *slog.Logger
}

func (g *gate) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	// Requirements are resolved per request so that payee rotation and
	// price changes take effect without restarting the server.
	requirements, err := g.registry.RequirementsFor(r.Context(), g.price)
	if err != nil {
		g.logger.Error("resolving payment requirements", "error", err)
		http.Error(w, "payment configuration error", http.StatusInternalServerError)
		return
	}

	resource := g.resource
	if resource.URL == "" {
		resource.URL = helpers.BuildResourceURL(r)
	}

	payment, err := helpers.ParsePaymentHeader(r)
	if err != nil {
		if r.Header.Get(x402.HeaderPaymentSignature) == "" {
			// No payment attempt. Challenge.
			if werr := helpers.SendPaymentRequired(w, resource, requirements, "payment required"); werr != nil {
				g.logger.Error("writing payment challenge", "error", werr)
			}
			return
		}
		g.emit(x402.PaymentEvent{
			Type:     x402.PaymentEventFailure,
			Resource: resource.URL,
			Error:    err,
		})
		g.reject(w, http.StatusBadRequest, helpers.RejectionBody{InvalidReason: "malformed_payment_header"})
		return
	}

	start := time.Now()
	g.emit(x402.PaymentEvent{
		Type:     x402.PaymentEventAttempt,
		Resource: resource.URL,
		Network:  payment.Accepted.Network,
		Scheme:   payment.Accepted.Scheme,
		Amount:   payment.Accepted.Amount,
		Asset:    payment.Accepted.Asset,
		Payer:    payment.Payload.Authorization.From,
	})

	// The payload must echo the resource it is paying for and name a
	// requirement the server actually offered. A mismatch is a client
	// error, not a payment failure.
	if payment.Resource != nil && payment.Resource.URL != "" && !strings.EqualFold(payment.Resource.URL, resource.URL) {
		g.failEvent(resource.URL, payment, "resource_mismatch", start)
		g.reject(w, http.StatusBadRequest, helpers.RejectionBody{InvalidReason: "resource_mismatch"})
		return
	}

	matched, err := x402.FindMatchingRequirement(payment, requirements)
	if err != nil {
		g.failEvent(resource.URL, payment, "requirements_mismatch", start)
		g.reject(w, http.StatusBadRequest, helpers.RejectionBody{InvalidReason: "requirements_mismatch"})
		return
	}

	verifyCtx, cancelVerify := context.WithTimeout(r.Context(), g.timeouts.VerifyTimeout)
	verifyResp, err := g.facilitator.Verify(verifyCtx, *payment, *matched)
	cancelVerify()
	if err != nil {
		g.logger.Error("facilitator verify", "error", err, "payer", payment.Payload.Authorization.From)
		g.failEvent(resource.URL, payment, "facilitator_unavailable", start)
		http.Error(w, "payment facilitator unavailable", http.StatusServiceUnavailable)
		return
	}
	if !verifyResp.IsValid {
		g.logger.Info("payment rejected",
			"reason", verifyResp.InvalidReason,
			"payer", payment.Payload.Authorization.From)
		g.failEvent(resource.URL, payment, verifyResp.InvalidReason, start)
		// A fresh challenge rides along so the client can retry with a
		// corrected authorization.
		g.setChallengeHeader(w, resource, requirements)
		g.reject(w, http.StatusPaymentRequired, helpers.RejectionBody{InvalidReason: verifyResp.InvalidReason})
		return
	}

	details := &PaymentDetails{
		Payer:   verifyResp.Payer,
		Amount:  matched.Amount,
		Asset:   matched.Asset,
		Network: matched.Network,
	}

	if !g.verifyOnly {
		settleCtx, cancelSettle := context.WithTimeout(r.Context(), g.timeouts.SettleTimeout)
		settleResp, err := g.facilitator.Settle(settleCtx, *payment, *matched)
		cancelSettle()
		if err != nil {
			g.logger.Error("facilitator settle", "error", err, "payer", verifyResp.Payer)
			g.failEvent(resource.URL, payment, "facilitator_unavailable", start)
			http.Error(w, "payment facilitator unavailable", http.StatusServiceUnavailable)
			return
		}
		if !settleResp.Success {
			g.logger.Info("settlement failed",
				"reason", settleResp.ErrorReason,
				"payer", verifyResp.Payer)
			g.failEvent(resource.URL, payment, settleResp.ErrorReason, start)
			g.reject(w, http.StatusPaymentRequired, helpers.RejectionBody{ErrorReason: settleResp.ErrorReason})
			return
		}

		details.Transaction = settleResp.Transaction
		if err := helpers.AddPaymentResponseHeader(w, settleResp); err != nil {
			g.logger.Error("writing settlement header", "error", err)
		}
	}

	if g.ledger != nil {
		g.ledger.RecordAccepted(ledger.Payment{
			Resource: resource.URL,
			Amount:   matched.Amount,
			TxHash:   details.Transaction,
			Payer:    details.Payer,
		})
	}

	g.emit(x402.PaymentEvent{
		Type:        x402.PaymentEventSuccess,
		Resource:    resource.URL,
		Amount:      matched.Amount,
		Asset:       matched.Asset,
		Network:     matched.Network,
		Scheme:      matched.Scheme,
		Payer:       details.Payer,
		Transaction: details.Transaction,
		Duration:    time.Since(start),
	})

	g.logger.Info("payment accepted",
		"payer", details.Payer,
		"amount", matched.Amount,
		"transaction", details.Transaction)

	ctx := context.WithValue(r.Context(), PaymentContextKey, details)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (g *gate) setChallengeHeader(w http.ResponseWriter, resource x402.ResourceInfo, requirements []x402.PaymentRequirements) {
	encoded, err := encoding.EncodeRequirements(x402.PaymentRequired{
		X402Version: x402.X402Version,
		Resource:    &resource,
		Accepts:     requirements,
	})
	if err != nil {
		g.logger.Error("encoding challenge header", "error", err)
		return
	}
	w.Header().Set(x402.HeaderPaymentRequired, encoded)
}

func (g *gate) reject(w http.ResponseWriter, status int, body helpers.RejectionBody) {
	if err := helpers.SendRejection(w, status, body); err != nil {
		g.logger.Error("writing rejection response", "error", err)
	}
}

func (g *gate) emit(event x402.PaymentEvent) {
	if g.onEvent == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	g.onEvent(event)
}

func (g *gate) failEvent(resourceURL string, payment *x402.PaymentPayload, reason string, start time.Time) {
	g.emit(x402.PaymentEvent{
		Type:     x402.PaymentEventFailure,
		Resource: resourceURL,
		Network:  payment.Accepted.Network,
		Scheme:   payment.Accepted.Scheme,
		Amount:   payment.Accepted.Amount,
		Asset:    payment.Accepted.Asset,
		Payer:    payment.Payload.Authorization.From,
		Error:    errors.New(reason),
		Duration: time.Since(start),
	})
}
