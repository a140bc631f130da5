package x402http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/facilitator"
	"github.com/payfence/x402-go/retry"
)

// AuthorizationProvider returns an Authorization header value for a
// facilitator request. Useful for dynamic tokens (e.g., JWT refresh).
//
// The provider is called on every request, including retries. If it accesses
// shared state or performs I/O it must be safe for concurrent use.
type AuthorizationProvider func(ctx context.Context) (string, error)

// OnBeforeFunc is invoked before a verify or settle operation. Returning an
// error aborts the operation.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) error

// OnAfterVerifyFunc is invoked after a Verify operation completes, with the
// result (success or failure), for logging and metrics.
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.VerifyResponse, error)

// OnAfterSettleFunc is invoked after a Settle operation completes, with the
// result (success or failure), for logging and metrics.
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.SettleResponse, error)

// FacilitatorClient talks to a remote facilitator service over HTTP. It
// implements facilitator.Interface, so the middleware treats remote and
// in-process facilitators uniformly.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL.
	BaseURL string

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts bound the verify and settle calls when the caller's context
	// has no deadline.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the number of retry attempts after the first failure
	// (default 0, no retries). Only transport-level failures are retried;
	// a facilitator that answered is never asked twice.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default
	// 100ms), doubled on each subsequent attempt.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value. If
	// AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider supplies a fresh Authorization value per
	// request. Takes precedence over Authorization.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before Verify starts. An error aborts.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after Verify completes.
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before Settle starts. An error aborts.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after Settle completes.
	OnAfterSettle OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

// NewFacilitatorClient returns a client for the facilitator at baseURL with
// default timeouts.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  baseURL,
		Timeouts: DefaultTimeouts(),
	}
}

// DefaultTimeouts returns the default timeout configuration for facilitator
// calls.
func DefaultTimeouts() x402.TimeoutConfig {
	return x402.DefaultTimeouts
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header if configured.
func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) error {
	var authValue string
	if c.AuthorizationProvider != nil {
		value, err := c.AuthorizationProvider(req.Context())
		if err != nil {
			return fmt.Errorf("authorization provider: %w", err)
		}
		authValue = value
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
	return nil
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// Verify checks a payment authorization without executing the transaction.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	req := facilitator.VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling verify request: %w", err)
	}

	resp, resultErr := retry.WithRetry(ctx, c.retryConfig(), isBackendUnavailable, func() (*x402.VerifyResponse, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
			defer cancel()
		}

		httpResp, err := c.post(reqCtx, "/verify", data)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, x402.ErrVerificationFailed)
		}

		var verifyResp x402.VerifyResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResp); err != nil {
			return nil, fmt.Errorf("decoding verify response: %w", err)
		}

		if verifyResp.Payer == "" {
			verifyResp.Payer = payload.Payload.Authorization.From
		}

		return &verifyResp, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, resp, resultErr)
	}

	return resp, resultErr
}

// Settle executes a verified payment on the blockchain. Settlement requests
// are never retried: a transport failure after the facilitator received the
// request could mean the transfer is already in flight.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	req := facilitator.SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling settle request: %w", err)
	}

	settleResp, resultErr := func() (*x402.SettleResponse, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.SettleTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.SettleTimeout)
			defer cancel()
		}

		httpResp, err := c.post(reqCtx, "/settle", data)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, x402.ErrSettlementFailed)
		}

		var settleResp x402.SettleResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResp); err != nil {
			return nil, fmt.Errorf("decoding settle response: %w", err)
		}

		return &settleResp, nil
	}()

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, settleResp, resultErr)
	}

	return settleResp, resultErr
}

// Supported queries the facilitator for supported payment types.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("creating supported request: %w", err)
	}
	if err := c.setAuthorizationHeader(httpReq); err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrBackendUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("decoding supported response: %w", err)
	}

	return &supportedResp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.setAuthorizationHeader(httpReq); err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrBackendUnavailable, err)
	}
	return httpResp, nil
}

// parseErrorResponse extracts error details from a non-200 HTTP response.
// 5xx answers are treated as backend unavailability so callers can
// distinguish them from payment rejections.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		baseErr = x402.ErrBackendUnavailable
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

func isBackendUnavailable(err error) bool {
	return errors.Is(err, x402.ErrBackendUnavailable)
}
