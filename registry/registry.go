// Package registry constructs the canonical payment requirements for a
// priced resource. It is the single place where a human-readable price is
// resolved into an integer amount and where the EIP-712 signing domain
// metadata is attached, so every call site quotes the same requirement.
package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	x402 "github.com/payfence/x402-go"
)

// PayeeSource resolves the payee address. Implementations may call out to a
// custodial signer's directory service; the registry caches the result.
type PayeeSource interface {
	PayeeAddress(ctx context.Context) (string, error)
}

// StaticPayee is a PayeeSource for a fixed address.
type StaticPayee string

// PayeeAddress implements PayeeSource.
func (p StaticPayee) PayeeAddress(ctx context.Context) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: no payee configured", x402.ErrConfiguration)
	}
	return string(p), nil
}

// PriceSpec is either a pre-computed integer amount in the asset's smallest
// unit, or a human-readable decimal price. Exactly one field should be set;
// Amount takes precedence when both are.
type PriceSpec struct {
	// Amount is a base-10 integer string in the asset's smallest unit.
	Amount string

	// Price is a decimal string, optionally prefixed with "$" (e.g.
	// "$0.01"). It is resolved using the asset's fixed decimal precision.
	Price string
}

// Config configures a Registry.
type Config struct {
	// Network is the CAIP-2 settlement network. Required.
	Network string

	// Asset is the token contract address. Defaults to the network's USDC
	// deployment.
	Asset string

	// Payee resolves the payee address. Required.
	Payee PayeeSource

	// MaxTimeoutSeconds bounds the authorization validity window.
	// Defaults to 60.
	MaxTimeoutSeconds int

	// PayeeTTL is how long a resolved payee address is cached. Defaults to
	// 30 seconds: small enough that a payee change propagates within one
	// operator-visible interval.
	PayeeTTL time.Duration
}

// Registry produces payment requirements from configuration plus a cached
// payee lookup. Safe for concurrent use.
type Registry struct {
	network           string
	chain             x402.ChainConfig
	asset             string
	payee             PayeeSource
	maxTimeoutSeconds int
	ttl               time.Duration

	mu          sync.RWMutex
	cachedPayee string
	fetchedAt   time.Time
}

// New validates the configuration and creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Payee == nil {
		return nil, fmt.Errorf("%w: no payee configured", x402.ErrConfiguration)
	}

	chain, err := x402.GetChainConfig(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrConfiguration, err)
	}

	asset := cfg.Asset
	if asset == "" {
		asset = chain.USDCAddress
	}

	timeout := cfg.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}

	ttl := cfg.PayeeTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Registry{
		network:           cfg.Network,
		chain:             chain,
		asset:             asset,
		payee:             cfg.Payee,
		maxTimeoutSeconds: timeout,
		ttl:               ttl,
	}, nil
}

// RequirementsFor returns the ordered, non-empty list of acceptable payment
// options for the given price. The first element is the default.
//
// Returns an error wrapping x402.ErrConfiguration when no requirement can be
// constructed; callers must fail the request rather than guess a payee.
func (r *Registry) RequirementsFor(ctx context.Context, price PriceSpec) ([]x402.PaymentRequirements, error) {
	amount, err := r.resolveAmount(price)
	if err != nil {
		return nil, err
	}

	payTo, err := r.payeeAddress(ctx)
	if err != nil {
		return nil, err
	}

	return []x402.PaymentRequirements{{
		Scheme:            x402.SchemeExact,
		Network:           r.network,
		Amount:            amount,
		Asset:             r.asset,
		PayTo:             payTo,
		MaxTimeoutSeconds: r.maxTimeoutSeconds,
		Extra: map[string]interface{}{
			"name":    r.chain.EIP3009Name,
			"version": r.chain.EIP3009Version,
		},
	}}, nil
}

// resolveAmount applies the canonical precedence: an explicit integer amount
// wins; otherwise the decimal price is converted at the asset's fixed
// decimal precision.
func (r *Registry) resolveAmount(price PriceSpec) (string, error) {
	if price.Amount != "" {
		amt, ok := new(big.Int).SetString(price.Amount, 10)
		if !ok || amt.Sign() < 0 {
			return "", fmt.Errorf("%w: invalid amount %q", x402.ErrConfiguration, price.Amount)
		}
		return amt.String(), nil
	}

	if price.Price == "" {
		return "", fmt.Errorf("%w: no price configured", x402.ErrConfiguration)
	}

	decimal := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price.Price), "$"))
	amt, err := x402.AmountToBigInt(decimal, r.chain.Decimals)
	if err != nil {
		return "", fmt.Errorf("%w: invalid price %q: %v", x402.ErrConfiguration, price.Price, err)
	}
	return amt.String(), nil
}

// payeeAddress returns the cached payee address, refreshing it when the TTL
// has lapsed. The fetch runs outside the lock, so two requests racing across
// the TTL boundary may both fetch; last writer wins, which is acceptable
// given the short TTL.
func (r *Registry) payeeAddress(ctx context.Context) (string, error) {
	r.mu.RLock()
	payee, fetchedAt := r.cachedPayee, r.fetchedAt
	r.mu.RUnlock()

	if payee != "" && time.Since(fetchedAt) < r.ttl {
		return payee, nil
	}

	fresh, err := r.payee.PayeeAddress(ctx)
	if err != nil {
		// A stale address beats a failed request while the directory
		// service recovers.
		if payee != "" {
			return payee, nil
		}
		return "", fmt.Errorf("%w: resolving payee: %v", x402.ErrConfiguration, err)
	}
	if fresh == "" {
		return "", fmt.Errorf("%w: payee source returned empty address", x402.ErrConfiguration)
	}

	r.mu.Lock()
	r.cachedPayee = fresh
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	return fresh, nil
}
