// Package local implements an in-process facilitator on top of a custodial
// signer and chain reader. Verification is pure computation plus read-only
// backend queries; settlement submits the transfer and polls the backend
// until a terminal state or the polling budget runs out.
package local

import (
	"fmt"
	"log/slog"
	"time"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/facilitator"
	"github.com/payfence/x402-go/signer"
)

// PollConfig bounds the settlement polling loop. The loop is the only place
// the facilitator blocks for an extended time, so the total wait
// (MaxAttempts * Interval) must stay within the operator's settle timeout.
type PollConfig struct {
	// MaxAttempts is the number of status polls before settlement is
	// declared timed out.
	MaxAttempts int

	// Interval is the delay between polls.
	Interval time.Duration
}

// DefaultPoll waits up to one minute for finality.
var DefaultPoll = PollConfig{
	MaxAttempts: 30,
	Interval:    2 * time.Second,
}

// Config configures a local facilitator.
type Config struct {
	// Network is the CAIP-2 network this facilitator settles on. Required.
	Network string

	// Signer executes transfers. Required.
	Signer signer.CustodialSigner

	// Reader answers balance queries at verify time. Required.
	Reader signer.ChainReader

	// WalletAddress is the custodied account the signer settles from.
	// Required.
	WalletAddress string

	// Poll bounds the settlement polling loop. Defaults to DefaultPoll.
	Poll PollConfig

	// Now is the clock used for validity-window checks. Defaults to
	// time.Now. Injected so expiry boundaries are testable.
	Now func() time.Time

	// Logger receives settlement progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// Facilitator verifies and settles exact-scheme payments on one network.
type Facilitator struct {
	network string
	chainID int64
	signer  signer.CustodialSigner
	reader  signer.ChainReader
	wallet  string
	poll    PollConfig
	now     func() time.Time
	logger  *slog.Logger
}

var _ facilitator.Interface = (*Facilitator)(nil)

// New validates the configuration and creates a Facilitator.
func New(cfg Config) (*Facilitator, error) {
	chainID, err := x402.GetChainID(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("%w: no custodial signer configured", x402.ErrConfiguration)
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("%w: no chain reader configured", x402.ErrConfiguration)
	}
	if cfg.WalletAddress == "" {
		return nil, fmt.Errorf("%w: no settlement wallet configured", x402.ErrConfiguration)
	}

	poll := cfg.Poll
	if poll.MaxAttempts <= 0 {
		poll.MaxAttempts = DefaultPoll.MaxAttempts
	}
	if poll.Interval <= 0 {
		poll.Interval = DefaultPoll.Interval
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Facilitator{
		network: cfg.Network,
		chainID: chainID,
		signer:  cfg.Signer,
		reader:  cfg.Reader,
		wallet:  cfg.WalletAddress,
		poll:    poll,
		now:     now,
		logger:  logger,
	}, nil
}
