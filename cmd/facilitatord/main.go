// Command facilitatord runs a standalone x402 facilitator service. It
// verifies payment authorizations and settles them on chain from a custodied
// wallet, exposing /verify, /settle, /supported, and /health over HTTP.
//
// Configuration is environment based:
//
//	X402_NETWORK       CAIP-2 network to settle on (default "eip155:84532")
//	X402_RPC_URL       JSON-RPC endpoint for the settlement chain (required)
//	X402_PRIVATE_KEY   hex private key of the settlement wallet (required)
//	X402_LISTEN_ADDR   listen address (default ":8402")
//	X402_API_KEY       static API key protecting verify/settle (optional)
//	X402_DATABASE_URL  Postgres DSN for API-key lookups (optional,
//	                   mutually exclusive with X402_API_KEY)
//	X402_LOG_LEVEL     debug, info, warn, or error (default "info")
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	x402 "github.com/payfence/x402-go"
	"github.com/payfence/x402-go/facilitator/local"
	"github.com/payfence/x402-go/facilitator/server"
	"github.com/payfence/x402-go/signer/evm"
)

func main() {
	if err := run(); err != nil {
		slog.Error("facilitatord exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := newLogger(os.Getenv("X402_LOG_LEVEL"))
	slog.SetDefault(logger)

	network := envDefault("X402_NETWORK", "eip155:84532")
	rpcURL := os.Getenv("X402_RPC_URL")
	privateKey := os.Getenv("X402_PRIVATE_KEY")
	listenAddr := envDefault("X402_LISTEN_ADDR", ":8402")

	if rpcURL == "" {
		return fmt.Errorf("X402_RPC_URL is required")
	}
	if privateKey == "" {
		return fmt.Errorf("X402_PRIVATE_KEY is required")
	}

	chainID, err := x402.GetChainID(network)
	if err != nil {
		return fmt.Errorf("resolving network %q: %w", network, err)
	}

	signer, err := evm.NewSigner(rpcURL, privateKey, chainID)
	if err != nil {
		return fmt.Errorf("creating settlement signer: %w", err)
	}

	fac, err := local.New(local.Config{
		Network:       network,
		Signer:        signer,
		Reader:        signer,
		WalletAddress: signer.Address(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating facilitator: %w", err)
	}

	auth := server.AuthConfig{StaticKey: os.Getenv("X402_API_KEY")}
	if dsn := os.Getenv("X402_DATABASE_URL"); dsn != "" {
		if auth.StaticKey != "" {
			return fmt.Errorf("X402_API_KEY and X402_DATABASE_URL are mutually exclusive")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}
		auth.DB = db
	}

	handler, err := server.NewHandler(server.Config{
		Facilitator: fac,
		Auth:        auth,
		Network:     network,
		Wallet:      signer.Address(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating handler: %w", err)
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening",
			"addr", listenAddr,
			"network", network,
			"wallet", signer.Address())
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
