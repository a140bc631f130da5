package server

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
)

// statusError is an error with an associated HTTP status code.
type statusError struct {
	error
	status int
}

func (se statusError) Status() int {
	return se.status
}

func newStatusError(err error, status int) error {
	return statusError{error: err, status: status}
}

// AuthConfig controls facilitator API-key authentication. Either a single
// static key or a database of issued keys may be configured, not both. When
// neither is set the endpoints are open.
type AuthConfig struct {
	// StaticKey is compared in constant time against the X-API-Key header.
	StaticKey string

	// DB holds issued API keys in a users(api_key) table.
	DB *sql.DB
}

// authenticate checks the request's X-API-Key header against the configured
// key source.
func (a AuthConfig) authenticate(r *http.Request) error {
	if a.StaticKey != "" && a.DB != nil {
		return newStatusError(
			errors.New("both static API key and key database are configured"),
			http.StatusInternalServerError,
		)
	}

	providedKey := r.Header.Get("X-API-Key")

	if a.StaticKey != "" {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(a.StaticKey)) != 1 {
			return newStatusError(errors.New("unauthorized"), http.StatusUnauthorized)
		}
		return nil
	}

	if a.DB != nil {
		if providedKey == "" {
			return newStatusError(errors.New("unauthorized"), http.StatusUnauthorized)
		}

		var apiKey string
		err := a.DB.QueryRowContext(r.Context(),
			"SELECT api_key FROM users WHERE api_key = $1",
			providedKey,
		).Scan(&apiKey)
		if err == sql.ErrNoRows {
			return newStatusError(errors.New("unauthorized"), http.StatusUnauthorized)
		}
		if err != nil {
			return newStatusError(
				errors.New("failed to check API key"),
				http.StatusInternalServerError,
			)
		}
	}

	return nil
}
