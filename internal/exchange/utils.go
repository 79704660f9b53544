// Package exchange speaks the venue's real-time protocol and token endpoint.
//
// This file holds the configuration shared by the session and the token issuer and
// the sentinel errors callers match on.
package exchange

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig indicates that the provided configuration contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAuthRejected is returned when the venue answers LOGIN with a non-zero code.
	ErrAuthRejected = errors.New("login rejected by venue")

	// ErrConnectTimeout is returned when no LOGIN acknowledgment arrives in time.
	ErrConnectTimeout = errors.New("timed out waiting for login acknowledgment")

	// ErrSessionClosed is returned when writing to a session that is gone.
	ErrSessionClosed = errors.New("session is closed")
)

const (
	DefaultEndpoint     = "wss://api.kiwoom.com:10000/api/dostk/websocket"
	DefaultRESTBaseURL  = "https://api.kiwoom.com"
	DefaultLoginTimeout = 5 * time.Second

	defaultQuoteBuffer = 4096
	defaultAckBuffer   = 64
)

// SessionConfig configures one venue session.
type SessionConfig struct {
	// Endpoint is the venue WebSocket URL.
	Endpoint string

	// Token is the bearer token sent in the LOGIN frame. Required.
	Token string

	// LoginTimeout bounds the wait for the LOGIN acknowledgment.
	LoginTimeout time.Duration

	// QuoteBuffer is the capacity of the Quotes channel.
	QuoteBuffer int

	TLSInsecureSkip bool
}

// validateConfig checks required fields and fills in defaults.
func validateConfig(cfg *SessionConfig) error {
	if cfg.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidConfig)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.QuoteBuffer <= 0 {
		cfg.QuoteBuffer = defaultQuoteBuffer
	}
	return nil
}
