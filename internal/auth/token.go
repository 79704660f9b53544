// Package auth caches the venue bearer token and refreshes it ahead of expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ErrAuthFailure wraps every failure to obtain a usable token.
var ErrAuthFailure = errors.New("auth failure")

const (
	// DefaultRefreshMargin is how long before expiry a cached token stops being handed out.
	DefaultRefreshMargin = 5 * time.Minute

	// fallbackLifetime applies when neither the issuer nor the token carries an expiry.
	fallbackLifetime = time.Hour
)

// Token is a bearer value and the instant it stops being accepted.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FreshAt reports whether t is non-empty and stays valid for more than margin after now.
func (t Token) FreshAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Issuer obtains a new token from the venue.
type Issuer interface {
	IssueToken(ctx context.Context) (Token, error)
}

// Store shares a token between processes. Load reports false when nothing is stored.
type Store interface {
	Load(ctx context.Context) (Token, bool, error)
	Save(ctx context.Context, tok Token) error
}

// CacheConfig tunes a Cache.
type CacheConfig struct {
	// Margin defaults to DefaultRefreshMargin.
	Margin time.Duration

	// Store is optional.
	Store Store
}

// Cache hands out a valid token, refreshing synchronously when the cached one is
// within the margin of its expiry. Concurrent callers share one refresh.
type Cache struct {
	issuer Issuer
	store  Store
	margin time.Duration

	mu       sync.Mutex
	token    Token
	rejected string // last invalidated value; never reloaded from the store

	now func() time.Time
}

// NewCache wraps issuer.
func NewCache(issuer Issuer, cfg CacheConfig) *Cache {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultRefreshMargin
	}
	return &Cache{
		issuer: issuer,
		store:  cfg.Store,
		margin: cfg.Margin,
		now:    time.Now,
	}
}

// ValidToken returns a token with more than the margin left. Issuer failures are
// returned wrapped in ErrAuthFailure; there is no retry here.
func (c *Cache) ValidToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token.FreshAt(now, c.margin) {
		return c.token.Value, nil
	}

	if c.store != nil {
		tok, ok, err := c.store.Load(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("token store unavailable, issuing a new token")
		case ok && tok.Value != c.rejected && tok.FreshAt(now, c.margin):
			c.token = tok
			return tok.Value, nil
		}
	}

	tok, err := c.issuer.IssueToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if tok.Value == "" {
		return "", fmt.Errorf("%w: issuer returned an empty token", ErrAuthFailure)
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = expiryOf(tok.Value, now)
	}

	c.token = tok
	log.Info().Time("expiresAt", tok.ExpiresAt).Msg("issued venue token")

	if c.store != nil {
		if err := c.store.Save(ctx, tok); err != nil {
			log.Warn().Err(err).Msg("failed to share token")
		}
	}
	return tok.Value, nil
}

// Invalidate drops the cached token so the next call refreshes, e.g. after the venue
// rejected it. The dropped value is not accepted back from the shared store either.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value != "" {
		c.rejected = c.token.Value
	}
	c.token = Token{}
}

// expiryOf reads the exp claim when the bearer is a JWT. The signature is not
// checked; the venue does that.
func expiryOf(value string, now time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	log.Warn().Dur("assumed", fallbackLifetime).Msg("token carries no expiry")
	return now.Add(fallbackLifetime)
}
