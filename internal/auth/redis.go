package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultTokenKey = "kiwoom:token"

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// RedisStore keeps the token under one key that expires with the token, so
// restarted or sibling processes reuse it instead of issuing another.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore uses key, or "kiwoom:token" when empty.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultTokenKey
	}
	return &RedisStore{client: client, key: key}
}

// Load returns the shared token. A missing key reports false with no error.
func (r *RedisStore) Load(ctx context.Context) (Token, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("load token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, fmt.Errorf("decode stored token: %w", err)
	}
	return tok, true, nil
}

// Save stores tok until its expiry. Already expired tokens are not stored.
func (r *RedisStore) Save(ctx context.Context, tok Token) error {
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := r.client.Set(ctx, r.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
