// Package idempotency remembers responses to requests carrying an Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// ErrInFlight is returned by Lookup while the first request with the key is still running
var ErrInFlight = errors.New("request with this idempotency key is in flight")

// Response is a stored HTTP response
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store keeps keys in Redis for ttl
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a new Store
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Key namespaces a client key by scope, usually the caller identity
func (s *Store) Key(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Reserve claims key. It returns false when the key already exists.
func (s *Store) Reserve(ctx context.Context, key string) (bool, error) {
	return s.rdb.SetNX(ctx, key, pendingMarker, s.ttl).Result()
}

// Lookup returns the stored response for key, ErrInFlight while it is
// reserved, and (nil, nil) when the key is unknown
func (s *Store) Lookup(ctx context.Context, key string) (*Response, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == pendingMarker {
		return nil, ErrInFlight
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, nil
}

// Save stores the final response for key
func (s *Store) Save(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err()
}

// Release forgets key so the client may retry
func (s *Store) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
