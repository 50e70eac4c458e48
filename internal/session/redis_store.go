// Package session tracks revoked access tokens until they expire.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation is the value stored per revoked token id.
type Revocation struct {
	JTI       string    `json:"jti"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisStore keeps revocations as keys that expire together with the token.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	client, err := Connect(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// Connect parses a redis:// URL and pings the server.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "cellucid:revoked:"}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

// RevokeAccessToken marks jti revoked until exp. Tokens that already expired
// need no entry.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(Revocation{JTI: jti, RevokedAt: time.Now().UTC(), ExpiresAt: exp.UTC()})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(jti), data, ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := s.Lookup(ctx, jti)
	if errors.Is(err, ErrNotRevoked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the stored revocation for jti.
func (s *RedisStore) Lookup(ctx context.Context, jti string) (Revocation, error) {
	raw, err := s.client.Get(ctx, s.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return Revocation{}, ErrNotRevoked
	}
	if err != nil {
		return Revocation{}, fmt.Errorf("lookup revocation: %w", err)
	}
	var rev Revocation
	if err := json.Unmarshal([]byte(raw), &rev); err != nil {
		return Revocation{}, fmt.Errorf("unmarshal revocation: %w", err)
	}
	return rev, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
