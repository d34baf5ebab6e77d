// Package redisstore owns the optional redis connection and the
// cross-process signature tier built on it. Redis is never required: when it
// is not configured the rest of the proxy runs memory-only.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/logging"
)

// Key prefixes. Everything this process writes lives under one namespace so
// a shared redis can host other tools too.
const (
	prefixToolSig  = "crosswire:sig:tool:"
	prefixThinkSig = "crosswire:sig:family:"
)

// Client wraps the redis connection shared by the signature store and the
// usage counters.
type Client struct {
	rdb *redis.Client
}

// Connect opens a redis connection from config and verifies it with a ping.
func Connect(ctx context.Context) (*Client, error) {
	cfg := config.Get()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logging.Info("Redis connected at %s", cfg.RedisAddr)
	return &Client{rdb: rdb}, nil
}

// Raw exposes the underlying go-redis client for sibling packages.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SignatureStore adapts the redis client to the signature cache's shared
// tier interface.
type SignatureStore struct {
	client *Client
}

// NewSignatureStore builds the shared signature tier.
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// GetToolSignature fetches the thought signature cached for a tool call id.
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	val, err := s.client.rdb.Get(ctx, prefixToolSig+toolUseID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// SetToolSignature stores a thought signature under a tool call id.
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return s.client.rdb.Set(ctx, prefixToolSig+toolUseID, signature, ttl).Err()
}

// GetThinkingFamily fetches the model family tagged on a thinking signature.
func (s *SignatureStore) GetThinkingFamily(ctx context.Context, signature string) (string, error) {
	val, err := s.client.rdb.Get(ctx, prefixThinkSig+signature).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// SetThinkingFamily tags a thinking signature with its model family.
func (s *SignatureStore) SetThinkingFamily(ctx context.Context, signature, family string, ttl time.Duration) error {
	return s.client.rdb.Set(ctx, prefixThinkSig+signature, family, ttl).Err()
}
