package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "idem:v2"
	pending   = "pending"

	DefaultResponseTTL = 24 * time.Hour
	DefaultLockTTL     = 30 * time.Second
)

// Entry is what is stored under an idempotency key. Fingerprint identifies
// the request the key was first used with.
type Entry struct {
	Pending     bool   `json:"-"`
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
}

// Idempotency remembers responses to requests that carried an
// Idempotency-Key so that a retried request gets the first answer back.
type Idempotency struct {
	client      redis.UniversalClient // works with both single and cluster
	responseTTL time.Duration
	lockTTL     time.Duration
}

func NewClient(addr, password string) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
}

func NewIdempotency(client redis.UniversalClient, responseTTL, lockTTL time.Duration) *Idempotency {
	if responseTTL <= 0 {
		responseTTL = DefaultResponseTTL
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Idempotency{client: client, responseTTL: responseTTL, lockTTL: lockTTL}
}

// Key scopes a client supplied key to its user.
func Key(userID, key string) string {
	return keyPrefix + ":" + userID + ":" + key
}

// Lookup returns nil when nothing is stored under key.
func (c *Idempotency) Lookup(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return decodeEntry(raw)
}

// Reserve marks key as in progress for the request with fingerprint. It
// reports false if the key is already reserved or answered.
func (c *Idempotency) Reserve(ctx context.Context, key, fingerprint string) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, pending+":"+fingerprint, c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (c *Idempotency) Store(ctx context.Context, key, fingerprint string, status int, body []byte) error {
	raw, err := encodeEntry(fingerprint, status, body)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.responseTTL).Err(); err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// Release drops a reservation so the request can be tried again.
func (c *Idempotency) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Idempotency) Close() error {
	return c.client.Close()
}

func encodeEntry(fingerprint string, status int, body []byte) (string, error) {
	raw, err := json.Marshal(Entry{Fingerprint: fingerprint, Status: status, Body: body})
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	return string(raw), nil
}

func decodeEntry(raw string) (*Entry, error) {
	if fp, ok := strings.CutPrefix(raw, pending+":"); ok {
		return &Entry{Pending: true, Fingerprint: fp}, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to decode stored response: %w", err)
	}
	return &e, nil
}
