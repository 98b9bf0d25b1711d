package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript sets the record only if the key is absent and otherwise
// returns the existing record, in one server-side step.
var reserveScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  return existing
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return false
`)

// completeScript attaches a result reference without touching the
// fingerprint. A missing key (expired or released) is left alone.
var completeScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  return 0
end
local rec = cjson.decode(existing)
rec["result_ref"] = ARGV[1]
rec["expires_at"] = ARGV[3]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[2])
return 1
`)

// RedisStore keeps records in Redis with native key expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "idempotency:"}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Record, bool, error) {
	rec := Record{Key: key, Fingerprint: fingerprint, ExpiresAt: time.Now().Add(ttl).UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal record: %w", err)
	}

	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key}, string(data), ttl.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, true, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis reserve: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return Record{}, false, fmt.Errorf("redis reserve: unexpected reply %T", res)
	}
	var existing Record
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return existing, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, resultRef string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	err := completeScript.Run(ctx, s.client, []string{s.prefix + key}, resultRef, ttl.Milliseconds(), expires).Err()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ping checks the connection to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
