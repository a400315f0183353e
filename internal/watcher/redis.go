package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "actiongate:watcher:"

// RedisLedger shares watcher state between hosts through Redis. State is a
// JSON string and fingerprints are a set, one pair of keys per source.
type RedisLedger struct {
	client *redis.Client
}

// OpenRedis connects to the Redis server at url (redis://host:port/db).
func OpenRedis(ctx context.Context, url string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisLedger{client: client}, nil
}

func (l *RedisLedger) stateKey(source string) string {
	return redisKeyPrefix + source + ":state"
}

func (l *RedisLedger) setKey(source string) string {
	return redisKeyPrefix + source + ":fingerprints"
}

// LoadState implements Ledger.
func (l *RedisLedger) LoadState(ctx context.Context, source string) (*State, error) {
	s := NewState(source)
	raw, err := l.client.Get(ctx, l.stateKey(source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", source, err)
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decoding state for %s: %w", source, err)
	}
	return s, nil
}

// SaveState implements Ledger.
func (l *RedisLedger) SaveState(ctx context.Context, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := l.client.Set(ctx, l.stateKey(s.Source), data, 0).Err(); err != nil {
		return fmt.Errorf("saving state for %s: %w", s.Source, err)
	}
	return nil
}

// RecordFingerprint implements Ledger.
func (l *RedisLedger) RecordFingerprint(ctx context.Context, source, hash string) (bool, error) {
	n, err := l.client.SAdd(ctx, l.setKey(source), hash).Result()
	if err != nil {
		return false, fmt.Errorf("recording fingerprint for %s: %w", source, err)
	}
	return n == 1, nil
}

// Fingerprints implements Ledger.
func (l *RedisLedger) Fingerprints(ctx context.Context, source string) ([]string, error) {
	out, err := l.client.SMembers(ctx, l.setKey(source)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing fingerprints for %s: %w", source, err)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Ledger.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
