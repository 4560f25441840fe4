package channelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"
)

// MemoryStore is a bounded in-process entry store.
type MemoryStore struct {
	entries *lru.Cache[string, Entry]
}

// NewMemoryStore creates a store holding at most size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create channel lru: %w", err)
	}
	return &MemoryStore{entries: entries}, nil
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (Entry, bool, error) {
	entry, ok := s.entries.Get(accountID)
	return entry, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.entries.Add(entry.AccountID, entry)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID string) error {
	s.entries.Remove(accountID)
	return nil
}

// RedisStore keeps entries as JSON values in redis so several gateway
// processes share one cache. Keys outlive the freshness TTL so a stale entry
// remains available as a fallback.
type RedisStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a redis-backed store. retention <= 0 keeps keys
// without expiry.
func NewRedisStore(client goredis.UniversalClient, prefix string, retention time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}, nil
}

func (s *RedisStore) key(accountID string) string {
	return s.prefix + accountID
}

func (s *RedisStore) Get(ctx context.Context, accountID string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get channels: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached channels: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached channels: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.AccountID), raw, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set channels: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, accountID string) error {
	if err := s.client.Del(ctx, s.key(accountID)).Err(); err != nil {
		return fmt.Errorf("redis delete channels: %w", err)
	}
	return nil
}
