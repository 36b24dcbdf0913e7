package relayqueue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "relayqueue"
	redisOperationTimeout = 5 * time.Second
)

// RedisStore persists the write queue as a Redis list of JSON entries
// plus an INCR counter for insertion indexes. A single logical client
// appends, so list order equals insertion order.
type RedisStore struct {
	cli       *redis.Client
	listKey   string
	indexKey  string
	opTimeout time.Duration
}

func NewRedisStore(dsn string) (DurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		cli:       redis.NewClient(opts),
		listKey:   redisKeyPrefix + ":requests",
		indexKey:  redisKeyPrefix + ":requests:index",
		opTimeout: redisOperationTimeout,
	}, nil
}

func (s *RedisStore) Append(entry QueueEntry) (uint64, error) {
	if strings.TrimSpace(entry.Name) == "" {
		return 0, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	index, err := s.cli.Incr(ctx, s.indexKey).Result()
	if err != nil {
		return 0, err
	}
	entry.Index = uint64(index)
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if err := s.cli.RPush(ctx, s.listKey, string(payload)).Err(); err != nil {
		return 0, err
	}
	return entry.Index, nil
}

func (s *RedisStore) ReadAll() ([]QueueEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	raw, err := s.cli.LRange(ctx, s.listKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]QueueEntry, 0, len(raw))
	for _, item := range raw {
		var entry QueueEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Remove(index uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	raw, err := s.cli.LRange(ctx, s.listKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range raw {
		var entry QueueEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return err
		}
		if entry.Index != index {
			continue
		}
		removed, err := s.cli.LRem(ctx, s.listKey, 1, item).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			return ErrNotFound
		}
		return nil
	}
	return ErrNotFound
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	return s.cli.Del(ctx, s.listKey, s.indexKey).Err()
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}
