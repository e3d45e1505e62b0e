package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/models"
)

const (
	defaultRedisPrefix = "relaycast:status:"
	defaultRedisSeqKey = "relaycast:status-seq"
	scanBatch          = 100
)

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Client redis.UniversalClient
	// Prefix is prepended to stream ids to form record keys.
	Prefix string
	// SeqKey holds the generation counter shared by all records.
	SeqKey string
	// TTL bounds how long a record survives without being rewritten. Zero
	// keeps records until they are deleted.
	TTL time.Duration
	Now func() time.Time
}

// RedisStore keeps records as JSON strings and implements compare-and-swap
// with WATCH/MULTI/EXEC, so several orchestrator replicas can share it.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	seqKey string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore validates cfg and returns a RedisStore.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis status store requires a client")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("redis status ttl must be positive, got %s", cfg.TTL)
	}
	prefix := cfg.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	seqKey := cfg.SeqKey
	if strings.TrimSpace(seqKey) == "" {
		seqKey = defaultRedisSeqKey
	}
	if strings.HasPrefix(seqKey, prefix) {
		return nil, fmt.Errorf("redis status sequence key %q must not share the record prefix %q", seqKey, prefix)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, seqKey: seqKey, ttl: cfg.TTL, now: now}, nil
}

type valueGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type keyScanner interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

func (s *RedisStore) key(streamID string) string {
	return s.prefix + streamID
}

func (s *RedisStore) Get(ctx context.Context, streamID string) (Record, bool, error) {
	return readRecord(ctx, s.client, s.key(streamID))
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, streamID string, generation int64, next models.StreamStatus) (Record, error) {
	seq, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return Record{}, fmt.Errorf("allocate status generation: %w", err)
	}
	record := Record{StreamStatus: next, Generation: seq, UpdatedAt: s.now().UTC()}
	payload, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("encode status record: %w", err)
	}
	key := s.key(streamID)
	err = s.transact(ctx, key, generation, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, payload, s.ttl)
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, streamID string, generation int64) error {
	key := s.key(streamID)
	return s.transact(ctx, key, generation, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
	})
}

func (s *RedisStore) transact(ctx context.Context, key string, generation int64, write func(redis.Pipeliner)) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, exists, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if !matches(current, exists, generation) {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) List(ctx context.Context) (map[string]Record, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(keys))
	for _, key := range keys {
		record, ok, err := readRecord(ctx, s.client, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[strings.TrimPrefix(key, s.prefix)] = record
		}
	}
	return out, nil
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	pattern := s.prefix + "*"
	cluster, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return scanNode(ctx, s.client, pattern)
	}
	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scanNode(ctx, node, pattern)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func scanNode(ctx context.Context, client keyScanner, pattern string) ([]string, error) {
	var keys []string
	iter := client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan status records: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func readRecord(ctx context.Context, client valueGetter, key string) (Record, bool, error) {
	payload, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read status record %s: %w", key, err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, fmt.Errorf("decode status record %s: %w", key, err)
	}
	return record, true, nil
}
