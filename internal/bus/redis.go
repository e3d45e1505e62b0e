package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisStream = "relaycast:events"
	defaultRedisMaxLen = 10000
)

// Stream entry field names.
const (
	FieldTopic       = "topic"
	FieldPayload     = "payload"
	FieldPublishedAt = "published_at"
)

// RedisBusConfig configures the Redis Streams publisher.
type RedisBusConfig struct {
	Client redis.UniversalClient
	Stream string
	// MaxLen caps the stream length approximately. Zero uses the default;
	// negative disables trimming.
	MaxLen int64
	Now    func() time.Time
}

// RedisBus appends envelopes to a Redis stream that workers consume with
// their own consumer groups.
type RedisBus struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	now    func() time.Time
}

// NewRedisBus validates cfg and returns a RedisBus.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis bus requires a client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultRedisStream
	}
	maxLen := cfg.MaxLen
	if maxLen == 0 {
		maxLen = defaultRedisMaxLen
	}
	if maxLen < 0 {
		maxLen = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RedisBus{client: cfg.Client, stream: stream, maxLen: maxLen, now: now}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := validate(topic, msg); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: b.maxLen > 0,
		Values: map[string]interface{}{
			FieldTopic:       topic,
			FieldPayload:     string(payload),
			FieldPublishedAt: strconv.FormatInt(b.now().UTC().UnixMilli(), 10),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// DecodeEntry rebuilds an envelope from stream entry values, as consumed by
// workers.
func DecodeEntry(values map[string]string) (Envelope, error) {
	topic := values[FieldTopic]
	if err := ValidateTopic(topic); err != nil {
		return Envelope{}, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(values[FieldPayload]), &msg); err != nil {
		return Envelope{}, fmt.Errorf("decode bus payload: %w", err)
	}
	envelope := Envelope{Topic: topic, Message: msg}
	if raw := values[FieldPublishedAt]; raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode bus timestamp: %w", err)
		}
		envelope.PublishedAt = time.UnixMilli(millis).UTC()
	}
	return envelope, nil
}
