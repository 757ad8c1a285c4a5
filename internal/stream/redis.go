package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/config"
	"github.com/devtrail/devtrail/internal/common/logger"
)

// RedisStream implements Stream on Redis Streams with a consumer group.
type RedisStream struct {
	client  *redis.Client
	logger  *logger.Logger
	stream  string
	group   string
	deadKey string
}

var _ Stream = (*RedisStream)(nil)

// NewRedis connects to Redis and ensures the stream and consumer group
// exist. The group starts at the tail; only entries appended after group
// creation are delivered.
func NewRedis(cfg config.RedisConfig, log *logger.Logger) (*RedisStream, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	err = client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.ConsumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Info("Connected to redis stream",
		zap.String("stream", cfg.Stream),
		zap.String("group", cfg.ConsumerGroup),
	)

	return &RedisStream{
		client:  client,
		logger:  log,
		stream:  cfg.Stream,
		group:   cfg.ConsumerGroup,
		deadKey: cfg.DeadLetterKey,
	}, nil
}

// Append adds a payload to the stream.
func (s *RedisStream) Append(ctx context.Context, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream: %w", err)
	}
	return id, nil
}

// Fetch reads new entries for the consumer, blocking up to block.
func (s *RedisStream) Fetch(ctx context.Context, consumer string, count int64, block time.Duration) ([]*Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var out []*Message
	for _, str := range res {
		for _, entry := range str.Messages {
			msg, ok := decodeEntry(entry)
			if !ok {
				s.logger.Warn("Dropping malformed stream entry", zap.String("stream_id", entry.ID))
				_ = s.Ack(ctx, entry.ID)
				continue
			}
			msg.Deliveries = 1
			out = append(out, msg)
		}
	}
	return out, nil
}

// Reclaim claims pending entries idle for at least minIdle. The delivery
// count comes from the pending entry list, so callers can dead-letter
// poison messages.
func (s *RedisStream) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]*Message, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	retries := make(map[string]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
		retries[p.ID] = p.RetryCount
	}

	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}

	var out []*Message
	for _, entry := range claimed {
		msg, ok := decodeEntry(entry)
		if !ok {
			s.logger.Warn("Dropping malformed stream entry", zap.String("stream_id", entry.ID))
			_ = s.Ack(ctx, entry.ID)
			continue
		}
		// XCLAIM increments the delivery counter.
		msg.Deliveries = retries[entry.ID] + 1
		out = append(out, msg)
	}
	return out, nil
}

// Ack acknowledges an entry.
func (s *RedisStream) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return nil
}

// DeadLetter pushes the entry onto the dead-letter list and acks it.
func (s *RedisStream) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	body, err := json.Marshal(DeadLetterEntry{
		StreamID: msg.ID,
		Reason:   reason,
		Payload:  msg.Payload,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := s.client.RPush(ctx, s.deadKey, body).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	s.logger.Warn("Dead-lettered stream entry",
		zap.String("stream_id", msg.ID),
		zap.Int64("deliveries", msg.Deliveries),
		zap.String("reason", reason),
	)
	return s.Ack(ctx, msg.ID)
}

// Ping verifies connectivity.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStream) Close() error {
	return s.client.Close()
}

func decodeEntry(entry redis.XMessage) (*Message, bool) {
	raw, ok := entry.Values["payload"]
	if !ok {
		return nil, false
	}
	payload, ok := raw.(string)
	if !ok {
		return nil, false
	}
	return &Message{ID: entry.ID, Payload: []byte(payload)}, true
}
