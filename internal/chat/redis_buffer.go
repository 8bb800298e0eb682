package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix   = "workspace:"
	keySuffix          = ":messages"
	defaultDialTimeout = 5 * time.Second
)

// RedisBufferConfig configures the Redis-backed buffer.
type RedisBufferConfig struct {
	Capacity  int
	KeyPrefix string
	Logger    *zap.Logger
}

// RedisBuffer stores each room's history in a Redis list, newest first, trimmed to Capacity.
type RedisBuffer struct {
	client   *redis.Client
	capacity int
	prefix   string
	logger   *zap.Logger
}

// Connect parses the URL, verifies the server answers and returns a RedisBuffer. When the URL is
// empty or the server cannot be reached, the returned Buffer is a NoopBuffer and history is
// disabled for the lifetime of the process. The close function is always safe to call.
func Connect(ctx context.Context, redisURL string, cfg RedisBufferConfig) (Buffer, func() error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }
	if strings.TrimSpace(redisURL) == "" {
		logger.Info("chat history disabled: no redis url configured")
		return NoopBuffer{}, noop
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("chat history disabled: invalid redis url", zap.Error(err))
		return NoopBuffer{}, noop
	}
	opts.ContextTimeoutEnabled = true
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("chat history disabled: redis unreachable", zap.String("addr", opts.Addr), zap.Error(err))
		_ = client.Close()
		return NoopBuffer{}, noop
	}
	buffer := NewRedisBuffer(client, cfg)
	return buffer, buffer.Close
}

// NewRedisBuffer wraps an existing client.
func NewRedisBuffer(client *redis.Client, cfg RedisBufferConfig) *RedisBuffer {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBuffer{
		client:   client,
		capacity: capacity,
		prefix:   prefix,
		logger:   logger,
	}
}

func (b *RedisBuffer) key(room string) string {
	return b.prefix + room + keySuffix
}

// Append pushes the entry and trims the list to capacity in one round trip.
func (b *RedisBuffer) Append(ctx context.Context, room string, entry Entry) {
	encoded, err := json.Marshal(entry)
	if err != nil {
		b.logger.Warn("chat entry encode failed", zap.String("workspace_id", room), zap.Error(err))
		return
	}
	key := b.key(room)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, encoded)
		pipe.LTrim(ctx, key, 0, int64(b.capacity-1))
		return nil
	})
	if err != nil {
		b.logger.Warn("chat history append failed", zap.String("workspace_id", room), zap.Error(err))
	}
}

// Recent returns up to n of the most recent entries, oldest first. Entries that do not decode are
// returned with their raw text as content.
func (b *RedisBuffer) Recent(ctx context.Context, room string, n int) []Entry {
	if n <= 0 {
		return nil
	}
	raw, err := b.client.LRange(ctx, b.key(room), 0, int64(n-1)).Result()
	if err != nil {
		b.logger.Warn("chat history read failed", zap.String("workspace_id", room), zap.Error(err))
		return nil
	}
	entries := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		entries = append(entries, decodeEntry(raw[i]))
	}
	return entries
}

// Close releases the client.
func (b *RedisBuffer) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("chat: close redis: %w", err)
	}
	return nil
}

func decodeEntry(raw string) Entry {
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{Content: raw}
	}
	return entry
}
