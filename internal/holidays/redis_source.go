package holidays

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisKeyPrefix = "writestreak:holidays:"
	defaultRedisTimeout   = 2 * time.Second
)

// RedisSourceConfig describes a redis read-through layer in front of a Source.
type RedisSourceConfig struct {
	Client    *redis.Client
	Next      Source
	TTL       time.Duration
	KeyPrefix string
	Logger    *zap.Logger
}

// RedisSource shares loaded holiday sets between processes through redis.
// Redis failures fall through to the next source; they never fail a lookup.
type RedisSource struct {
	client    *redis.Client
	next      Source
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisSource wraps next with a redis layer. A nil client disables the layer.
func NewRedisSource(cfg RedisSourceConfig) (*RedisSource, error) {
	if cfg.Next == nil {
		return nil, ErrMissingSource
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{
		client:    cfg.Client,
		next:      cfg.Next,
		ttl:       ttl,
		keyPrefix: prefix,
		logger:    logger,
	}, nil
}

// HolidaysForYear consults redis first, then the next source.
func (source *RedisSource) HolidaysForYear(ctx context.Context, year int) ([]Holiday, error) {
	if source.client == nil {
		return source.next.HolidaysForYear(ctx, year)
	}
	key := source.key(year)

	if cached, ok := source.get(ctx, key); ok {
		return cached, nil
	}

	entries, err := source.next.HolidaysForYear(ctx, year)
	if err != nil {
		return nil, err
	}
	source.set(ctx, key, entries)
	return entries, nil
}

func (source *RedisSource) key(year int) string {
	return fmt.Sprintf("%s%d", source.keyPrefix, year)
}

func (source *RedisSource) get(ctx context.Context, key string) ([]Holiday, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, defaultRedisTimeout)
	defer cancel()
	payload, err := source.client.Get(lookupCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			source.logger.Warn("holiday redis get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var entries []Holiday
	if err := json.Unmarshal(payload, &entries); err != nil {
		source.logger.Warn("holiday redis payload invalid", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return entries, true
}

func (source *RedisSource) set(ctx context.Context, key string, entries []Holiday) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, defaultRedisTimeout)
	defer cancel()
	if err := source.client.Set(storeCtx, key, payload, source.ttl).Err(); err != nil {
		source.logger.Warn("holiday redis set failed", zap.String("key", key), zap.Error(err))
	}
}
