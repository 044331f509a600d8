package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/zstd"

	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
	"hackthestudy/internal/infra/metrics"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("redis: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("redis: zstd decoder initialization failed: " + err.Error())
	}
}

var _ repository.ResponseCache = (*ResponseCache)(nil)

// ResponseCache stores zstd-compressed JSON completions at cache:<hash>.
type ResponseCache struct {
	cli *redis.Client
	ttl time.Duration
}

func NewResponseCache(c *Client, ttl time.Duration) *ResponseCache {
	return &ResponseCache{cli: c.cli, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *ResponseCache) Get(ctx context.Context, key string) (*model.CachedCompletion, error) {
	raw, err := c.cli.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheRequest("llm", "miss")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := zstdDecoder.DecodeAll(raw, nil)
	if err != nil {
		// unreadable entries are treated as misses and overwritten later
		metrics.IncCacheRequest("llm", "corrupt")
		return nil, nil
	}
	var out model.CachedCompletion
	if err := json.Unmarshal(plain, &out); err != nil {
		metrics.IncCacheRequest("llm", "corrupt")
		return nil, nil
	}
	metrics.IncCacheRequest("llm", "hit")
	return &out, nil
}

func (c *ResponseCache) Set(ctx context.Context, key string, v *model.CachedCompletion) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.cli.Set(ctx, cacheKey(key), zstdEncoder.EncodeAll(b, nil), c.ttl).Err()
}
