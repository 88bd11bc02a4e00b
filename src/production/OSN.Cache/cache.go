package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
)

const keyPrefix = "opensensor:"

// TTLs per cache concern. Device chains change rarely; pipeline results and
// token validations are short-lived.
const (
	DeviceMetaTTL = 24 * time.Hour
	PipelineTTL   = 15 * time.Minute
	TokenTTL      = 10 * time.Minute
)

// Cache is a best-effort memoization layer over redis. Every operation
// degrades silently when redis is unreachable or was never configured; no
// request may fail solely because the cache is down.
type Cache struct {
	client *redis.Client
	logger *logger.Logger
}

// New connects to redis at the given URL. An empty URL, a bad URL, or a
// failed ping all yield a disabled cache rather than an error.
func New(redisURL string, log *logger.Logger) *Cache {
	c := &Cache{logger: log.WithComponent("cache")}
	if redisURL == "" {
		c.logger.Warn("REDIS_URL not set, caching disabled")
		return c
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		c.logger.ErrorWithError(err, "Invalid redis URL, caching disabled")
		return c
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.ErrorWithError(err, "Failed to connect to redis, caching disabled")
		return c
	}

	c.client = client
	c.logger.Info("Redis connection established")
	return c
}

// Enabled reports whether a redis backend is attached.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// GetJSON loads and unmarshals a cached value. Returns false on miss or on
// any redis/decoding error.
func (c *Cache) GetJSON(ctx context.Context, key string, v interface{}) bool {
	if !c.Enabled() {
		return false
	}
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Debug("Cache get failed")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.WithError(err).Warn("Failed to decode cached value")
		return false
	}
	return true
}

// SetJSON stores a value with a TTL. Errors are logged and swallowed.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode value for cache")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Cache set failed")
	}
}

// Delete removes specific keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.Enabled() || len(keys) == 0 {
		return
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		c.logger.WithError(err).Debug("Cache delete failed")
	}
}

// InvalidateDevice drops the cached entries scoped to one device id. Called
// after a new reading is ingested for that device; not atomic with the write.
func (c *Cache) InvalidateDevice(ctx context.Context, deviceID string) int {
	if !c.Enabled() {
		return 0
	}
	deleted := 0
	for _, pattern := range []string{
		keyPrefix + "device_meta:" + deviceID,
		keyPrefix + "agg:*:" + deviceID + ":*",
	} {
		keys, err := c.client.Keys(ctx, pattern).Result()
		if err != nil {
			c.logger.WithError(err).Debug("Cache invalidation scan failed")
			continue
		}
		if len(keys) == 0 {
			continue
		}
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			c.logger.WithError(err).Debug("Cache invalidation delete failed")
			continue
		}
		deleted += int(n)
	}
	if deleted > 0 {
		c.logger.WithField("device_id", deviceID).WithField("deleted", deleted).Debug("Invalidated device cache entries")
	}
	return deleted
}

// Stats returns connection statistics for health reporting.
func (c *Cache) Stats(ctx context.Context) map[string]interface{} {
	if !c.Enabled() {
		return map[string]interface{}{"status": "unavailable"}
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	return map[string]interface{}{"status": "connected"}
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
