package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultCacheTTL = 7 * 24 * time.Hour

// Cache holds callers in Redis hashes under caller:<number>. A nil Cache is
// a no-op that always misses.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to addr (host:port or a redis:// URL) and pings it.
func NewCache(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	opts := &redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if parsed, err := redis.ParseURL(addr); err == nil {
		parsed.DialTimeout = opts.DialTimeout
		parsed.ReadTimeout = opts.ReadTimeout
		parsed.WriteTimeout = opts.WriteTimeout
		opts = parsed
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewCacheWithClient(rdb, ttl), nil
}

func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(number string) string {
	return "caller:" + number
}

func (c *Cache) Save(ctx context.Context, caller *Caller) error {
	if c == nil || c.client == nil {
		return nil
	}
	key := cacheKey(caller.NumberComplete)
	fields := map[string]any{
		"number_complete": caller.NumberComplete,
		"name":            caller.Name,
		"number":          caller.Number,
		"area_code":       caller.AreaCode,
		"postal_code":     caller.PostalCode,
		"street":          caller.Street,
		"city":            caller.City,
		"updated_at":      caller.UpdatedAt.Format(time.RFC3339Nano),
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns nil, nil on a miss.
func (c *Cache) Get(ctx context.Context, number string) (*Caller, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	fields, err := c.client.HGetAll(ctx, cacheKey(number)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	caller := &Caller{
		NumberComplete: number,
		Name:           fields["name"],
		Number:         fields["number"],
		AreaCode:       fields["area_code"],
		PostalCode:     fields["postal_code"],
		Street:         fields["street"],
		City:           fields["city"],
	}
	if ts, ok := fields["updated_at"]; ok {
		caller.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return caller, nil
}

func (c *Cache) Delete(ctx context.Context, numbers ...string) error {
	if c == nil || c.client == nil || len(numbers) == 0 {
		return nil
	}
	keys := make([]string, len(numbers))
	for i, n := range numbers {
		keys[i] = cacheKey(n)
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
