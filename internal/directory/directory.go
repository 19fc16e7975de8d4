package directory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the durable side of the directory; *Repository implements it.
type Store interface {
	Save(ctx context.Context, c *Caller) error
	Find(ctx context.Context, number string) (*Caller, error)
	Delete(ctx context.Context, numbers ...string) (int64, error)
	List(ctx context.Context, filter string) ([]Caller, error)
	Close() error
}

// Directory reads through the Redis cache into the store and writes
// through both. Cache failures are logged and never fail a call.
type Directory struct {
	store  Store
	cache  *Cache
	logger *slog.Logger
	closed atomic.Bool
	warm   sync.WaitGroup
}

func New(store Store, cache *Cache, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, cache: cache, logger: logger}
}

// FindCaller tries Redis first and falls back to the store, warming the
// cache on a store hit. A miss is ErrNotFound.
func (d *Directory) FindCaller(ctx context.Context, number string) (*Caller, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if number == "" {
		return nil, ErrNotFound
	}

	c, err := d.cache.Get(ctx, number)
	if err != nil {
		d.logger.Warn("cache_get_failed", "number", number, "error", err)
	}
	if c != nil {
		return c, nil
	}

	d.logger.Debug("cache_miss_fallback_to_store", "number", number)
	c, err = d.store.Find(ctx, number)
	if err != nil {
		return nil, err
	}

	d.warm.Add(1)
	go func(c Caller) {
		defer d.warm.Done()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := d.cache.Save(wctx, &c); err != nil {
			d.logger.Warn("cache_warm_failed", "number", c.NumberComplete, "error", err)
		}
	}(*c)
	return c, nil
}

func (d *Directory) SaveCaller(ctx context.Context, c *Caller) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	if err := d.store.Save(ctx, c); err != nil {
		d.logger.Error("store_save_failed", "number", c.NumberComplete, "error", err)
		return err
	}
	if err := d.cache.Save(ctx, c); err != nil {
		d.logger.Warn("cache_save_failed", "number", c.NumberComplete, "error", err)
	}
	return nil
}

// DeleteCallers removes numbers from both tiers. ErrNotFound when none of
// them existed.
func (d *Directory) DeleteCallers(ctx context.Context, numbers ...string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.cache.Delete(ctx, numbers...); err != nil {
		d.logger.Warn("cache_delete_failed", "error", err)
	}
	n, err := d.store.Delete(ctx, numbers...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Directory) ListCallers(ctx context.Context, filter string) ([]Caller, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	return d.store.List(ctx, filter)
}

// Close waits for pending cache warm-ups, then closes both tiers.
func (d *Directory) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.warm.Wait()
	if err := d.cache.Close(); err != nil {
		d.logger.Error("failed_to_close_redis", "error", err)
	}
	return d.store.Close()
}
