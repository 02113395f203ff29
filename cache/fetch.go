package cache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/transitlive/transit-cache/types"
)

// fetch issues at most one concurrent origin fetch per key. Callers arriving
// while a fetch is in flight join it and share its result. On failure, any
// cached value of any age is returned as a degraded result; the error only
// propagates when the cache holds nothing for the key.
func (c *DataCache) fetch(ctx context.Context, key string, fetcher types.Fetcher, policy types.FreshnessPolicy) (interface{}, error) {
	data, err, shared := c.flights.Do(key, func() (interface{}, error) {
		fetched, fetchErr := fetcher(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}

		if writeErr := c.write(key, fetched, policy, types.SourceNetwork); writeErr != nil {
			c.logger.Warn("Failed to store fetched value",
				zap.String("key", key),
				zap.Error(writeErr))
		}

		return fetched, nil
	})

	if shared {
		atomic.AddUint64(&c.coalesced, 1)
	}

	if err != nil {
		if stale, ok := c.GetCachedStale(key); ok {
			c.logger.Warn("Fetch failed, serving cached value",
				zap.String("key", key),
				zap.Duration("age", stale.Age),
				zap.Error(err))
			return stale.Data, nil
		}

		return nil, types.WrapError(err, "fetch failed with no cached fallback")
	}

	return data, nil
}

// scheduleRefresh runs a stale-while-revalidate fetch in the background. At
// most one refresh per key is in flight; failures are logged and swallowed so
// they never reach the caller already holding stale data.
func (c *DataCache) scheduleRefresh(key string, fetcher types.Fetcher, policy types.FreshnessPolicy) {
	if fetcher == nil {
		return
	}

	if _, inFlight := c.refreshing.LoadOrStore(key, struct{}{}); inFlight {
		return
	}

	atomic.AddUint64(&c.refreshes, 1)

	go func() {
		defer c.refreshing.Delete(key)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic in background refresh",
					zap.String("key", key),
					zap.Any("panic", r))
			}
		}()

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if _, err := c.fetch(c.ctx, key, fetcher, policy); err != nil {
			c.logger.Debug("Background refresh failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}()
}
