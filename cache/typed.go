package cache

import (
	"context"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

// Typed is a strongly typed view over a CacheManager. Values read back after
// a persistence round-trip decode as generic JSON shapes; Typed re-decodes
// them into T so callers never see the difference.
type Typed[T any] struct {
	impl types.CacheManager
}

func NewTyped[T any](impl types.CacheManager) *Typed[T] {
	return &Typed[T]{impl: impl}
}

func (t *Typed[T]) Get(ctx context.Context, key string, fetcher func(ctx context.Context) (T, error), policy types.FreshnessPolicy) (T, error) {
	var wrapped types.Fetcher
	if fetcher != nil {
		wrapped = func(ctx context.Context) (interface{}, error) {
			return fetcher(ctx)
		}
	}

	raw, err := t.impl.Get(ctx, key, wrapped, policy)
	if err != nil {
		var zero T
		return zero, err
	}

	return decodeAs[T](raw)
}

func (t *Typed[T]) GetCached(key string, policy types.FreshnessPolicy) (T, bool) {
	raw, ok := t.impl.GetCached(key, policy)
	if !ok {
		var zero T
		return zero, false
	}

	value, err := decodeAs[T](raw)
	if err != nil {
		var zero T
		return zero, false
	}

	return value, true
}

func (t *Typed[T]) Set(key string, data T, policy types.FreshnessPolicy) error {
	return t.impl.Set(key, data, policy)
}

func decodeAs[T any](raw interface{}) (T, error) {
	if value, ok := raw.(T); ok {
		return value, nil
	}

	var value T
	encoded, err := utils.Marshal(raw)
	if err != nil {
		return value, types.WrapError(err, "failed to re-encode cached value")
	}

	if err := utils.Unmarshal(encoded, &value); err != nil {
		return value, types.WrapError(err, "failed to decode cached value")
	}

	return value, nil
}
