package storage

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type RedisStoreConfig struct {
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Key        string `json:"key"`
	QuotaBytes int64  `json:"quota_bytes"`
}

// RedisStore keeps the snapshot under a single redis key, for deployments
// where several instances share one warm snapshot.
type RedisStore struct {
	client *redis.Client
	key    string
	quota  int64
}

func NewRedisStore(ctx context.Context, config interface{}) (types.SnapshotStore, error) {
	cfg := RedisStoreConfig{
		Addr: "localhost:6379",
		Key:  "transit-cache:snapshot",
	}
	if config != nil {
		if err := utils.UnmarshalConfig(config, &cfg); err != nil {
			return nil, types.WrapError(err, "invalid redis store config")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return &RedisStore{
		client: client,
		key:    cfg.Key,
		quota:  cfg.QuotaBytes,
	}, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, types.ErrSnapshotNotFound
		}
		return nil, types.WrapError(err, "failed to read snapshot from redis")
	}

	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	if s.quota > 0 && int64(len(data)) > s.quota {
		return types.Errorf(types.ErrStorageQuotaExceeded,
			"snapshot %s over redis quota %s",
			utils.FormatBytes(int64(len(data))), utils.FormatBytes(s.quota))
	}

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return types.WrapError(err, "failed to write snapshot to redis")
	}

	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return types.WrapError(err, "failed to delete snapshot from redis")
	}

	return nil
}

func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	size, err := s.client.StrLen(ctx, s.key).Result()
	if err != nil {
		return 0, types.WrapError(err, "failed to read snapshot size from redis")
	}

	return size, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
