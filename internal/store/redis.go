package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per system name.
const DefaultRedisKey = "sysarray:performance"

// RedisConfig addresses the redis server.
type RedisConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// RedisStore keeps indices in a redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Key), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Load implements PerformanceStore.
func (r *RedisStore) Load(ctx context.Context, name string) (float64, bool, error) {
	v, err := r.client.HGet(ctx, r.key, name).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Save implements PerformanceStore.
func (r *RedisStore) Save(ctx context.Context, name string, index float64) error {
	return r.client.HSet(ctx, r.key, name, strconv.FormatFloat(index, 'g', -1, 64)).Err()
}

// All implements PerformanceStore.
func (r *RedisStore) All(ctx context.Context) (map[string]float64, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for name, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out[name] = v
	}
	return out, nil
}

// Close implements PerformanceStore.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
