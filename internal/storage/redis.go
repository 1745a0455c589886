package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisProvider stores a tenant as one hash: key <prefix>:<tenant>, field = entity.
type RedisProvider struct {
	rdb *redis.Client
	key string
}

// NewRedisProvider connects using a redis URL (redis://host:port/db).
func NewRedisProvider(ctx context.Context, url, prefix, tenantID string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "configserver"
	}
	return &RedisProvider{rdb: rdb, key: prefix + ":" + tenantID}, nil
}

func (p *RedisProvider) Get(ctx context.Context, entity string) ([]byte, error) {
	if entity == "" {
		return nil, ErrEmptyEntity
	}
	data, err := p.rdb.HGet(ctx, p.key, entity).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEntityNotFound
	}
	return data, err
}

func (p *RedisProvider) Set(ctx context.Context, entity string, data []byte) error {
	if err := validate(entity, data); err != nil {
		return err
	}
	return p.rdb.HSet(ctx, p.key, entity, data).Err()
}

func (p *RedisProvider) Entities(ctx context.Context) ([]string, error) {
	names, err := p.rdb.HKeys(ctx, p.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (p *RedisProvider) Close() error {
	return p.rdb.Close()
}
