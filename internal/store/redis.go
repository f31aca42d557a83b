package store

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"walletmesh/internal/domain"
)

// Redis is a KV backed by a Redis instance, for deployments where several
// processes share pairing state. Every key is stored under namespace to keep
// unrelated data out of Keys scans.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis wraps an existing client. namespace is prepended to every key,
// e.g. "walletmesh:".
func NewRedis(rdb *redis.Client, namespace string) *Redis {
	return &Redis{rdb: rdb, namespace: namespace}
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Redis) Put(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.namespace+key, value, 0).Err()
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.namespace+key).Err()
}

func (s *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, s.namespace+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Compile-time assertion that Redis implements domain.KV.
var _ domain.KV = (*Redis)(nil)
