package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps state in Redis under a namespace prefix. It is meant
// for host deployments that already replicate Redis out of band; the
// deterministic core itself never depends on Redis ordering because
// IteratePrefix sorts the scanned keys before visiting them.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore wraps a Redis client. namespace isolates this chain's
// keys from other tenants of the same instance.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (r *RedisStore) key(k string) string {
	return r.namespace + ":" + k
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: redis get %q: %w", key, err)
	}
	return v, nil
}

// IteratePrefix implements Store.
func (r *RedisStore) IteratePrefix(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("state: redis scan %q: %w", prefix, err)
	}
	sort.Strings(keys)

	strip := len(r.namespace) + 1
	for _, k := range keys {
		v, err := r.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("state: redis get %q: %w", k, err)
		}
		if err := fn(k[strip:], v); err != nil {
			return err
		}
	}
	return nil
}

// Apply implements Store. The batch runs inside a MULTI/EXEC pipeline.
func (r *RedisStore) Apply(ctx context.Context, b *Batch) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.Ops() {
			switch op.Kind {
			case OpSet:
				pipe.Set(ctx, r.key(op.Key), op.Value, 0)
			case OpRemove:
				pipe.Del(ctx, r.key(op.Key))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("state: redis apply: %w", err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
