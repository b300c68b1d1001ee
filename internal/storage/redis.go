/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Redis-backed StorageAdapter. Ported from
             redisclient/redis.go's connection-setup pattern
             (ParseURL + Ping-on-construct), extended to the
             Get/Set/Delete/Keys shape the pipeline needs.
Root Cause:  External collaborator #3 — StorageAdapter, Redis impl.
Suitability: L2 — direct client wiring.
──────────────────────────────────────────────────────────────
*/

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Adapter over github.com/redis/go-redis/v9, the
// same client the gateway's redisclient package wraps.
type Redis struct {
	c      *redis.Client
	prefix string
}

// NewRedis parses rawURL (as redisclient.New does) and verifies
// connectivity with a bounded ping before returning.
func NewRedis(rawURL, keyPrefix string) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Redis{c: client, prefix: keyPrefix}, nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.c.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.c.Set(ctx, r.key(key), value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.c.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	return r.c.Keys(ctx, r.key(prefix)+"*").Result()
}

func (r *Redis) Close() error {
	return r.c.Close()
}
