// Package redis stores results under Celery's "celery-task-meta-<id>" keys
// and publishes each update on the same channel name.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/clp-project/querycelery/backend"
	"github.com/gomodule/redigo/redis"
)

func init() {
	backend.Register("redis", Open)
	backend.Register("rediss", Open)
}

// Backend is a Redis result backend.
type Backend struct {
	pool *redis.Pool
}

// Open validates the URL with a PING and sets up a connection pool.
func Open(ctx context.Context, uri string) (backend.Backend, error) {
	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 4 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.DialURL(uri) },
	}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Store(ctx context.Context, taskID string, payload []byte, expires time.Duration) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	key := backend.KeyPrefix + taskID
	_ = conn.Send("MULTI")
	if seconds := int64(expires / time.Second); seconds > 0 {
		_ = conn.Send("SETEX", key, seconds, payload)
	} else {
		_ = conn.Send("SET", key, payload)
	}
	_ = conn.Send("PUBLISH", key, payload)
	_, err = conn.Do("EXEC")
	return err
}

func (b *Backend) Get(ctx context.Context, taskID string) ([]byte, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := redis.Bytes(conn.Do("GET", backend.KeyPrefix+taskID))
	if errors.Is(err, redis.ErrNil) {
		return nil, backend.ErrResultNotFound
	}
	return payload, err
}

func (b *Backend) Close() error {
	return b.pool.Close()
}
