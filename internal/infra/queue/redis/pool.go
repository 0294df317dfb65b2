// Package redis holds the Redis-backed batch queue and provisioning lock.
package redis

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
)

var redisLogger = logging.For("queue.redis")

// NewPool creates the connection pool shared by the queue and the locker.
func NewPool(cfg config.Redis) *redis.Pool {
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	opts := []redis.DialOption{redis.DialConnectTimeout(5 * time.Second)}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}
	return &redis.Pool{
		MaxIdle:      cfg.MaxIdle,
		MaxActive:    cfg.MaxActive,
		IdleTimeout:  idleTimeout,
		Wait:         true,
		TestOnBorrow: testOnBorrow,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return redis.Dial("tcp", cfg.Addr, opts...)
		},
	}
}

// Ping reports whether Redis answers.
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(conn)
	_, err = conn.Do("PING")
	return err
}

func testOnBorrow(c redis.Conn, lastUsed time.Time) error {
	// Assume the connection is valid if it was used in 15 sec.
	if time.Since(lastUsed) < 15*time.Second {
		return nil
	}

	_, err := c.Do("PING")
	return err
}

func handleConnectionClose(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		redisLogger.WithError(err).Debug("failed to close redis client connection")
	}
}
