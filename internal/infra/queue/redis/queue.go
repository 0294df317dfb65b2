package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
)

// blockTimeout is how long one BRPOP waits before ctx is checked again.
const blockTimeout = time.Second

// Queue implements batches.Queue on a Redis list (LPUSH / BRPOP), so
// several worker processes can share it.
type Queue struct {
	pool *redis.Pool
	key  string
}

func NewQueue(pool *redis.Pool, key string) *Queue {
	return &Queue{pool: pool, key: key}
}

func (q *Queue) Enqueue(ctx context.Context, id batches.ID) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer handleConnectionClose(conn)

	if _, err := conn.Do("LPUSH", q.key, string(id)); err != nil {
		return fmt.Errorf("LPUSH %s: %w", q.key, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (batches.ID, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return "", fmt.Errorf("redis connection: %w", err)
	}
	defer handleConnectionClose(conn)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		reply, err := redis.Strings(redis.DoWithTimeout(conn, blockTimeout+time.Second, "BRPOP", q.key, int(blockTimeout.Seconds())))
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("BRPOP %s: %w", q.key, err)
		}
		if len(reply) != 2 {
			return "", fmt.Errorf("BRPOP %s: unexpected reply %v", q.key, reply)
		}
		return batches.ID(reply[1]), nil
	}
}

// Len returns the number of queued ids.
func (q *Queue) Len(ctx context.Context) (int, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer handleConnectionClose(conn)
	return redis.Int(conn.Do("LLEN", q.key))
}
