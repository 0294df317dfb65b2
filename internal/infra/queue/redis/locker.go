package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/redigo"
	"github.com/gomodule/redigo/redis"
)

// Locker serializes environment provisioning across worker processes with a
// redsync mutex per key.
type Locker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	retry  time.Duration
}

// NewLocker creates a locker whose locks expire after expiry, which must
// exceed the longest provisioning.
func NewLocker(pool *redis.Pool, expiry time.Duration) *Locker {
	return &Locker{
		rs:     redsync.New(redigo.NewPool(pool)),
		expiry: expiry,
		retry:  time.Second,
	}
}

// Lock blocks until key is held or ctx is done. Waiting covers a whole
// provisioning by another process.
func (l *Locker) Lock(ctx context.Context, key string) (func() error, error) {
	tries := int(l.expiry/l.retry) + 1
	m := l.rs.NewMutex("analyzer:lock:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retry),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() error {
		ok, err := m.Unlock()
		if err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("unlock %s: lock expired", key)
		}
		return nil
	}, nil
}
