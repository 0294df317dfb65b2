package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
)

func newTestPool(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to create miniredis, %v", err)
	}
	t.Cleanup(mredis.Close)
	return mredis
}

func testConfig(m *miniredis.Miniredis) config.Redis {
	return config.Redis{Addr: m.Addr(), MaxIdle: 4, IdleTimeout: time.Second}
}

func TestQueueRoundTrip(t *testing.T) {
	m := newTestPool(t)
	pool := NewPool(testConfig(m))
	defer pool.Close()
	q := NewQueue(pool, "test:batches")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "b1"))
	require.NoError(t, q.Enqueue(ctx, "b2"))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, want := range []batches.ID{"b1", "b2"} {
		id, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	m := newTestPool(t)
	pool := NewPool(testConfig(m))
	defer pool.Close()
	q := NewQueue(pool, "test:batches")

	got := make(chan batches.ID, 1)
	go func() {
		id, err := q.Dequeue(context.Background())
		if err == nil {
			got <- id
		}
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "late"))

	select {
	case id := <-got:
		assert.EqualValues(t, "late", id)
	case <-time.After(3 * time.Second):
		t.Fatal("dequeue did not return")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	m := newTestPool(t)
	pool := NewPool(testConfig(m))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewQueue(pool, "empty").Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPing(t *testing.T) {
	m := newTestPool(t)
	pool := NewPool(testConfig(m))
	defer pool.Close()
	assert.NoError(t, Ping(context.Background(), pool))

	m.Close()
	assert.Error(t, Ping(context.Background(), NewPool(testConfig(m))))
}

func TestLockerExcludesConcurrentHolders(t *testing.T) {
	m := newTestPool(t)
	pool := NewPool(testConfig(m))
	defer pool.Close()
	l := NewLocker(pool, 5*time.Second)
	l.retry = 10 * time.Millisecond

	var inside, maxInside atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "env:abc")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, unlock())
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
}
