package poollock

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

type fixedPool struct {
	addr string
}

func (p fixedPool) Get() redis.Conn {
	conn, err := redis.Dial("tcp", p.addr)
	if err != nil {
		panic(err)
	}
	return conn
}

func TestAcquire_FillsAllSlotsThenFails(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := fixedPool{addr: mr.Addr()}

	var held []*Lock
	for i := 0; i < 3; i++ {
		l, err := Acquire(pool, "jobqueue-chron", 3, time.Minute)
		require.NoError(t, err)
		held = append(held, l)
	}

	_, err := Acquire(pool, "jobqueue-chron", 3, time.Minute)
	require.ErrorIs(t, err, LockUnavailable)

	require.NoError(t, held[0].Release())
	l, err := Acquire(pool, "jobqueue-chron", 3, time.Minute)
	require.NoError(t, err)
	require.Equal(t, held[0].SlotKey(), l.SlotKey())
}

func TestAcquire_StaleSlotIsReclaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := fixedPool{addr: mr.Addr()}

	l, err := Acquire(pool, "jobqueue-chron", 1, time.Second)
	require.NoError(t, err)

	// Backdate the held slot's timestamp past its TTL, simulating a
	// holder that died without releasing (its own timestamp stops
	// advancing, not a Redis key TTL).
	conn := pool.Get()
	_, err = conn.Do("SET", l.SlotKey(), time.Now().Add(-10*time.Second).Unix())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	l2, err := Acquire(pool, "jobqueue-chron", 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, l.SlotKey(), l2.SlotKey())
}

func TestRefresh_ExtendsLease(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := fixedPool{addr: mr.Addr()}

	l, err := Acquire(pool, "jobqueue-chron", 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Refresh())

	// A fresh refresh means the slot is still live; a concurrent
	// acquirer must not be able to take it.
	_, err = Acquire(pool, "jobqueue-chron", 1, time.Second)
	require.ErrorIs(t, err, LockUnavailable)
}

// TestAcquire_AtMostNHolders is spec §8 property 5: at any instant, at
// most N holders exist across all well-behaved (non-stale, releasing)
// acquirers racing concurrently.
func TestAcquire_AtMostNHolders(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := fixedPool{addr: mr.Addr()}
	const n = 4
	const acquirers = 20

	var mu sync.Mutex
	current := 0
	maxObserved := 0
	var wg sync.WaitGroup

	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(pool, "jobqueue-chron", n, time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			current++
			if current > maxObserved {
				maxObserved = current
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			require.NoError(t, l.Release())
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxObserved, n)
}
