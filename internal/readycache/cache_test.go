package readycache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_FetchesOnceWithinTTL(t *testing.T) {
	calls := 0
	c := New(func() (ReadyMap, error) {
		calls++
		return ReadyMap{"a": {"t1": 1}}, nil
	}, time.Hour)

	for i := 0; i < 5; i++ {
		got := c.Get()
		require.Equal(t, ReadyMap{"a": {"t1": 1}}, got)
	}
	require.Equal(t, 1, calls)
}

// TestCache_PrefersStaleOverEmpty is spec §8 property 4: the cache must
// never return empty when a prior non-empty value is within TTL and the
// fresh read fails or is empty — even though here the TTL has already
// elapsed, making this the case where staleness is explicitly preferred.
func TestCache_PrefersStaleOverEmpty(t *testing.T) {
	fail := false
	c := New(func() (ReadyMap, error) {
		if fail {
			return nil, errors.New("aggregator unreachable")
		}
		return ReadyMap{"a": {"t1": 1}}, nil
	}, time.Millisecond)

	require.Equal(t, ReadyMap{"a": {"t1": 1}}, c.Get())

	time.Sleep(5 * time.Millisecond)
	fail = true
	require.Equal(t, ReadyMap{"a": {"t1": 1}}, c.Get(), "a failed refresh must not clobber the cached value")
}

func TestCache_PrefersStaleOverEmptyResult(t *testing.T) {
	empty := false
	c := New(func() (ReadyMap, error) {
		if empty {
			return nil, nil
		}
		return ReadyMap{"a": {"t1": 1}}, nil
	}, time.Millisecond)

	require.Equal(t, ReadyMap{"a": {"t1": 1}}, c.Get())

	time.Sleep(5 * time.Millisecond)
	empty = true
	require.Equal(t, ReadyMap{"a": {"t1": 1}}, c.Get(), "an empty fresh read must not clobber the cached value")
}

func TestCache_RefreshesAfterTTLWithGoodData(t *testing.T) {
	n := 0
	c := New(func() (ReadyMap, error) {
		n++
		return ReadyMap{"a": {"t1": int64(n)}}, nil
	}, time.Millisecond)

	require.Equal(t, int64(1), c.Get()["a"]["t1"])
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, int64(2), c.Get()["a"]["t1"])
}
