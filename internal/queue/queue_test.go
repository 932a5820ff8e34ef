package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrips(t *testing.T) {
	id := Identity{Type: "cirrusSearchLinksUpdate", Tenant: "enwiki"}
	got, err := Decode(id.Encode())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestEncode_TypeContainingColonStillRoundTrips(t *testing.T) {
	// The NUL separator is chosen specifically because ':' appears
	// legitimately inside the partition key layout; a type or tenant
	// name containing ':' must not break the bijection.
	id := Identity{Type: "some:weird:type", Tenant: "some:tenant"}
	got, err := Decode(id.Encode())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestDecode_MalformedReturnsError(t *testing.T) {
	_, err := Decode("no-separator-here")
	require.Error(t, err)
}

func TestKeysFor_Layout(t *testing.T) {
	keys := KeysFor(Identity{Type: "cirrusSearchLinksUpdate", Tenant: "enwiki"})
	require.Equal(t, "enwiki:jobqueue:cirrusSearchLinksUpdate:l-unclaimed", keys.Unclaimed)
	require.Equal(t, "enwiki:jobqueue:cirrusSearchLinksUpdate:z-claimed", keys.Claimed)
	require.Equal(t, "global:jobqueue:s-queuesWithJobs", keys.QueuesWithJobs)
}

func TestReadyMapTempKey(t *testing.T) {
	require.Equal(t, ReadyMapKey+":temp", ReadyMapTempKey())
}

func TestPoolLockSlotKey(t *testing.T) {
	require.Equal(t, "jobqueue-chron:lock:2", PoolLockSlotKey("jobqueue-chron", 2))
}
