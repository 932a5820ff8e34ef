// Package queue defines queue identity, its bijective encoding, and the
// Redis key layout for both partition servers and the aggregator.
package queue

import (
	"fmt"
	"strings"
)

// Identity is the (type, tenant) pair that names one queue.
type Identity struct {
	Type   string
	Tenant string
}

// separator is the token used to join Type and Tenant into a single
// encoded string. It is a NUL byte, which cannot appear in a type name
// (drawn from a loop descriptor's include/exclude/low-priority sets) or a
// tenant name (drawn from the configured wikis map), so splitting on the
// first occurrence is always unambiguous — the encoding is bijective.
const separator = "\x00"

// Encode returns the canonical encoded string for id, used as the
// aggregator ready-map hash field and as the member of the cluster-wide
// queues-with-jobs set.
func (id Identity) Encode() string {
	return id.Type + separator + id.Tenant
}

// Decode splits an encoded queue name back into its (type, tenant) pair.
func Decode(encoded string) (Identity, error) {
	idx := strings.IndexByte(encoded, separator[0])
	if idx < 0 {
		return Identity{}, fmt.Errorf("queue: malformed encoded identity %q", encoded)
	}
	return Identity{Type: encoded[:idx], Tenant: encoded[idx+1:]}, nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.Type, id.Tenant)
}

// Keys is the set of seven Redis keys a reclaim pass on one partition
// touches: the six per-queue keys, per spec §3 and §6's literal layout:
//
//	<tenant>:jobqueue:<type>:{l-unclaimed,z-claimed,h-attempts,h-data,z-abandoned,z-delayed}
//
// plus the cluster-wide queues-with-jobs set, which is not per-queue but
// is included here for convenience since every reclaim invocation needs
// both.
type Keys struct {
	Unclaimed      string // l-unclaimed: list
	Claimed        string // z-claimed: sorted set, score = claim timestamp
	Attempts       string // h-attempts: hash, jobID -> attempt count
	Data           string // h-data: hash, jobID -> job payload
	Abandoned      string // z-abandoned: sorted set, score = claim timestamp at death
	Delayed        string // z-delayed: sorted set, score = ready-at timestamp
	QueuesWithJobs string // global:jobqueue:s-queuesWithJobs, cluster-wide set
}

const globalQueuesWithJobsKey = "global:jobqueue:s-queuesWithJobs"

// KeysFor builds the per-queue key set for id.
func KeysFor(id Identity) Keys {
	prefix := fmt.Sprintf("%s:jobqueue:%s:", id.Tenant, id.Type)
	return Keys{
		Unclaimed:      prefix + "l-unclaimed",
		Claimed:        prefix + "z-claimed",
		Attempts:       prefix + "h-attempts",
		Data:           prefix + "h-data",
		Abandoned:      prefix + "z-abandoned",
		Delayed:        prefix + "z-delayed",
		QueuesWithJobs: globalQueuesWithJobsKey,
	}
}

// Aggregator key layout (spec §6).
const (
	// ReadyMapKey is the aggregator hash of queue name -> last-ready
	// timestamp.
	ReadyMapKey = "jobqueue:aggr:readyMap"
)

// ReadyMapTempKey is the staging key a chron round writes into before
// atomically renaming it over ReadyMapKey.
func ReadyMapTempKey() string {
	return ReadyMapKey + ":temp"
}

// PoolLockSlotKey is a pool lock's slot key, "<name>:lock:<i>" per §4.2.
func PoolLockSlotKey(name string, i int) string {
	return fmt.Sprintf("%s:lock:%d", name, i)
}
