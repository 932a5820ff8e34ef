package readycache

import (
	"fmt"

	"github.com/gomodule/redigo/redis"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/queue"
)

// Pool supplies a connection to the aggregator.
type Pool interface {
	Get() redis.Conn
}

// RedisFetcher builds a Fetcher that reads the aggregator's flat
// (encoded queue name -> last-ready timestamp) hash and regroups it into
// a ReadyMap keyed by type, then tenant.
func RedisFetcher(pool Pool) Fetcher {
	return func() (ReadyMap, error) {
		conn := pool.Get()
		defer conn.Close()

		reply, err := redis.StringMap(conn.Do("HGETALL", queue.ReadyMapKey))
		if err != nil {
			return nil, fmt.Errorf("readycache: hgetall: %w", err)
		}

		out := make(ReadyMap)
		for encoded, tsStr := range reply {
			id, err := queue.Decode(encoded)
			if err != nil {
				continue
			}
			var ts int64
			if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
				continue
			}
			if out[id.Type] == nil {
				out[id.Type] = make(map[string]int64)
			}
			out[id.Type][id.Tenant] = ts
		}
		return out, nil
	}
}
