package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
loop_map:
  default:
    runners: 5
    include: ["*"]
    low_priority: ["htmlCacheUpdate"]
queue_srvs: ["redis1:6379", "redis2:6379"]
aggr_srvs: ["redis-aggr:6379"]
claim_ttl_map:
  "*": 3600
  cirrusSearchLinksUpdate: 60
attempts_map:
  "*": 3
hp_max_delay: 30
lp_max_delay: 60
hp_max_time: 30
lp_max_time: 600
url: "https://mediawiki.example/rpc/RunJobs.php"
wikis:
  enwiki: en.wikipedia.org
project: jobrunner-prod
prune_after_sec: 86400
item_limit: 250
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	require.Equal(t, uint(5), cfg.LoopMap["default"].Runners)
	require.Equal(t, []string{"redis1:6379", "redis2:6379"}, cfg.QueueSrvs)
	require.Equal(t, float64(60), cfg.ClaimTTL("cirrusSearchLinksUpdate").Seconds())
	require.Equal(t, float64(3600), cfg.ClaimTTL("somethingElse").Seconds())
	require.Equal(t, int64(3), cfg.AttemptsLimit("anything"))
	require.Equal(t, float64(86400), cfg.PruneAfter().Seconds())
}

func TestParse_MissingQueueSrvs(t *testing.T) {
	_, err := Parse([]byte(`
aggr_srvs: ["a:1"]
url: "https://x"
hp_max_delay: 1
lp_max_delay: 2
`))
	require.True(t, errors.Is(err, ErrConfig))
}

func TestParse_MissingAggrSrvs(t *testing.T) {
	_, err := Parse([]byte(`
queue_srvs: ["a:1"]
url: "https://x"
hp_max_delay: 1
lp_max_delay: 2
`))
	require.True(t, errors.Is(err, ErrConfig))
}

func TestParse_MissingURL(t *testing.T) {
	_, err := Parse([]byte(`
queue_srvs: ["a:1"]
aggr_srvs: ["b:1"]
hp_max_delay: 1
lp_max_delay: 2
`))
	require.True(t, errors.Is(err, ErrConfig))
}

func TestParse_DelayOrderingMisconfigured(t *testing.T) {
	_, err := Parse([]byte(`
queue_srvs: ["a:1"]
aggr_srvs: ["b:1"]
url: "https://x"
hp_max_delay: 60
lp_max_delay: 30
`))
	require.True(t, errors.Is(err, ErrConfig))
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("not: [valid"))
	require.Error(t, err)
}

func TestWikiTenants_Host(t *testing.T) {
	w := WikiTenants{"enwiki": "en.wikipedia.org"}
	host, ok := w.Host("enwiki")
	require.True(t, ok)
	require.Equal(t, "en.wikipedia.org", host)

	_, ok = w.Host("dewiki")
	require.False(t, ok)
}
