// Package config defines the configuration object both daemons are
// supplied by the external loader (spec §6) and a thin YAML-backed
// loader. Config file loading itself is named an external collaborator
// in spec §1 — this loader is deliberately minimal, delegating to koanf
// rather than hand-rolling a parser.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// LoopConfig is one entry of LoopMap: {runners, include, exclude,
// low-priority}.
type LoopConfig struct {
	Runners     uint     `koanf:"runners"`
	Include     []string `koanf:"include"`
	Exclude     []string `koanf:"exclude"`
	LowPriority []string `koanf:"low_priority"`
}

// Config mirrors spec §6's configuration object field for field, plus
// PruneAfterSec and ItemLimit for the chron daemon's reclaim pass.
type Config struct {
	LoopMap map[string]LoopConfig `koanf:"loop_map"`

	AggrSrvs  []string `koanf:"aggr_srvs"`
	QueueSrvs []string `koanf:"queue_srvs"`

	// ClaimTTLMap and AttemptsMap are per-type, with a "*" default entry.
	ClaimTTLMap map[string]int64 `koanf:"claim_ttl_map"`
	AttemptsMap map[string]int64 `koanf:"attempts_map"`

	HPMaxDelay int64 `koanf:"hp_max_delay"`
	LPMaxDelay int64 `koanf:"lp_max_delay"`
	HPMaxTime  int64 `koanf:"hp_max_time"`
	LPMaxTime  int64 `koanf:"lp_max_time"`

	URL     string            `koanf:"url"`
	Wikis   map[string]string `koanf:"wikis"` // tenant -> host header
	Project string            `koanf:"project"`

	PruneAfterSec int64 `koanf:"prune_after_sec"`
	ItemLimit     int64 `koanf:"item_limit"`
}

// ClaimTTL returns the configured claim TTL for queueType, falling back
// to the "*" default entry.
func (c *Config) ClaimTTL(queueType string) time.Duration {
	if v, ok := c.ClaimTTLMap[queueType]; ok {
		return time.Duration(v) * time.Second
	}
	return time.Duration(c.ClaimTTLMap["*"]) * time.Second
}

// AttemptsLimit returns the configured attempts limit for queueType,
// falling back to the "*" default entry.
func (c *Config) AttemptsLimit(queueType string) int64 {
	if v, ok := c.AttemptsMap[queueType]; ok {
		return v
	}
	return c.AttemptsMap["*"]
}

// PruneAfter is the duration after which an abandoned job is pruned.
func (c *Config) PruneAfter() time.Duration {
	return time.Duration(c.PruneAfterSec) * time.Second
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses raw YAML bytes into a Config, via koanf (parsers/yaml,
// providers/rawbytes) rather than a hand-rolled parser.
func Parse(raw []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate implements the fatal-at-startup ConfigError kind from spec §7.
func (c *Config) validate() error {
	if len(c.QueueSrvs) == 0 {
		return fmt.Errorf("%w: queue_srvs must not be empty", ErrConfig)
	}
	if len(c.AggrSrvs) == 0 {
		return fmt.Errorf("%w: aggr_srvs must not be empty", ErrConfig)
	}
	if c.URL == "" {
		return fmt.Errorf("%w: url must be set", ErrConfig)
	}
	if c.HPMaxDelay >= c.LPMaxDelay {
		// Spec §4.8: "hpMaxDelay < lpMaxDelay is the expected
		// configuration so that high-priority work dominates overall
		// throughput". Not a hard invariant elsewhere in the spec, but
		// a misconfiguration worth failing fast on.
		return fmt.Errorf("%w: hp_max_delay must be less than lp_max_delay", ErrConfig)
	}
	return nil
}

// ErrConfig is the sentinel for spec §7's ConfigError kind.
var ErrConfig = fmt.Errorf("config: invalid configuration")
